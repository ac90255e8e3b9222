package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/warden/internal/backend"
	"github.com/neboloop/warden/internal/contextmgr"
	"github.com/neboloop/warden/internal/crashtrack"
	"github.com/neboloop/warden/internal/notify"
	"github.com/neboloop/warden/internal/tasksource"
)

// errPanicOutcome scripted as an outcome makes the fake backend panic
// instead of returning an error.
var errPanicOutcome = errors.New("panic outcome")

// fakeBackend scripts invoke outcomes and records call ordering.
type fakeBackend struct {
	mu       sync.Mutex
	outcomes []error // nil = success; consumed per invoke, empty = success
	resetOK  bool
	events   []string // "reset" and "invoke:<id>" in call order
	tokens   [2]int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{resetOK: true, tokens: [2]int64{100, 50}}
}

func (b *fakeBackend) Invoke(ctx context.Context, task tasksource.Task) (*backend.InvokeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "invoke:"+task.ID)

	var err error
	if len(b.outcomes) > 0 {
		err = b.outcomes[0]
		b.outcomes = b.outcomes[1:]
	}
	if errors.Is(err, errPanicOutcome) {
		panic("provider exploded")
	}
	if err != nil {
		return nil, err
	}
	return &backend.InvokeResult{InputTokens: b.tokens[0], OutputTokens: b.tokens[1], Result: "ok"}, nil
}

func (b *fakeBackend) ResetContext(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "reset")
	return b.resetOK
}

func (b *fakeBackend) callEvents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	copy(out, b.events)
	return out
}

// captureSink remembers every delivered report.
type captureSink struct {
	mu      sync.Mutex
	reports []notify.Report
}

func (s *captureSink) Notify(r notify.Report) {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func tasks(n int) []tasksource.Task {
	out := make([]tasksource.Task, n)
	for i := range out {
		out[i] = tasksource.Task{ID: fmt.Sprintf("t%d", i+1), Prompt: "work"}
	}
	return out
}

func newTestLoop(b backend.Backend, src tasksource.Source, maxCrashes int, sink notify.Sink) (*Loop, *crashtrack.Tracker, *contextmgr.Manager) {
	tracker := crashtrack.New(crashtrack.Options{MaxCrashes: maxCrashes, HistoryWindow: 100})
	contexts := contextmgr.New(contextmgr.Options{CompactInterval: 1000, MaxTokens: 1 << 40, MaxAge: time.Hour})
	loop := New(Options{
		Backend:      b,
		Source:       src,
		Tracker:      tracker,
		Contexts:     contexts,
		Sink:         sink,
		NormalSleep:  0,
		CrashSleep:   time.Millisecond,
		ResetTimeout: 100 * time.Millisecond,
	})
	return loop, tracker, contexts
}

func TestRunCompletesWhenSourceExhausted(t *testing.T) {
	b := newFakeBackend()
	loop, tracker, contexts := newTestLoop(b, tasksource.NewStatic(tasks(3)...), 3, &captureSink{})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil on clean completion", err)
	}

	if got := tracker.Consecutive(); got != 0 {
		t.Fatalf("consecutive = %d after clean run", got)
	}
	st := contexts.Stats()
	if st.IterationsSinceCompact != 3 || st.InputTokens != 300 || st.OutputTokens != 150 {
		t.Fatalf("token accounting wrong: %+v", st)
	}
	if loop.State().Phase != PhaseStopped {
		t.Fatalf("phase = %q after Run, want stopped", loop.State().Phase)
	}
}

func TestEscalatesAtCrashLimit(t *testing.T) {
	// Scenario: three consecutive crashes with no success between them.
	b := newFakeBackend()
	b.outcomes = []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}
	sink := &captureSink{}
	loop, tracker, _ := newTestLoop(b, tasksource.NewStatic(tasks(10)...), 3, sink)

	err := loop.Run(context.Background())
	if !errors.Is(err, ErrCrashLimit) {
		t.Fatalf("Run = %v, want ErrCrashLimit", err)
	}

	if got := sink.count(); got != 1 {
		t.Fatalf("sink received %d reports, want exactly 1", got)
	}
	rep := sink.reports[0]
	if rep.ConsecutiveCrashes != 3 {
		t.Fatalf("report crashes = %d, want 3", rep.ConsecutiveCrashes)
	}
	if len(rep.History) != 3 {
		t.Fatalf("report history length = %d, want 3", len(rep.History))
	}
	if !rep.NeedsManualIntervention {
		t.Fatal("report not flagged for manual intervention")
	}
	if rep.Trigger.Context["task"] != "t3" {
		t.Fatalf("trigger context = %+v, want task t3", rep.Trigger.Context)
	}
	if tracker.Consecutive() != 3 {
		t.Fatalf("tracker consecutive = %d", tracker.Consecutive())
	}
}

func TestInterveningSuccessResetsStreak(t *testing.T) {
	// One crash, one success, then maxCrashes-1 crashes: the loop must
	// finish the task list without escalating.
	b := newFakeBackend()
	b.outcomes = []error{errors.New("1"), nil, errors.New("2"), errors.New("3")}
	sink := &captureSink{}
	loop, _, _ := newTestLoop(b, tasksource.NewStatic(tasks(4)...), 3, sink)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if got := sink.count(); got != 0 {
		t.Fatalf("escalated %d times despite a broken streak", got)
	}
}

func TestResetAfterCrashPrecedesNextInvoke(t *testing.T) {
	b := newFakeBackend()
	b.outcomes = []error{errors.New("boom"), nil}
	loop, tracker, _ := newTestLoop(b, tasksource.NewStatic(tasks(2)...), 3, &captureSink{})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}

	events := b.callEvents()
	want := []string{"invoke:t1", "reset", "invoke:t2"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	// The reset attempt is recorded on the crash record but the streak
	// survives until the explicit success.
	recs := tracker.Recent(1)
	if len(recs) != 1 || !recs[0].RecoveryAttempted || !recs[0].RecoverySucceeded {
		t.Fatalf("recovery outcome not recorded: %+v", recs)
	}
}

func TestResetDoesNotClearStreak(t *testing.T) {
	// Two crashes in a row with a successful reset between them: the
	// streak must reach 2, because a reset is not a success.
	b := newFakeBackend()
	b.outcomes = []error{errors.New("1"), errors.New("2")}
	loop, tracker, _ := newTestLoop(b, tasksource.NewStatic(tasks(2)...), 5, &captureSink{})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	// Both tasks crashed; history shows a streak of 2 at its peak.
	if got := tracker.Consecutive(); got != 2 {
		t.Fatalf("consecutive = %d, want 2 (reset must not clear the streak)", got)
	}
}

func TestCompatibilityResetClearsStreak(t *testing.T) {
	b := newFakeBackend()
	b.outcomes = []error{errors.New("1"), errors.New("2")}
	tracker := crashtrack.New(crashtrack.Options{MaxCrashes: 2, HistoryWindow: 100})
	contexts := contextmgr.New(contextmgr.Options{CompactInterval: 1000, MaxTokens: 1 << 40, MaxAge: time.Hour})
	sink := &captureSink{}
	loop := New(Options{
		Backend:                b,
		Source:                 tasksource.NewStatic(tasks(2)...),
		Tracker:                tracker,
		Contexts:               contexts,
		Sink:                   sink,
		CrashSleep:             time.Millisecond,
		ResetClearsCrashStreak: true,
	})

	// With the compatibility switch on, the successful reset between
	// the two crashes clears the streak, so no escalation happens even
	// though maxCrashes is 2.
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil under compatibility mode", err)
	}
	if got := sink.count(); got != 0 {
		t.Fatalf("escalated %d times under compatibility mode", got)
	}
}

func TestPeriodicCompactionRecordsSnapshot(t *testing.T) {
	b := newFakeBackend()
	tracker := crashtrack.New(crashtrack.Options{MaxCrashes: 3, HistoryWindow: 100})
	contexts := contextmgr.New(contextmgr.Options{CompactInterval: 2, MaxTokens: 1 << 40, MaxAge: time.Hour})
	loop := New(Options{
		Backend:    b,
		Source:     tasksource.NewStatic(tasks(5)...),
		Tracker:    tracker,
		Contexts:   contexts,
		Sink:       &captureSink{},
		CrashSleep: time.Millisecond,
	})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}

	st := contexts.Stats()
	// 5 successful iterations with compaction due every 2: compactions
	// happen at the start of iterations 3 and 5.
	if st.Compactions != 2 {
		t.Fatalf("compactions = %d, want 2", st.Compactions)
	}
	if st.IterationsSinceCompact != 1 {
		t.Fatalf("iterations since compact = %d, want 1", st.IterationsSinceCompact)
	}
}

func TestCompactionFailureProceedsStale(t *testing.T) {
	b := newFakeBackend()
	b.resetOK = false
	tracker := crashtrack.New(crashtrack.Options{MaxCrashes: 3, HistoryWindow: 100})
	contexts := contextmgr.New(contextmgr.Options{CompactInterval: 2, MaxTokens: 1 << 40, MaxAge: time.Hour})
	sink := &captureSink{}
	loop := New(Options{
		Backend:    b,
		Source:     tasksource.NewStatic(tasks(4)...),
		Tracker:    tracker,
		Contexts:   contexts,
		Sink:       sink,
		CrashSleep: time.Millisecond,
	})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil (reset failure is never a crash)", err)
	}
	// All four tasks still ran despite every compaction attempt failing.
	if got := contexts.Stats().IterationsSinceCompact; got != 4 {
		t.Fatalf("iterations = %d, want 4", got)
	}
	if contexts.Stats().Compactions != 0 {
		t.Fatal("a failed reset was recorded as a compaction")
	}
	if sink.count() != 0 {
		t.Fatal("reset failures escalated")
	}
}

func TestStopIsCooperative(t *testing.T) {
	b := newFakeBackend()
	src := tasksource.NewStatic(tasks(100000)...)
	loop, _, _ := newTestLoop(b, src, 3, &captureSink{})

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v after Stop, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if st := loop.State(); st.Running || st.Phase != PhaseStopped {
		t.Fatalf("state after stop: %+v", st)
	}
}

func TestStopBeforeRunDoesNoWork(t *testing.T) {
	// A stop request issued before (or concurrently with) Run must not
	// be lost: the loop checks it at every iteration boundary and never
	// rewrites it itself.
	b := newFakeBackend()
	loop, _, _ := newTestLoop(b, tasksource.NewStatic(tasks(5)...), 3, &captureSink{})

	loop.Stop()
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v after prior Stop, want nil", err)
	}

	if events := b.callEvents(); len(events) != 0 {
		t.Fatalf("loop did %d backend calls after Stop: %v", len(events), events)
	}
	if st := loop.State(); st.Running || st.Phase != PhaseStopped {
		t.Fatalf("state after stopped run: %+v", st)
	}
}

func TestInvokePanicBecomesCrashRecord(t *testing.T) {
	// A panicking backend call must surface as a crash record with a
	// stack trace, never unwind out of Run.
	b := newFakeBackend()
	b.outcomes = []error{errPanicOutcome, nil}
	loop, tracker, _ := newTestLoop(b, tasksource.NewStatic(tasks(2)...), 3, &captureSink{})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil with the panic contained", err)
	}

	recs := tracker.Recent(10)
	if len(recs) != 1 {
		t.Fatalf("recorded %d crashes, want 1", len(recs))
	}
	if recs[0].Category != "panic" {
		t.Fatalf("category = %q, want panic", recs[0].Category)
	}
	if !strings.Contains(recs[0].Message, "provider exploded") {
		t.Fatalf("panic value missing from message: %q", recs[0].Message)
	}
	if !strings.Contains(recs[0].Detail, "goroutine") {
		t.Fatalf("stack trace missing from detail: %q", recs[0].Detail)
	}
}

func TestFailedScheduledCompactionStaysArmed(t *testing.T) {
	// A daemon-scheduled compaction request survives a failed reset and
	// retries at the next iteration boundary.
	b := newFakeBackend()
	b.resetOK = false
	loop, _, contexts := newTestLoop(b, tasksource.NewStatic(tasks(1)...), 3, &captureSink{})

	loop.RequestCompact()
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}

	if contexts.Stats().Compactions != 0 {
		t.Fatal("a failed reset was recorded as a compaction")
	}
	if !loop.compactRequested.Load() {
		t.Fatal("failed reset dropped the scheduled compaction request")
	}
}

func TestContextCancelStopsCleanly(t *testing.T) {
	b := newFakeBackend()
	loop, tracker, _ := newTestLoop(b, tasksource.NewStatic(tasks(100000)...), 3, &captureSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v after cancel, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	// Cancellation is a cooperative stop, never a crash.
	if got := tracker.Consecutive(); got != 0 {
		t.Fatalf("cancel recorded %d crashes", got)
	}
}

func TestStateSnapshot(t *testing.T) {
	b := newFakeBackend()
	loop, _, _ := newTestLoop(b, tasksource.NewStatic(tasks(2)...), 3, &captureSink{})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}

	st := loop.State()
	if st.Iteration != 3 { // 2 task iterations + 1 that found the source empty
		t.Fatalf("iteration = %d, want 3", st.Iteration)
	}
	if st.InputTokens != 200 || st.OutputTokens != 100 {
		t.Fatalf("token snapshot wrong: %+v", st)
	}
}
