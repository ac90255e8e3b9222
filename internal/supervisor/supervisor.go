// Package supervisor runs the task-execution loop: it keeps an LLM-driven
// worker alive across failures, retries with backoff, compacts the
// conversation context as it ages, and escalates to a human when
// automated recovery is exhausted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neboloop/warden/internal/backend"
	"github.com/neboloop/warden/internal/contextmgr"
	"github.com/neboloop/warden/internal/crashtrack"
	"github.com/neboloop/warden/internal/logging"
	"github.com/neboloop/warden/internal/notify"
	"github.com/neboloop/warden/internal/tasksource"
)

// ErrCrashLimit is returned by Run when the consecutive-crash threshold
// was reached and the failure was escalated. The loop does not restart
// itself after this; restarting against a persistently broken
// environment (bad credentials, exhausted quota) only amplifies the
// failure. Restart is a manual operator action.
var ErrCrashLimit = errors.New("supervisor: consecutive crash limit reached")

// Phase is the supervisor's externally visible state.
type Phase string

const (
	PhaseRunning    Phase = "running"
	PhaseRecovering Phase = "recovering"
	PhaseStopped    Phase = "stopped"
)

// Options wires a Loop. Backend, Source, Tracker and Contexts are
// required; the rest have working defaults.
type Options struct {
	Backend  backend.Backend
	Source   tasksource.Source
	Tracker  *crashtrack.Tracker
	Contexts *contextmgr.Manager
	Sink     notify.Sink // defaults to notify.LogSink
	Backoff  Backoff     // defaults to FixedBackoff{CrashSleep}

	NormalSleep   time.Duration // pause after a successful task
	CrashSleep    time.Duration // base retry delay, must exceed NormalSleep
	ResetTimeout  time.Duration // bound on one context-reset attempt, default 30s
	ReportHistory int           // crash records included in an escalation report, default 10

	// ResetClearsCrashStreak restores the historical behavior where a
	// successful context reset cleared the crash streak. That conflates
	// attempting a mitigation with proof the task can succeed, so it is
	// off unless compatibility demands it.
	ResetClearsCrashStreak bool
}

// State is a read-only snapshot of the loop. Reads are copies; the loop
// is the single writer of everything reported here.
type State struct {
	Phase                  Phase
	Running                bool
	Iteration              int64
	ConsecutiveCrashes     int
	IterationsSinceCompact int
	InputTokens            int64
	OutputTokens           int64
	LastCompact            time.Time
}

// Loop is the orchestrating state machine. Exactly one goroutine runs
// Run; one task is ever in flight.
type Loop struct {
	backend  backend.Backend
	source   tasksource.Source
	tracker  *crashtrack.Tracker
	contexts *contextmgr.Manager
	sink     notify.Sink
	backoff  Backoff

	normalSleep   time.Duration
	crashSleep    time.Duration
	resetTimeout  time.Duration
	reportHistory int
	resetClears   bool

	mu        sync.Mutex
	phase     Phase
	stop      bool // set only by Stop and escalation, never cleared by the loop
	iteration int64

	compactRequested atomic.Bool
}

// RequestCompact asks the loop to compact at the next iteration
// boundary, regardless of thresholds. Safe to call from another
// goroutine; the loop itself still performs the reset.
func (l *Loop) RequestCompact() {
	l.compactRequested.Store(true)
}

// New constructs a Loop from options.
func New(opts Options) *Loop {
	if opts.Sink == nil {
		opts.Sink = notify.LogSink{}
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{Interval: opts.CrashSleep}
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.ReportHistory < 1 {
		opts.ReportHistory = 10
	}
	return &Loop{
		backend:       opts.Backend,
		source:        opts.Source,
		tracker:       opts.Tracker,
		contexts:      opts.Contexts,
		sink:          opts.Sink,
		backoff:       opts.Backoff,
		normalSleep:   opts.NormalSleep,
		crashSleep:    opts.CrashSleep,
		resetTimeout:  opts.ResetTimeout,
		reportHistory: opts.ReportHistory,
		resetClears:   opts.ResetClearsCrashStreak,
		phase:         PhaseStopped,
	}
}

// Run executes iterations until the task source is exhausted, Stop is
// called, ctx is cancelled, or the crash limit escalates. Task-level
// errors never propagate out of Run; the only non-nil return is
// ErrCrashLimit after escalation.
func (l *Loop) Run(ctx context.Context) error {
	l.setPhase(PhaseRunning)
	defer l.setPhase(PhaseStopped)

	for !l.stopRequested() && ctx.Err() == nil {
		l.mu.Lock()
		l.iteration++
		iteration := l.iteration
		l.mu.Unlock()

		// Step 1: recovery reset after a crash. Never clears the
		// streak by itself; a reset is a mitigation, not a success.
		if streak := l.tracker.Consecutive(); streak > 0 {
			l.setPhase(PhaseRecovering)
			ok := l.reset(ctx)
			l.tracker.MarkRecovery(ok)
			if ok {
				logging.Infof("supervisor: context reset after crash (streak=%d)", streak)
				if l.resetClears {
					logging.Warnf("supervisor: compatibility mode clearing crash streak on reset")
					l.tracker.RecordSuccess()
				}
			} else {
				logging.Warnf("supervisor: post-crash context reset failed, continuing with stale context")
			}
		} else {
			l.setPhase(PhaseRunning)
		}

		// Step 2: periodic hygiene, independent of crashes.
		if requested := l.compactRequested.Swap(false); requested || l.contexts.ShouldCompact() {
			reason := l.contexts.DueReason()
			if requested && reason == contextmgr.ReasonNone {
				reason = "scheduled"
			}
			if l.reset(ctx) {
				l.contexts.RecordCompact()
				logging.Infof("supervisor: context compacted (%s)", reason)
			} else {
				if requested {
					// Keep a scheduled request armed so it retries at
					// the next iteration boundary.
					l.compactRequested.Store(true)
				}
				logging.Warnf("supervisor: compaction failed (%s), continuing with stale context", reason)
			}
		}

		// Step 3: fetch work. Exhaustion is a normal terminal state.
		task, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logging.Infof("supervisor: stop requested, shutting down")
				return nil
			}
			logging.Errorf("supervisor: task source failed, stopping: %v", err)
			return nil
		}
		if task == nil {
			logging.Infof("supervisor: all tasks complete after %d iterations", iteration-1)
			return nil
		}

		// Step 4: invoke.
		res, err := l.invoke(ctx, *task)
		if err == nil {
			l.tracker.RecordSuccess()
			l.contexts.RecordIteration(res.InputTokens, res.OutputTokens)
			logging.Infof("supervisor: task %s done (in=%d out=%d)", task.ID, res.InputTokens, res.OutputTokens)
			l.pause(ctx, l.normalSleep)
			continue
		}

		// Step 5: crash path.
		if ctx.Err() != nil {
			// Cancellation surfaces as an invoke error; that is a
			// cooperative stop, not a crash.
			logging.Infof("supervisor: stop requested during task %s", task.ID)
			return nil
		}

		rec := l.tracker.RecordCrash(err, map[string]string{
			"task":      task.ID,
			"iteration": strconv.FormatInt(iteration, 10),
		})
		streak := l.tracker.Consecutive()
		logging.Errorf("supervisor: task %s crashed (%s, streak=%d): %v",
			task.ID, rec.Category, streak, err)

		if l.tracker.ShouldStop() {
			l.mu.Lock()
			l.stop = true
			l.mu.Unlock()
			l.escalate(rec)
			return ErrCrashLimit
		}
		l.pause(ctx, l.backoff.Delay(streak))
	}
	return nil
}

// Stop requests a cooperative stop. It takes effect at the next
// iteration boundary and is never undone by the loop itself; cancel
// the Run context to interrupt a blocking backend call.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stop = true
	l.mu.Unlock()
}

// State returns a snapshot of the loop and its components.
func (l *Loop) State() State {
	l.mu.Lock()
	st := State{
		Phase:     l.phase,
		Running:   l.phase != PhaseStopped && !l.stop,
		Iteration: l.iteration,
	}
	l.mu.Unlock()

	st.ConsecutiveCrashes = l.tracker.Consecutive()
	cs := l.contexts.Stats()
	st.IterationsSinceCompact = cs.IterationsSinceCompact
	st.InputTokens = cs.InputTokens
	st.OutputTokens = cs.OutputTokens
	st.LastCompact = cs.LastCompact
	return st
}

// reset attempts one context reset bounded by the configured timeout.
// A timeout is a failure, never a crash.
func (l *Loop) reset(ctx context.Context) bool {
	rctx, cancel := context.WithTimeout(ctx, l.resetTimeout)
	defer cancel()
	return l.backend.ResetContext(rctx)
}

// escalate builds and delivers exactly one report per stop event.
// Sink panics are contained: the supervisor is terminating and must
// finish doing so.
func (l *Loop) escalate(trigger crashtrack.Record) {
	report := notify.Report{
		GeneratedAt:             time.Now(),
		ConsecutiveCrashes:      l.tracker.Consecutive(),
		Trigger:                 trigger,
		History:                 l.tracker.Recent(l.reportHistory),
		CrashRatePerHour:        l.tracker.CrashRate(l.tracker.RateWindow()),
		NeedsManualIntervention: true,
	}
	if cat, ok := l.tracker.MostCommonCategory(); ok {
		report.DominantCategory = cat
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("supervisor: escalation sink panicked: %v", r)
		}
	}()
	l.sink.Notify(report)
}

// pause sleeps for d unless the context is cancelled first.
func (l *Loop) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

func (l *Loop) stopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop
}

// invoke runs one backend call, converting a panic into an error so the
// loop boundary sees data instead of an unwinding stack. Provider SDKs
// are not trusted not to panic.
func (l *Loop) invoke(ctx context.Context, task tasksource.Task) (res *backend.InvokeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return l.backend.Invoke(ctx, task)
}

// panicError wraps a recovered panic from a backend call.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// Category implements crashtrack.Categorizer.
func (e *panicError) Category() string { return "panic" }

// Detail implements crashtrack.Detailer.
func (e *panicError) Detail() string { return string(e.stack) }
