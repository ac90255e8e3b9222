package contextmgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/neboloop/warden/internal/db"
)

func newTestManager(interval int, maxTokens int64, maxAge time.Duration) *Manager {
	return New(Options{CompactInterval: interval, MaxTokens: maxTokens, MaxAge: maxAge})
}

func TestIterationThreshold(t *testing.T) {
	m := newTestManager(5, 1_000_000, time.Hour)

	for i := 0; i < 5; i++ {
		if m.ShouldCompact() {
			t.Fatalf("ShouldCompact true after %d iterations, want false below 5", i)
		}
		m.RecordIteration(10, 10)
	}
	if !m.ShouldCompact() {
		t.Fatal("ShouldCompact false after 5 iterations")
	}
	if got := m.DueReason(); got != ReasonIterations {
		t.Fatalf("DueReason = %q, want %q", got, ReasonIterations)
	}

	m.RecordCompact()
	if m.Stats().IterationsSinceCompact != 0 {
		t.Fatal("RecordCompact did not zero the iteration counter")
	}
	if m.ShouldCompact() {
		t.Fatal("ShouldCompact still true immediately after compaction")
	}
}

func TestTokenThresholdFiresIndependently(t *testing.T) {
	// One heavy iteration trips the token budget while the iteration
	// counter is far below its own threshold.
	m := newTestManager(10, 1000, time.Hour)

	m.RecordIteration(600, 500)

	if !m.ShouldCompact() {
		t.Fatal("ShouldCompact false with 1100 tokens against a budget of 1000")
	}
	if got := m.DueReason(); got != ReasonTokens {
		t.Fatalf("DueReason = %q, want %q", got, ReasonTokens)
	}
}

func TestAgeThreshold(t *testing.T) {
	m := newTestManager(100, 1_000_000, time.Hour)
	// Backdate the compaction clock rather than sleeping.
	m.lastCompact = time.Now().Add(-2 * time.Hour)

	if !m.ShouldCompact() {
		t.Fatal("ShouldCompact false with stale context")
	}
	if got := m.DueReason(); got != ReasonAge {
		t.Fatalf("DueReason = %q, want %q", got, ReasonAge)
	}

	m.RecordCompact()
	if m.ShouldCompact() {
		t.Fatal("age threshold still met after compaction")
	}
}

func TestReasonOrderIterationsBeforeTokens(t *testing.T) {
	m := newTestManager(1, 10, time.Hour)
	m.RecordIteration(600, 500) // trips both thresholds

	if got := m.DueReason(); got != ReasonIterations {
		t.Fatalf("DueReason = %q, want iterations checked first", got)
	}
}

func TestRecordCompactAppendsOneSnapshot(t *testing.T) {
	m := newTestManager(5, 1_000_000, time.Hour)
	m.RecordIteration(100, 50)
	m.RecordIteration(200, 80)

	m.RecordCompact()

	st := m.Stats()
	if st.Compactions != 1 {
		t.Fatalf("Compactions = %d, want exactly 1", st.Compactions)
	}
	if st.InputTokens != 0 || st.OutputTokens != 0 {
		t.Fatalf("token counters not zeroed: in=%d out=%d", st.InputTokens, st.OutputTokens)
	}
	if st.AvgIterations != 2 {
		t.Fatalf("AvgIterations = %v, want 2", st.AvgIterations)
	}
	if st.AvgTokens != 430 {
		t.Fatalf("AvgTokens = %v, want 430", st.AvgTokens)
	}
}

func TestStatsIsIdempotent(t *testing.T) {
	m := newTestManager(5, 1_000_000, time.Hour)
	m.RecordIteration(10, 20)

	first := m.Stats()
	for i := 0; i < 5; i++ {
		m.Stats()
	}
	if got := m.Stats(); got != first {
		t.Fatalf("Stats changed across calls: %+v vs %+v", got, first)
	}
}

func TestSnapshotWindowCaps(t *testing.T) {
	m := New(Options{CompactInterval: 1, MaxTokens: 100, MaxAge: time.Hour, SnapshotWindow: 3})
	for i := 0; i < 10; i++ {
		m.RecordIteration(1, 1)
		m.RecordCompact()
	}
	if got := len(m.snapshots); got != 3 {
		t.Fatalf("snapshot history holds %d entries, want 3", got)
	}
	if got := m.Stats().Compactions; got != 10 {
		t.Fatalf("Compactions = %d, want 10 regardless of cap", got)
	}
}

func TestSnapshotPersistence(t *testing.T) {
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer sqlDB.Close()

	store := NewStore(sqlDB)
	m := New(Options{CompactInterval: 5, MaxTokens: 1000, MaxAge: time.Hour, Store: store})

	m.RecordIteration(600, 500)
	m.RecordCompact()

	snaps, err := store.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("persisted %d snapshots, want 1", len(snaps))
	}
	if snaps[0].InputTokens != 600 || snaps[0].OutputTokens != 500 {
		t.Fatalf("snapshot tokens wrong: %+v", snaps[0])
	}
	if snaps[0].Iterations != 1 {
		t.Fatalf("snapshot iterations = %d, want 1", snaps[0].Iterations)
	}
}
