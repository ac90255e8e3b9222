// Package contextmgr tracks conversational context age and decides when
// the backend context is due for compaction.
package contextmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/neboloop/warden/internal/logging"
)

// Reason names the threshold that triggered a compaction decision.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonIterations Reason = "iterations"
	ReasonTokens     Reason = "tokens"
	ReasonAge        Reason = "age"
)

// Snapshot records one completed compaction: the counters accumulated
// since the previous one. Snapshots are reporting-only; control decisions
// never read them back.
type Snapshot struct {
	Timestamp    time.Time
	Iterations   int
	InputTokens  int64
	OutputTokens int64
	Age          time.Duration
}

// Options configures a Manager.
type Options struct {
	CompactInterval int           // iterations between compactions
	MaxTokens       int64         // in+out token budget before compaction
	MaxAge          time.Duration // wall-clock age before compaction
	SnapshotWindow  int           // snapshots retained in memory, default 100
	Store           *Store        // optional persistence, nil disables
}

// Stats is a read-only view of current counters plus history averages.
type Stats struct {
	IterationsSinceCompact int
	InputTokens            int64
	OutputTokens           int64
	LastCompact            time.Time
	Compactions            int
	AvgIterations          float64
	AvgTokens              float64
}

// Manager owns the iteration/token/age counters for one supervisor loop.
type Manager struct {
	mu sync.Mutex

	compactInterval int
	maxTokens       int64
	maxAge          time.Duration
	store           *Store

	iterations   int
	inputTokens  int64
	outputTokens int64
	lastCompact  time.Time

	snapshots      []Snapshot
	snapshotWindow int
	compactions    int
}

// New creates a Manager. The age clock starts at construction time.
func New(opts Options) *Manager {
	if opts.CompactInterval < 1 {
		opts.CompactInterval = 10
	}
	if opts.MaxTokens < 1 {
		opts.MaxTokens = 100000
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 120 * time.Minute
	}
	if opts.SnapshotWindow < 1 {
		opts.SnapshotWindow = 100
	}
	return &Manager{
		compactInterval: opts.CompactInterval,
		maxTokens:       opts.MaxTokens,
		maxAge:          opts.MaxAge,
		snapshotWindow:  opts.SnapshotWindow,
		store:           opts.Store,
		lastCompact:     time.Now(),
	}
}

// RecordIteration accounts for one completed task invocation.
func (m *Manager) RecordIteration(tokensIn, tokensOut int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations++
	m.inputTokens += tokensIn
	m.outputTokens += tokensOut
}

// ShouldCompact reports whether any compaction threshold is met.
// Thresholds are checked in a fixed order (iterations, tokens, age) and
// the first hit names the logged reason; the order never changes the
// boolean result.
func (m *Manager) ShouldCompact() bool {
	due, reason := m.check()
	if due {
		logging.Debugf("contextmgr: compaction due (%s)", reason)
	}
	return due
}

// DueReason returns the triggering threshold, or ReasonNone.
func (m *Manager) DueReason() Reason {
	_, reason := m.check()
	return reason
}

func (m *Manager) check() (bool, Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.iterations >= m.compactInterval:
		return true, ReasonIterations
	case m.inputTokens+m.outputTokens >= m.maxTokens:
		return true, ReasonTokens
	case time.Since(m.lastCompact) >= m.maxAge:
		return true, ReasonAge
	}
	return false, ReasonNone
}

// RecordCompact appends one Snapshot capturing the state just before the
// reset, then zeroes the counters and restarts the age clock.
func (m *Manager) RecordCompact() {
	now := time.Now()

	m.mu.Lock()
	snap := Snapshot{
		Timestamp:    now,
		Iterations:   m.iterations,
		InputTokens:  m.inputTokens,
		OutputTokens: m.outputTokens,
		Age:          now.Sub(m.lastCompact),
	}
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > m.snapshotWindow {
		m.snapshots = m.snapshots[len(m.snapshots)-m.snapshotWindow:]
	}
	m.compactions++

	m.iterations = 0
	m.inputTokens = 0
	m.outputTokens = 0
	m.lastCompact = now
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Insert(snap); err != nil {
			logging.Warnf("contextmgr: persist snapshot: %v", err)
		}
	}
}

// Stats returns a read-only snapshot of the counters and history
// averages. It never mutates state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		IterationsSinceCompact: m.iterations,
		InputTokens:            m.inputTokens,
		OutputTokens:           m.outputTokens,
		LastCompact:            m.lastCompact,
		Compactions:            m.compactions,
	}
	if n := len(m.snapshots); n > 0 {
		var iters int
		var tokens int64
		for _, s := range m.snapshots {
			iters += s.Iterations
			tokens += s.InputTokens + s.OutputTokens
		}
		st.AvgIterations = float64(iters) / float64(n)
		st.AvgTokens = float64(tokens) / float64(n)
	}
	return st
}

// String formats the stats for CLI display.
func (s Stats) String() string {
	return fmt.Sprintf("iterations=%d tokens=%d/%d compactions=%d last_compact=%s",
		s.IterationsSinceCompact, s.InputTokens, s.OutputTokens, s.Compactions,
		s.LastCompact.Format(time.RFC3339))
}
