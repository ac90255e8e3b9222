// Package crashtrack records task failures, classifies crash rate and
// dominant error type, and decides when the supervisor must stop.
package crashtrack

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neboloop/warden/internal/logging"
)

// Options configures a Tracker.
type Options struct {
	MaxCrashes     int    // consecutive crashes before ShouldStop reports true
	HistoryWindow  int    // records retained in the ring buffer
	CategoryWindow int    // records sampled by MostCommonCategory
	RateWindow     int    // trailing minutes covered by rate reporting
	Store          *Store // optional persistence, nil disables
}

// Tracker owns the crash history and the consecutive-crash counter.
// The counter resets only on an explicit success signal; a context-reset
// attempt after a crash never counts as success.
type Tracker struct {
	mu sync.Mutex

	maxCrashes     int
	categoryWindow int
	rateWindow     int
	store          *Store

	history     []Record // ring buffer, ordered oldest to newest once full
	head        int      // next write position
	filled      bool     // history has wrapped at least once
	total       int64    // crashes ever recorded, not capped
	consecutive int
}

// New creates a Tracker. Zero or negative option values fall back to
// maxCrashes=3, historyWindow=1000, categoryWindow=10, rateWindow=60.
func New(opts Options) *Tracker {
	if opts.MaxCrashes < 1 {
		opts.MaxCrashes = 3
	}
	if opts.HistoryWindow < 1 {
		opts.HistoryWindow = 1000
	}
	if opts.CategoryWindow < 1 {
		opts.CategoryWindow = 10
	}
	if opts.RateWindow < 1 {
		opts.RateWindow = 60
	}
	return &Tracker{
		maxCrashes:     opts.MaxCrashes,
		categoryWindow: opts.CategoryWindow,
		rateWindow:     opts.RateWindow,
		store:          opts.Store,
		history:        make([]Record, opts.HistoryWindow),
	}
}

// RateWindow returns the configured rate-reporting window in minutes.
func (t *Tracker) RateWindow() int { return t.rateWindow }

// RecordCrash appends a Record for err and increments the consecutive
// counter. The returned Record is a copy.
func (t *Tracker) RecordCrash(err error, ctx map[string]string) Record {
	rec := newRecord(err, ctx)

	t.mu.Lock()
	t.history[t.head] = rec
	t.head = (t.head + 1) % len(t.history)
	if t.head == 0 {
		t.filled = true
	}
	t.total++
	t.consecutive++
	t.mu.Unlock()

	if t.store != nil {
		if serr := t.store.Insert(rec); serr != nil {
			logging.Warnf("crashtrack: persist record: %v", serr)
		}
	}
	return rec
}

// RecordSuccess resets the consecutive counter to zero. History is kept.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	t.consecutive = 0
	t.mu.Unlock()
}

// MarkRecovery annotates the most recent record with the outcome of the
// context-reset attempt made on its behalf. No-op when history is empty.
func (t *Tracker) MarkRecovery(succeeded bool) {
	t.mu.Lock()
	idx, ok := t.lastIndex()
	if ok {
		t.history[idx].RecoveryAttempted = true
		t.history[idx].RecoverySucceeded = succeeded
	}
	var rec Record
	if ok {
		rec = t.history[idx]
	}
	t.mu.Unlock()

	if ok && t.store != nil {
		if serr := t.store.UpdateRecovery(rec.ID, succeeded); serr != nil {
			logging.Warnf("crashtrack: persist recovery outcome: %v", serr)
		}
	}
}

// ShouldStop reports whether the consecutive-crash threshold is reached.
func (t *Tracker) ShouldStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive >= t.maxCrashes
}

// Consecutive returns the current failure-streak length.
func (t *Tracker) Consecutive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// Total returns the number of crashes ever recorded, independent of the
// history cap.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// CrashRate returns crashes-per-hour over the trailing window.
func (t *Tracker) CrashRate(windowMinutes int) float64 {
	if windowMinutes <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)

	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, rec := range t.ordered() {
		if !rec.Timestamp.Before(cutoff) {
			count++
		}
	}
	return float64(count) / (float64(windowMinutes) / 60.0)
}

// MostCommonCategory returns the mode of error categories over the last
// K records. Ties break toward the most recently seen category. The
// second return is false when no crashes have been recorded.
func (t *Tracker) MostCommonCategory() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.ordered()
	if len(recent) == 0 {
		return "", false
	}
	if len(recent) > t.categoryWindow {
		recent = recent[len(recent)-t.categoryWindow:]
	}

	counts := make(map[string]int, len(recent))
	lastSeen := make(map[string]int, len(recent))
	for i, rec := range recent {
		counts[rec.Category]++
		lastSeen[rec.Category] = i
	}

	best := ""
	for cat, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && lastSeen[cat] > lastSeen[best]) {
			best = cat
		}
	}
	return best, true
}

// Recent returns up to n of the newest records, oldest first. The slice
// and its records are copies.
func (t *Tracker) Recent(n int) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := t.ordered()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]Record, len(all))
	copy(out, all)
	return out
}

// Summary returns a human-readable digest. It never mutates state.
func (t *Tracker) Summary() string {
	t.mu.Lock()
	total := t.total
	consecutive := t.consecutive
	t.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "crashes: %d total, %d consecutive (stop at %d)\n", total, consecutive, t.maxCrashes)
	fmt.Fprintf(&sb, "rate: %.1f/hour over the last %dm\n", t.CrashRate(t.rateWindow), t.rateWindow)
	if cat, ok := t.MostCommonCategory(); ok {
		fmt.Fprintf(&sb, "dominant category: %s\n", cat)
	}

	recent := t.Recent(5)
	if len(recent) > 0 {
		sb.WriteString("recent:\n")
		for _, rec := range recent {
			fmt.Fprintf(&sb, "  %s [%s] %s\n",
				rec.Timestamp.Format(time.RFC3339), rec.Category, rec.Message)
		}
	}
	return sb.String()
}

// ordered returns the live ring contents oldest first. Caller holds mu.
func (t *Tracker) ordered() []Record {
	if !t.filled {
		return t.history[:t.head]
	}
	out := make([]Record, 0, len(t.history))
	out = append(out, t.history[t.head:]...)
	out = append(out, t.history[:t.head]...)
	return out
}

// lastIndex returns the index of the newest record. Caller holds mu.
func (t *Tracker) lastIndex() (int, bool) {
	if t.head == 0 {
		if !t.filled {
			return 0, false
		}
		return len(t.history) - 1, true
	}
	return t.head - 1, true
}
