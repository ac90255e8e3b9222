// Package daemon provides scheduled background behavior around the
// supervisor loop.
package daemon

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/neboloop/warden/internal/contextmgr"
	"github.com/neboloop/warden/internal/crashtrack"
	"github.com/neboloop/warden/internal/logging"
	"github.com/neboloop/warden/internal/supervisor"
)

// Hygiene runs on a cron schedule, independent of the iteration-driven
// compaction thresholds: it requests a compaction at the loop's next
// iteration boundary and logs a status digest. The loop itself performs
// the reset, so the single-writer discipline holds.
type Hygiene struct {
	cron     *cron.Cron
	loop     *supervisor.Loop
	tracker  *crashtrack.Tracker
	contexts *contextmgr.Manager
}

// NewHygiene creates the scheduler. schedule is a standard cron spec;
// a parse failure is a construction-time error.
func NewHygiene(schedule string, loop *supervisor.Loop, tracker *crashtrack.Tracker, contexts *contextmgr.Manager) (*Hygiene, error) {
	h := &Hygiene{
		cron:     cron.New(),
		loop:     loop,
		tracker:  tracker,
		contexts: contexts,
	}
	if _, err := h.cron.AddFunc(schedule, h.tick); err != nil {
		return nil, fmt.Errorf("hygiene schedule %q: %w", schedule, err)
	}
	return h, nil
}

// Start begins the schedule.
func (h *Hygiene) Start() {
	h.cron.Start()
}

// Stop halts the schedule. Running ticks finish.
func (h *Hygiene) Stop() {
	h.cron.Stop()
}

func (h *Hygiene) tick() {
	h.loop.RequestCompact()
	logging.Infof("daemon: scheduled hygiene requested; %s", h.contexts.Stats())
	if h.tracker.Total() > 0 {
		logging.Infof("daemon: crash digest\n%s", h.tracker.Summary())
	}
}
