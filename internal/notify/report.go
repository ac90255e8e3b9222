// Package notify delivers escalation reports when the supervisor stops.
// Delivery is fire-and-forget: a sink failure is logged, never surfaced,
// because the supervisor is already terminating when it escalates.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/neboloop/warden/internal/crashtrack"
)

// Report is the structured failure report handed to sinks. It carries
// enough detail for a human to diagnose without re-reading raw logs.
type Report struct {
	GeneratedAt             time.Time           `json:"generated_at"`
	ConsecutiveCrashes      int                 `json:"consecutive_crashes"`
	Trigger                 crashtrack.Record   `json:"trigger"`
	History                 []crashtrack.Record `json:"history"` // newest last
	DominantCategory        string              `json:"dominant_category,omitempty"`
	CrashRatePerHour        float64             `json:"crash_rate_per_hour"`
	NeedsManualIntervention bool                `json:"needs_manual_intervention"`
}

// Sink receives a report. Implementations must not panic and should
// swallow their own delivery errors.
type Sink interface {
	Notify(Report)
}

// Title returns a short one-line headline for the report.
func (r Report) Title() string {
	return fmt.Sprintf("warden stopped after %d consecutive crashes", r.ConsecutiveCrashes)
}

// Body renders the report as human-readable text.
func (r Report) Body() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "triggering crash: [%s] %s\n", r.Trigger.Category, r.Trigger.Message)
	if task, ok := r.Trigger.Context["task"]; ok {
		fmt.Fprintf(&sb, "affected task: %s\n", task)
	}
	if r.DominantCategory != "" {
		fmt.Fprintf(&sb, "dominant category: %s\n", r.DominantCategory)
	}
	fmt.Fprintf(&sb, "crash rate: %.1f/hour\n", r.CrashRatePerHour)
	if len(r.History) > 0 {
		fmt.Fprintf(&sb, "last %d crashes:\n", len(r.History))
		for _, rec := range r.History {
			fmt.Fprintf(&sb, "  %s [%s] %s\n",
				rec.Timestamp.Format(time.RFC3339), rec.Category, rec.Message)
		}
	}
	if r.NeedsManualIntervention {
		sb.WriteString("manual intervention required: the supervisor will not restart itself\n")
	}
	return sb.String()
}
