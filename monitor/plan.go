package monitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Signal names exchanged between the watch parent and its symbol children.
const (
	SignalPlanUpdate = "plan.update"
	SignalAlert      = "monitor.alert"
	SignalDone       = "monitor.done"
)

// Plan describes a monitoring run: which symbols to watch, how sensitive
// the alerting is, and how often each watcher checks.
type Plan struct {
	// Symbols to watch, one child instance each.
	Symbols []string `json:"symbols" msgpack:"symbols"`

	// ThresholdPct is the absolute percent move from the initial price
	// that raises an alert.
	ThresholdPct float64 `json:"threshold_pct" msgpack:"threshold_pct"`

	// CheckInterval is the pause between price checks.
	CheckInterval time.Duration `json:"check_interval" msgpack:"check_interval"`

	// CheckSchedule is an optional cron expression. When set it overrides
	// CheckInterval and each check waits for the next cron occurrence.
	CheckSchedule string `json:"check_schedule,omitempty" msgpack:"check_schedule,omitempty"`

	// MaxChecks bounds the run; each watcher stops after this many checks.
	MaxChecks int `json:"max_checks" msgpack:"max_checks"`
}

// Validate rejects plans that cannot run.
func (p *Plan) Validate() error {
	if len(p.Symbols) == 0 {
		return fmt.Errorf("monitor: plan has no symbols")
	}
	seen := make(map[string]bool, len(p.Symbols))
	for _, sym := range p.Symbols {
		if sym == "" {
			return fmt.Errorf("monitor: plan contains an empty symbol")
		}
		if seen[sym] {
			return fmt.Errorf("monitor: duplicate symbol %q in plan", sym)
		}
		seen[sym] = true
	}
	if p.ThresholdPct <= 0 {
		return fmt.Errorf("monitor: threshold must be positive, got %.2f", p.ThresholdPct)
	}
	if p.MaxChecks <= 0 {
		return fmt.Errorf("monitor: max checks must be positive, got %d", p.MaxChecks)
	}
	if p.CheckSchedule != "" {
		if _, err := cron.ParseStandard(p.CheckSchedule); err != nil {
			return fmt.Errorf("monitor: invalid check schedule %q: %w", p.CheckSchedule, err)
		}
	} else if p.CheckInterval <= 0 {
		return fmt.Errorf("monitor: check interval must be positive, got %s", p.CheckInterval)
	}
	return nil
}

// NextCheck returns when the check after the given time should run,
// honoring the cron schedule when one is set.
func (p *Plan) NextCheck(after time.Time) (time.Time, error) {
	if p.CheckSchedule == "" {
		return after.Add(p.CheckInterval), nil
	}
	sched, err := cron.ParseStandard(p.CheckSchedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("monitor: parse check schedule %q: %w", p.CheckSchedule, err)
	}
	return sched.Next(after), nil
}

// PlanUpdate adjusts a running symbol watcher. Zero-valued fields leave the
// current setting untouched; Stop ends the watcher after the current check.
type PlanUpdate struct {
	ThresholdPct  float64       `json:"threshold_pct,omitempty" msgpack:"threshold_pct,omitempty"`
	CheckInterval time.Duration `json:"check_interval,omitempty" msgpack:"check_interval,omitempty"`
	Stop          bool          `json:"stop,omitempty" msgpack:"stop,omitempty"`
}
