package monitor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/engine"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
)

// Workflow kinds.
const (
	WorkflowWatch  = "monitor.watch"
	WorkflowSymbol = "monitor.symbol"
	WorkflowTrade  = "monitor.trade"
)

// SymbolPlan is the input to a single symbol watcher.
type SymbolPlan struct {
	Symbol        string        `json:"symbol" msgpack:"symbol"`
	ThresholdPct  float64       `json:"threshold_pct" msgpack:"threshold_pct"`
	CheckInterval time.Duration `json:"check_interval" msgpack:"check_interval"`
	CheckSchedule string        `json:"check_schedule,omitempty" msgpack:"check_schedule,omitempty"`
	MaxChecks     int           `json:"max_checks" msgpack:"max_checks"`

	// ReportTo receives alert and done signals. Nil runs the watcher
	// standalone, without reporting.
	ReportTo id.InstanceID `json:"report_to,omitempty" msgpack:"report_to,omitempty"`
}

// Summary is a symbol watcher's final account of its run.
type Summary struct {
	Symbol       string  `json:"symbol" msgpack:"symbol"`
	InitialPrice float64 `json:"initial_price" msgpack:"initial_price"`
	FinalPrice   float64 `json:"final_price" msgpack:"final_price"`
	ChangePct    float64 `json:"change_pct" msgpack:"change_pct"`
	Checks       int     `json:"checks" msgpack:"checks"`
	Alerts       int     `json:"alerts" msgpack:"alerts"`
	Error        string  `json:"error,omitempty" msgpack:"error,omitempty"`
}

// WatchReport is the watch parent's aggregate output.
type WatchReport struct {
	Summaries []Summary   `json:"summaries" msgpack:"summaries"`
	Trades    []Execution `json:"trades" msgpack:"trades"`
	Alerts    int         `json:"alerts" msgpack:"alerts"`
}

// RegisterWorkflows registers the watch, symbol, and trade workflows. The
// codec must match the system codec so child outputs decode correctly.
func RegisterWorkflows(r *engine.Registry, c codec.Codec) error {
	if err := engine.Define(r, WorkflowWatch, watchWorkflow(c)); err != nil {
		return err
	}
	if err := engine.Define(r, WorkflowSymbol, symbolWorkflow); err != nil {
		return err
	}
	return engine.Define(r, WorkflowTrade, tradeWorkflow)
}

// alertPollDelay derives the parent's mailbox polling pace from the plan.
// Computed from plan fields only, so replay derives the same value.
func alertPollDelay(p Plan) time.Duration {
	d := p.CheckInterval / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// watchWorkflow is the parent: it spawns one watcher per symbol, reacts to
// their alerts, and aggregates their summaries when every watcher is done.
func watchWorkflow(c codec.Codec) func(wf *engine.Context, plan Plan) error {
	return func(wf *engine.Context, plan Plan) error {
		if err := plan.Validate(); err != nil {
			return err
		}

		children := make(map[string]id.InstanceID, len(plan.Symbols))
		for _, sym := range plan.Symbols {
			childID, err := engine.SpawnChild(wf, WorkflowSymbol, SymbolPlan{
				Symbol:        sym,
				ThresholdPct:  plan.ThresholdPct,
				CheckInterval: plan.CheckInterval,
				CheckSchedule: plan.CheckSchedule,
				MaxChecks:     plan.MaxChecks,
				ReportTo:      wf.InstanceID(),
			})
			if err != nil {
				return err
			}
			children[sym] = childID
		}

		var (
			tradeIDs []id.InstanceID
			done     int
			delay    = alertPollDelay(plan)
		)
		for done < len(plan.Symbols) {
			payload, found, err := wf.PollSignal(SignalAlert)
			if err != nil {
				return err
			}
			if found {
				var alert Alert
				if err := wf.DecodeSignal(payload, &alert); err != nil {
					return err
				}
				tradeID, err := handleAlert(wf, children, alert)
				if err != nil {
					return err
				}
				if !tradeID.IsNil() {
					tradeIDs = append(tradeIDs, tradeID)
				}
				continue
			}

			_, found, err = wf.PollSignal(SignalDone)
			if err != nil {
				return err
			}
			if found {
				done++
				continue
			}

			if err := wf.Sleep(delay); err != nil {
				return err
			}
		}

		// Signals from one child arrive in send order, so once every done
		// signal is in, any alert still pending is already in the mailbox.
		for {
			payload, found, err := wf.PollSignal(SignalAlert)
			if err != nil {
				return err
			}
			if !found {
				break
			}
			var alert Alert
			if err := wf.DecodeSignal(payload, &alert); err != nil {
				return err
			}
			tradeID, err := handleAlert(wf, children, alert)
			if err != nil {
				return err
			}
			if !tradeID.IsNil() {
				tradeIDs = append(tradeIDs, tradeID)
			}
		}

		report := WatchReport{Summaries: make([]Summary, 0, len(plan.Symbols))}
		for _, sym := range plan.Symbols {
			res, err := wf.WaitForChild(children[sym])
			if err != nil {
				return err
			}
			summary := Summary{Symbol: sym}
			if res.Status == instance.StatusCompleted {
				if err := res.DecodeOutput(c, &summary); err != nil {
					return fmt.Errorf("monitor: decode %q summary: %w", sym, err)
				}
			} else {
				summary.Error = res.Error
			}
			report.Alerts += summary.Alerts
			report.Summaries = append(report.Summaries, summary)
		}
		for _, tradeID := range tradeIDs {
			res, err := wf.WaitForChild(tradeID)
			if err != nil {
				return err
			}
			if res.Status != instance.StatusCompleted {
				continue
			}
			var exec Execution
			if err := res.DecodeOutput(c, &exec); err != nil {
				return fmt.Errorf("monitor: decode trade output: %w", err)
			}
			report.Trades = append(report.Trades, exec)
		}

		return wf.SetOutput(report)
	}
}

// handleAlert evaluates an alert and applies the decision: widen the
// watcher's threshold or spawn a trade child. The returned instance ID is
// non-nil only for trades.
func handleAlert(wf *engine.Context, children map[string]id.InstanceID, alert Alert) (id.InstanceID, error) {
	decision, err := engine.ExecuteTask[Alert, Decision](wf, OpEvaluateAlert, alert)
	if err != nil {
		return id.Nil, err
	}

	switch decision.Action {
	case ActionAdjust:
		childID, ok := children[alert.Symbol]
		if !ok {
			return id.Nil, nil
		}
		err := wf.SendSignal(childID, SignalPlanUpdate, PlanUpdate{ThresholdPct: decision.ThresholdPct})
		var ue *signal.UndeliverableError
		if err != nil && !errors.As(err, &ue) {
			return id.Nil, err
		}
		return id.Nil, nil

	case ActionTrade:
		if decision.Order == nil {
			return id.Nil, nil
		}
		return engine.SpawnChild(wf, WorkflowTrade, *decision.Order)

	default:
		return id.Nil, nil
	}
}

// symbolWorkflow watches one symbol: validate, take an initial quote, then
// check on schedule until the plan is exhausted or a stop arrives. Alerts
// and the final summary go to the parent when one is set.
func symbolWorkflow(wf *engine.Context, plan SymbolPlan) error {
	summary := Summary{Symbol: plan.Symbol}

	_, err := engine.ExecuteTask[ValidateRequest, ValidateResult](wf, OpValidateSymbol, ValidateRequest{Symbol: plan.Symbol})
	if err != nil {
		var te *engine.TaskError
		if errors.As(err, &te) {
			summary.Error = te.Message
			if derr := reportDone(wf, plan.ReportTo, summary); derr != nil {
				return derr
			}
		}
		return err
	}

	initial, err := engine.ExecuteTask[PriceRequest, *Quote](wf, OpFetchPrice, PriceRequest{Symbol: plan.Symbol})
	if err != nil {
		return err
	}
	summary.InitialPrice = initial.Price
	summary.FinalPrice = initial.Price

	threshold := plan.ThresholdPct
	interval := plan.CheckInterval

	for summary.Checks < plan.MaxChecks {
		if err := waitForCheck(wf, plan.CheckSchedule, interval); err != nil {
			return err
		}

		stop, err := applyPlanUpdates(wf, &threshold, &interval)
		if err != nil {
			return err
		}
		if stop {
			break
		}

		quote, err := engine.ExecuteTask[PriceRequest, *Quote](wf, OpFetchPrice, PriceRequest{Symbol: plan.Symbol})
		if err != nil {
			return err
		}
		summary.Checks++
		summary.FinalPrice = quote.Price
		summary.ChangePct = (quote.Price - initial.Price) / initial.Price * 100

		if math.Abs(summary.ChangePct) < threshold {
			continue
		}
		summary.Alerts++
		if plan.ReportTo.IsNil() {
			continue
		}
		err = wf.SendSignal(plan.ReportTo, SignalAlert, Alert{
			Symbol:       plan.Symbol,
			Price:        quote.Price,
			InitialPrice: initial.Price,
			ChangePct:    summary.ChangePct,
			ThresholdPct: threshold,
			ChildID:      wf.InstanceID(),
		})
		var ue *signal.UndeliverableError
		if err != nil && !errors.As(err, &ue) {
			return err
		}
	}

	if err := reportDone(wf, plan.ReportTo, summary); err != nil {
		return err
	}
	return wf.SetOutput(summary)
}

// waitForCheck sleeps until the next check is due, via the cron schedule
// when one is set.
func waitForCheck(wf *engine.Context, schedule string, interval time.Duration) error {
	if schedule == "" {
		return wf.Sleep(interval)
	}
	now, err := wf.Now()
	if err != nil {
		return err
	}
	plan := Plan{CheckSchedule: schedule}
	next, err := plan.NextCheck(now)
	if err != nil {
		return err
	}
	return wf.Sleep(next.Sub(now))
}

// applyPlanUpdates drains pending plan.update signals, applying each in
// arrival order. Reports whether a stop was requested.
func applyPlanUpdates(wf *engine.Context, threshold *float64, interval *time.Duration) (bool, error) {
	for {
		payload, found, err := wf.PollSignal(SignalPlanUpdate)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		var update PlanUpdate
		if err := wf.DecodeSignal(payload, &update); err != nil {
			return false, err
		}
		if update.ThresholdPct > 0 {
			*threshold = update.ThresholdPct
		}
		if update.CheckInterval > 0 {
			*interval = update.CheckInterval
		}
		if update.Stop {
			return true, nil
		}
	}
}

// reportDone sends the watcher's summary to the parent, tolerating a parent
// that has already terminated.
func reportDone(wf *engine.Context, reportTo id.InstanceID, summary Summary) error {
	if reportTo.IsNil() {
		return nil
	}
	err := wf.SendSignal(reportTo, SignalDone, summary)
	var ue *signal.UndeliverableError
	if err != nil && !errors.As(err, &ue) {
		return err
	}
	return nil
}

// tradeWorkflow executes one order as a durable task.
func tradeWorkflow(wf *engine.Context, order Order) error {
	exec, err := engine.ExecuteTask[Order, *Execution](wf, OpExecuteTrade, order)
	if err != nil {
		return err
	}
	return wf.SetOutput(exec)
}
