package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/task"
)

// Operation names scheduled by the monitoring workflows.
const (
	OpValidateSymbol = "market.validate_symbol"
	OpFetchPrice     = "market.fetch_price"
	OpEvaluateAlert  = "monitor.evaluate_alert"
	OpExecuteTrade   = "trade.execute"
)

// ValidateRequest asks whether a symbol is tradeable.
type ValidateRequest struct {
	Symbol string `json:"symbol" msgpack:"symbol"`
}

// ValidateResult confirms a validated symbol.
type ValidateResult struct {
	Symbol string `json:"symbol" msgpack:"symbol"`
}

// PriceRequest asks for the current quote of a symbol.
type PriceRequest struct {
	Symbol string `json:"symbol" msgpack:"symbol"`
}

// Alert is raised by a symbol watcher when a price move crosses its
// threshold, and evaluated by the parent.
type Alert struct {
	Symbol       string        `json:"symbol" msgpack:"symbol"`
	Price        float64       `json:"price" msgpack:"price"`
	InitialPrice float64       `json:"initial_price" msgpack:"initial_price"`
	ChangePct    float64       `json:"change_pct" msgpack:"change_pct"`
	ThresholdPct float64       `json:"threshold_pct" msgpack:"threshold_pct"`
	ChildID      id.InstanceID `json:"child_id" msgpack:"child_id"`
}

// Decision actions.
const (
	ActionNone   = "none"
	ActionAdjust = "adjust"
	ActionTrade  = "trade"
)

// Decision is the outcome of evaluating an alert.
type Decision struct {
	Action       string  `json:"action" msgpack:"action"`
	ThresholdPct float64 `json:"threshold_pct,omitempty" msgpack:"threshold_pct,omitempty"`
	Order        *Order  `json:"order,omitempty" msgpack:"order,omitempty"`
}

// RegisterOperations registers the market operations against the given
// broker. Validation failures for unknown symbols are terminal: retrying
// a symbol that does not exist cannot succeed.
func RegisterOperations(r *task.Registry, md MarketData, tr Trader) error {
	err := task.Register(r, OpValidateSymbol, func(ctx context.Context, req ValidateRequest) (ValidateResult, error) {
		if err := md.ValidateSymbol(ctx, req.Symbol); err != nil {
			return ValidateResult{}, task.Terminal(err)
		}
		return ValidateResult{Symbol: req.Symbol}, nil
	})
	if err != nil {
		return err
	}

	err = task.Register(r, OpFetchPrice, func(ctx context.Context, req PriceRequest) (*Quote, error) {
		return md.GetQuote(ctx, req.Symbol)
	}, task.WithTimeout(10*time.Second))
	if err != nil {
		return err
	}

	err = task.Register(r, OpEvaluateAlert, evaluateAlert)
	if err != nil {
		return err
	}

	return task.Register(r, OpExecuteTrade, func(ctx context.Context, o Order) (*Execution, error) {
		if tr == nil {
			return nil, task.Terminal(fmt.Errorf("no trader configured"))
		}
		return tr.ExecuteOrder(ctx, &o)
	}, task.WithTimeout(30*time.Second))
}

// evaluateAlert decides how to react to a threshold crossing. A move at
// twice the threshold or more triggers a counter-trade; anything smaller
// widens the watcher's threshold so it stops alerting on the same level.
func evaluateAlert(_ context.Context, a Alert) (Decision, error) {
	if a.ThresholdPct <= 0 {
		return Decision{}, task.Terminal(fmt.Errorf("alert for %q has non-positive threshold %.2f", a.Symbol, a.ThresholdPct))
	}

	if math.Abs(a.ChangePct) >= 2*a.ThresholdPct {
		side := SideSell
		if a.ChangePct < 0 {
			side = SideBuy
		}
		return Decision{
			Action: ActionTrade,
			Order:  &Order{Symbol: a.Symbol, Side: side, Quantity: 10},
		}, nil
	}

	return Decision{
		Action:       ActionAdjust,
		ThresholdPct: a.ThresholdPct * 1.5,
	}, nil
}
