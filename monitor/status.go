package monitor

import (
	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/engine"
	"github.com/vigilhq/vigil/event"
)

// WatchStatus is a point-in-time view of a symbol watcher, reconstructed
// from its event log.
type WatchStatus struct {
	Symbol string `json:"symbol"`
	Checks int    `json:"checks"`
	Alerts int    `json:"alerts"`
	Done   bool   `json:"done"`
}

// StatusOf derives a watcher's progress from an inspected instance: price
// fetches past the initial one are checks, sent alert signals are alerts.
func StatusOf(v *engine.View, c codec.Codec) (*WatchStatus, error) {
	var plan SymbolPlan
	if len(v.Instance.Input) > 0 {
		if err := c.Unmarshal(v.Instance.Input, &plan); err != nil {
			return nil, err
		}
	}

	st := &WatchStatus{
		Symbol: plan.Symbol,
		Done:   v.Instance.Status.Terminal(),
	}
	fetches := 0
	for _, evt := range v.Events {
		switch evt.Kind {
		case event.KindTaskScheduled:
			var sched event.TaskScheduled
			if err := c.Unmarshal(evt.Payload, &sched); err != nil {
				return nil, err
			}
			if sched.Operation == OpFetchPrice {
				fetches++
			}
		case event.KindSignalSent:
			var sent event.SignalSent
			if err := c.Unmarshal(evt.Payload, &sent); err != nil {
				return nil, err
			}
			if sent.Name == SignalAlert {
				st.Alerts++
			}
		}
	}
	if fetches > 0 {
		st.Checks = fetches - 1
	}
	return st, nil
}
