package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
)

// Notifier is told when a delivery appended an event to an instance's log,
// so the target can be advanced. Implemented by the engine.
type Notifier interface {
	Notify(instanceID id.InstanceID)
}

// Router routes signals into instance event logs.
//
// Appends to one target are serialized by a per-target lock, so two signals
// from the same origin land in send order. Deliveries to different targets
// never contend.
type Router struct {
	instances instance.Store
	log       event.Log
	dedup     DedupStore
	codec     codec.Codec
	logger    *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	notifier Notifier
}

// NewRouter creates a signal router over the given stores.
func NewRouter(instances instance.Store, log event.Log, dedup DedupStore, c codec.Codec, logger *slog.Logger) *Router {
	if c == nil {
		c = codec.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		instances: instances,
		log:       log,
		dedup:     dedup,
		codec:     c,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetNotifier wires the engine in after construction. Deliveries before the
// notifier is set still append durably; the target advances on its next
// resume.
func (r *Router) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Deliver validates, dedupes, and durably appends a signal to its target's
// log, then notifies the engine. Delivery is acknowledged only after the
// append succeeds, so an acked signal is never lost.
//
// A missing or terminal target returns an UndeliverableError: the sender
// learns delivery failed instead of the signal vanishing. A duplicate ID
// returns Ack{Duplicate: true} without a second append, even when the
// target has since terminated. The signal ID is only left marked applied
// once the append succeeds; any failure after the mark unmarks it, so a
// sender retry under the same ID goes through.
func (r *Router) Deliver(ctx context.Context, sig *Signal) (*Ack, error) {
	if sig == nil || sig.Name == "" {
		return nil, fmt.Errorf("signal: name is required")
	}
	if sig.Target.IsNil() {
		return nil, fmt.Errorf("signal: target is required")
	}
	if sig.ID == "" {
		sig.ID = id.NewSignalID().String()
	}
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}

	unlock := r.lockTarget(sig.Target)
	defer unlock()

	first, err := r.dedup.MarkSignalApplied(ctx, sig.Target, sig.ID)
	if err != nil {
		return nil, fmt.Errorf("signal: dedup check: %w", err)
	}
	if !first {
		r.logger.Debug("duplicate signal suppressed",
			slog.String("signal_id", sig.ID),
			slog.String("target", sig.Target.String()),
			slog.String("name", sig.Name),
		)
		return &Ack{Duplicate: true}, nil
	}

	inst, err := r.instances.GetInstance(ctx, sig.Target)
	if err != nil {
		r.unmark(ctx, sig)
		if errors.Is(err, vigil.ErrInstanceNotFound) {
			return nil, &UndeliverableError{Target: sig.Target, Reason: "instance not found"}
		}
		return nil, fmt.Errorf("signal: load target: %w", err)
	}
	if inst.Status.Terminal() {
		r.unmark(ctx, sig)
		return nil, &UndeliverableError{Target: sig.Target, Reason: fmt.Sprintf("instance is %s", inst.Status)}
	}

	payload, err := r.codec.Marshal(event.SignalReceived{
		SignalID: sig.ID,
		Origin:   sig.Origin,
		Name:     sig.Name,
		Payload:  sig.Payload,
	})
	if err != nil {
		r.unmark(ctx, sig)
		return nil, fmt.Errorf("signal: encode payload: %w", err)
	}

	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: sig.Target,
		Kind:       event.KindSignalReceived,
		Payload:    payload,
		At:         sig.At,
	}
	if err := r.log.AppendEvent(ctx, evt); err != nil {
		r.unmark(ctx, sig)
		return nil, fmt.Errorf("signal: append: %w", err)
	}

	r.logger.Debug("signal delivered",
		slog.String("signal_id", sig.ID),
		slog.String("target", sig.Target.String()),
		slog.String("name", sig.Name),
		slog.Int64("offset", evt.Offset),
	)

	r.mu.Lock()
	n := r.notifier
	r.mu.Unlock()
	if n != nil {
		n.Notify(sig.Target)
	}
	return &Ack{}, nil
}

// unmark releases a signal ID whose delivery failed after it was marked.
// An unmark failure leaves the ID stuck as applied; that is surfaced loudly
// because a retry of the same delivery would then be swallowed as duplicate.
func (r *Router) unmark(ctx context.Context, sig *Signal) {
	if err := r.dedup.UnmarkSignalApplied(ctx, sig.Target, sig.ID); err != nil {
		r.logger.Error("failed to release signal dedup mark",
			slog.String("signal_id", sig.ID),
			slog.String("target", sig.Target.String()),
			slog.String("error", err.Error()),
		)
	}
}

// lockTarget acquires the append lock for a target, creating it on first
// use. Lock entries are small and live for the process lifetime.
func (r *Router) lockTarget(target id.InstanceID) func() {
	key := target.String()
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}
