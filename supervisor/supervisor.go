// Package supervisor manages instance lifecycles: spawning top-level
// instances and engine-requested children, cascading cancellation through
// the parent/child tree, flagging orphans, and resuming live instances
// after a restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/engine"
	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
)

// Supervisor creates and terminates instances. It implements
// engine.Lifecycle so the engine can delegate child creation and terminal
// bookkeeping back to it.
type Supervisor struct {
	instances instance.Store
	log       event.Log
	router    *signal.Router
	eng       *engine.Engine
	codec     codec.Codec
	logger    *slog.Logger

	graceTimeout time.Duration
	pollInterval time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGraceTimeout sets how long Terminate waits for cooperative
// cancellation before force-cancelling.
func WithGraceTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.graceTimeout = d }
}

// New creates a Supervisor and registers it as the engine's lifecycle.
func New(
	instances instance.Store,
	log event.Log,
	router *signal.Router,
	eng *engine.Engine,
	c codec.Codec,
	logger *slog.Logger,
	opts ...Option,
) *Supervisor {
	if c == nil {
		c = codec.Default()
	}
	s := &Supervisor{
		instances:    instances,
		log:          log,
		router:       router,
		eng:          eng,
		codec:        c,
		logger:       logger,
		graceTimeout: 10 * time.Second,
		pollInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	eng.SetLifecycle(s)
	return s
}

// Spawn creates a top-level instance and schedules its first advance.
// The ack is synchronous; execution is asynchronous.
func (s *Supervisor) Spawn(ctx context.Context, workflow string, input any) (id.InstanceID, error) {
	raw, err := s.codec.Marshal(input)
	if err != nil {
		return id.Nil, fmt.Errorf("supervisor: encode input: %w", err)
	}

	inst := &instance.Instance{
		Entity:    vigil.NewEntity(),
		ID:        id.NewInstanceID(),
		Workflow:  workflow,
		Kind:      instance.KindParent,
		Status:    instance.StatusCreated,
		Input:     raw,
		StartedAt: time.Now().UTC(),
	}
	if err := s.instances.CreateInstance(ctx, inst); err != nil {
		return id.Nil, fmt.Errorf("supervisor: create instance: %w", err)
	}

	s.logger.Info("instance spawned",
		slog.String("instance_id", inst.ID.String()),
		slog.String("workflow", workflow),
	)

	s.eng.Notify(inst.ID)
	return inst.ID, nil
}

// EnsureChild creates a child instance for a spawn the engine recorded.
// The child ID comes from the parent's log, so a crash between the record
// and this call replays into the same child. Already-exists is success.
func (s *Supervisor) EnsureChild(ctx context.Context, parent *instance.Instance, childID id.InstanceID, kind string, input []byte) error {
	parentID := parent.ID
	child := &instance.Instance{
		Entity:    vigil.NewEntity(),
		ID:        childID,
		Workflow:  kind,
		Kind:      instance.KindChild,
		ParentID:  &parentID,
		Status:    instance.StatusCreated,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}
	err := s.instances.CreateInstance(ctx, child)
	if errors.Is(err, vigil.ErrInstanceExists) {
		s.eng.Notify(childID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("supervisor: create child: %w", err)
	}

	s.logger.Info("child spawned",
		slog.String("instance_id", childID.String()),
		slog.String("parent_id", parentID.String()),
		slog.String("workflow", kind),
	)

	s.eng.Notify(childID)
	return nil
}

// OnInstanceTerminal records the terminal transition with the instance's
// relatives: the parent gets a child-terminated event, and live children
// left behind are flagged orphaned. Sibling and parent statuses never
// change automatically; a child failure is isolated to its own record.
func (s *Supervisor) OnInstanceTerminal(ctx context.Context, inst *instance.Instance) {
	if inst.ParentID != nil {
		s.notifyParent(ctx, inst)
	}
	s.flagOrphans(ctx, inst.ID)
}

func (s *Supervisor) notifyParent(ctx context.Context, child *instance.Instance) {
	payload, err := s.codec.Marshal(event.ChildTerminated{
		ChildID: child.ID,
		Status:  string(child.Status),
		Output:  child.Output,
		Error:   child.Error,
	})
	if err != nil {
		s.logger.Error("failed to encode child termination",
			slog.String("instance_id", child.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: *child.ParentID,
		Kind:       event.KindChildTerminated,
		Payload:    payload,
		At:         time.Now().UTC(),
	}
	if err := s.log.AppendEvent(ctx, evt); err != nil {
		s.logger.Error("failed to record child termination",
			slog.String("instance_id", child.ID.String()),
			slog.String("parent_id", child.ParentID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.eng.Notify(*child.ParentID)
}

// flagOrphans marks live children of a terminated parent. Cascading
// termination cancels children before the parent goes terminal, so anything
// still live here was left behind.
func (s *Supervisor) flagOrphans(ctx context.Context, parentID id.InstanceID) {
	children, err := s.instances.ListChildren(ctx, parentID)
	if err != nil {
		s.logger.Error("failed to list children of terminated instance",
			slog.String("instance_id", parentID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, child := range children {
		if child.Status.Terminal() || child.Orphaned {
			continue
		}
		child.Orphaned = true
		if err := s.instances.UpdateInstance(ctx, child); err != nil {
			s.logger.Error("failed to flag orphan",
				slog.String("instance_id", child.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Warn("child orphaned by parent termination",
			slog.String("instance_id", child.ID.String()),
			slog.String("parent_id", parentID.String()),
		)
	}
}

// Terminate cancels an instance. With cascade, live descendants are
// cancelled depth-first and each gets the grace window to wind down
// cooperatively before being force-cancelled; the target itself goes last.
// Without cascade only the target is cancelled and its live children are
// flagged orphaned when it terminates.
func (s *Supervisor) Terminate(ctx context.Context, instanceID id.InstanceID, cascade bool) error {
	inst, err := s.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("supervisor: load instance: %w", err)
	}
	if inst.Status.Terminal() {
		return nil
	}

	if cascade {
		if err := s.terminateChildren(ctx, instanceID); err != nil {
			return err
		}
	}

	return s.cancelOne(ctx, instanceID)
}

// terminateChildren cancels the live children of an instance in parallel,
// each subtree depth-first.
func (s *Supervisor) terminateChildren(ctx context.Context, parentID id.InstanceID) error {
	children, err := s.instances.ListChildren(ctx, parentID)
	if err != nil {
		return fmt.Errorf("supervisor: list children: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		childID := child.ID
		g.Go(func() error {
			if err := s.terminateChildren(ctx, childID); err != nil {
				return err
			}
			return s.cancelOne(ctx, childID)
		})
	}
	return g.Wait()
}

// cancelOne delivers a cancellation signal, waits out the grace window, and
// force-cancels if the instance is still live.
func (s *Supervisor) cancelOne(ctx context.Context, instanceID id.InstanceID) error {
	_, err := s.router.Deliver(ctx, &signal.Signal{
		Target: instanceID,
		Name:   signal.NameCancel,
	})
	var undeliverable *signal.UndeliverableError
	if errors.As(err, &undeliverable) {
		// Already terminal, or terminalized between the check and the send.
		return nil
	}
	if err != nil {
		return fmt.Errorf("supervisor: deliver cancel: %w", err)
	}

	if s.awaitTerminal(ctx, instanceID) {
		return nil
	}

	s.logger.Warn("grace window expired, force cancelling",
		slog.String("instance_id", instanceID.String()),
		slog.Duration("grace_timeout", s.graceTimeout),
	)
	return s.eng.ForceCancel(ctx, instanceID, "cancellation grace window expired")
}

// awaitTerminal polls until the instance terminalizes, the grace window
// expires, or the context ends.
func (s *Supervisor) awaitTerminal(ctx context.Context, instanceID id.InstanceID) bool {
	deadline := time.Now().Add(s.graceTimeout)
	for time.Now().Before(deadline) {
		inst, err := s.instances.GetInstance(ctx, instanceID)
		if err == nil && inst.Status.Terminal() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.pollInterval):
		}
	}
	return false
}

// Orphans lists live instances whose parent terminated without cascading
// to them.
func (s *Supervisor) Orphans(ctx context.Context) ([]*instance.Instance, error) {
	return s.instances.ListInstances(ctx, instance.ListOpts{Orphaned: true, Live: true})
}

// ResumeAll re-advances every live instance after a restart. Suspended
// instances pick up from their logs; diverged ones stay halted.
func (s *Supervisor) ResumeAll(ctx context.Context) error {
	live, err := s.instances.ListInstances(ctx, instance.ListOpts{Live: true})
	if err != nil {
		return fmt.Errorf("supervisor: list live instances: %w", err)
	}

	resumed := 0
	for _, inst := range live {
		if inst.Diverged {
			s.logger.Warn("skipping diverged instance",
				slog.String("instance_id", inst.ID.String()),
			)
			continue
		}
		s.eng.Notify(inst.ID)
		resumed++
	}

	if resumed > 0 {
		s.logger.Info("resumed live instances", slog.Int("count", resumed))
	}
	return nil
}
