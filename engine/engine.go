package engine

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
	"github.com/vigilhq/vigil/signal"
	"github.com/vigilhq/vigil/task"
)

// Lifecycle is the parent/child bookkeeping the engine delegates to the
// supervisor: creating spawned children and reacting to terminal
// transitions (child-terminated records, cascades, orphan flagging).
type Lifecycle interface {
	// EnsureChild creates the child instance if it does not exist yet and
	// schedules its first advance. Idempotent on the child ID.
	EnsureChild(ctx context.Context, parent *instance.Instance, childID id.InstanceID, kind string, input []byte) error

	// OnInstanceTerminal runs after an instance's terminal transition is
	// durable.
	OnInstanceTerminal(ctx context.Context, inst *instance.Instance)
}

// Options configures an Engine. Instances, Log, Tasks, TaskDefs, Workflows,
// and Router are required.
type Options struct {
	Instances instance.Store
	Log       event.Log
	Tasks     task.Store
	TaskDefs  *task.Registry
	Workflows *Registry
	Router    *signal.Router
	Codec     codec.Codec
	Logger    *slog.Logger

	// QueueDepth bounds the number of pending tasks. An advance that would
	// schedule past the bound is parked and retried instead of failing the
	// instance. Zero means unbounded.
	QueueDepth int

	// RetryInterval is the delay before retrying a backpressured advance.
	RetryInterval time.Duration
}

// advanceState serializes advances per instance: at most one advance runs
// at a time, and notifies landing mid-advance coalesce into one re-run.
type advanceState struct {
	running bool
	pending bool
}

// Engine drives instances forward by deterministic re-execution.
type Engine struct {
	instances instance.Store
	log       event.Log
	tasks     task.Store
	taskDefs  *task.Registry
	workflows *Registry
	router    *signal.Router
	codec     codec.Codec
	logger    *slog.Logger

	queueDepth    int
	retryInterval time.Duration

	mu        sync.Mutex
	state     map[string]*advanceState
	timers    map[string]*time.Timer
	lifecycle Lifecycle
	closed    bool
	wg        sync.WaitGroup
}

// New creates an engine from the given options.
func New(opts Options) (*Engine, error) {
	if opts.Instances == nil || opts.Log == nil || opts.Tasks == nil {
		return nil, fmt.Errorf("engine: instance store, event log, and task store are required")
	}
	if opts.TaskDefs == nil || opts.Workflows == nil {
		return nil, fmt.Errorf("engine: task and workflow registries are required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("engine: signal router is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}
	return &Engine{
		instances:     opts.Instances,
		log:           opts.Log,
		tasks:         opts.Tasks,
		taskDefs:      opts.TaskDefs,
		workflows:     opts.Workflows,
		router:        opts.Router,
		codec:         c,
		logger:        logger,
		queueDepth:    opts.QueueDepth,
		retryInterval: retry,
		state:         make(map[string]*advanceState),
		timers:        make(map[string]*time.Timer),
	}, nil
}

// SetLifecycle wires the supervisor in after construction.
func (e *Engine) SetLifecycle(l Lifecycle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lifecycle = l
}

func (e *Engine) getLifecycle() Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle
}

// Close stops timers and waits for in-flight advances.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Notify schedules an asynchronous advance of the instance. Called by the
// router, scheduler, supervisor, and timer service whenever new events land
// in the instance's log.
func (e *Engine) Notify(instanceID id.InstanceID) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.Advance(context.Background(), instanceID); err != nil {
			e.logger.Warn("async advance failed",
				slog.String("instance_id", instanceID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Advance runs the instance's workflow function over its current log until
// it suspends, completes, or fails. At most one advance per instance runs
// at a time; concurrent calls coalesce into a follow-up run so events that
// arrive mid-advance are never missed.
func (e *Engine) Advance(ctx context.Context, instanceID id.InstanceID) error {
	key := instanceID.String()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	st := e.state[key]
	if st == nil {
		st = &advanceState{}
		e.state[key] = st
	}
	if st.running {
		st.pending = true
		e.mu.Unlock()
		return nil
	}
	st.running = true
	e.mu.Unlock()

	var firstErr error
	for {
		if err := e.advanceOnce(ctx, instanceID); err != nil && firstErr == nil {
			firstErr = err
		}

		e.mu.Lock()
		if st.pending && !e.closed {
			st.pending = false
			e.mu.Unlock()
			continue
		}
		st.running = false
		e.mu.Unlock()
		return firstErr
	}
}

func (e *Engine) advanceOnce(ctx context.Context, instanceID id.InstanceID) error {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("engine: load instance: %w", err)
	}
	if inst.Status.Terminal() || inst.Diverged {
		return nil
	}

	snapshot, err := e.log.ListEvents(ctx, instanceID, 0)
	if err != nil {
		return fmt.Errorf("engine: load log: %w", err)
	}

	def, ok := e.workflows.Lookup(inst.Workflow)
	if !ok {
		return e.terminalize(ctx, inst, instance.StatusFailed, nil,
			fmt.Sprintf("workflow %q not registered", inst.Workflow))
	}

	wf, err := newContext(ctx, e, inst, snapshot)
	if err != nil {
		return err
	}

	runErr := def.Runner(wf)
	inst.LastOffset = wf.lastOffset

	switch {
	case runErr == nil:
		if wf.unconsumedCommands() {
			return e.markDiverged(ctx, inst, &DivergenceError{
				InstanceID: inst.ID,
				Seq:        wf.seq,
				Detail:     "workflow completed with recorded commands never re-issued",
			})
		}
		return e.terminalize(ctx, inst, instance.StatusCompleted, wf.output, "")

	case errors.Is(runErr, ErrSuspended):
		return e.persistSuspension(ctx, inst, wf)

	case errors.Is(runErr, ErrCancelled):
		return e.terminalize(ctx, inst, instance.StatusCancelled, nil, "cancelled")

	case errors.Is(runErr, errHalt):
		e.logger.Warn("advance halted",
			slog.String("instance_id", inst.ID.String()),
			slog.String("error", runErr.Error()),
		)
		return runErr

	default:
		var div *DivergenceError
		if errors.As(runErr, &div) {
			return e.markDiverged(ctx, inst, div)
		}
		return e.terminalize(ctx, inst, instance.StatusFailed, nil, runErr.Error())
	}
}

func (e *Engine) persistSuspension(ctx context.Context, inst *instance.Instance, wf *Context) error {
	inst.ClearAwait()
	if wf.await.status != "" {
		inst.Status = wf.await.status
	}
	switch wf.await.status {
	case instance.StatusBlockedOnTask:
		inst.AwaitTaskID = wf.await.taskID
	case instance.StatusBlockedOnTimer:
		inst.AwaitTimerID = wf.await.timerID
		fireAt := wf.await.fireAt
		inst.TimerFireAt = &fireAt
	case instance.StatusBlockedOnSignal:
		inst.AwaitSignals = wf.await.signals
	}
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("engine: persist suspension: %w", err)
	}
	return nil
}

func (e *Engine) terminalize(ctx context.Context, inst *instance.Instance, status instance.Status, output []byte, errMsg string) error {
	payload, err := e.codec.Marshal(event.InstanceCompleted{
		Status: string(status),
		Output: output,
		Error:  errMsg,
	})
	if err != nil {
		return fmt.Errorf("engine: encode terminal event: %w", err)
	}
	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: inst.ID,
		Kind:       event.KindInstanceCompleted,
		Payload:    payload,
		At:         time.Now().UTC(),
	}
	if err := e.log.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("engine: append terminal event: %w", err)
	}

	now := time.Now().UTC()
	inst.ClearAwait()
	inst.Status = status
	inst.Output = output
	inst.Error = errMsg
	inst.CompletedAt = &now
	inst.LastOffset = evt.Offset
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("engine: persist terminal: %w", err)
	}

	e.logger.Info("instance terminal",
		slog.String("instance_id", inst.ID.String()),
		slog.String("workflow", inst.Workflow),
		slog.String("status", string(status)),
	)

	if lc := e.getLifecycle(); lc != nil {
		lc.OnInstanceTerminal(ctx, inst)
	}
	return nil
}

func (e *Engine) markDiverged(ctx context.Context, inst *instance.Instance, div *DivergenceError) error {
	inst.Diverged = true
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("engine: persist divergence: %w", err)
	}
	e.logger.Error("instance diverged",
		slog.String("instance_id", inst.ID.String()),
		slog.String("workflow", inst.Workflow),
		slog.String("error", div.Error()),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Side effects issued from blocking calls
// ──────────────────────────────────────────────────

// ensureTask enqueues the durable task backing an ExecuteTask call.
// Idempotent on the task ID.
func (e *Engine) ensureTask(ctx context.Context, inst *instance.Instance, taskID id.TaskID, operation string, input []byte) error {
	def, ok := e.taskDefs.Lookup(operation)
	if !ok {
		return fmt.Errorf("engine: operation %q not registered", operation)
	}

	if e.queueDepth > 0 {
		pending, err := e.tasks.CountPendingTasks(ctx)
		if err != nil {
			return fmt.Errorf("%w: count pending: %v", errHalt, err)
		}
		if pending >= int64(e.queueDepth) {
			// Park the advance and try again shortly rather than failing
			// the instance over transient load.
			e.retryLater(inst.ID)
			return fmt.Errorf("%w: %w", errHalt, vigil.ErrQueueFull)
		}
	}

	t := &task.Task{
		Entity:      vigil.NewEntity(),
		ID:          taskID,
		InstanceID:  inst.ID,
		Operation:   operation,
		Status:      task.StatusPending,
		Input:       input,
		MaxAttempts: def.Policy.MaxAttempts,
		RunAt:       time.Now().UTC(),
		Timeout:     def.Timeout,
	}
	if err := e.tasks.EnqueueTask(ctx, t); err != nil && !errors.Is(err, vigil.ErrTaskExists) {
		return fmt.Errorf("%w: enqueue task: %v", errHalt, err)
	}
	return nil
}

func (e *Engine) ensureChild(ctx context.Context, parent *instance.Instance, childID id.InstanceID, kind string, input []byte) error {
	lc := e.getLifecycle()
	if lc == nil {
		return fmt.Errorf("engine: child workflows unavailable: no lifecycle configured")
	}
	if err := lc.EnsureChild(ctx, parent, childID, kind, input); err != nil {
		return fmt.Errorf("%w: ensure child: %v", errHalt, err)
	}
	return nil
}

func (e *Engine) retryLater(instanceID id.InstanceID) {
	time.AfterFunc(e.retryInterval, func() {
		e.Notify(instanceID)
	})
}

// ──────────────────────────────────────────────────
// Timer service
// ──────────────────────────────────────────────────

// armTimer schedules a durable timer to fire. A deadline already in the
// past fires immediately; re-arming an armed timer is a no-op.
func (e *Engine) armTimer(instanceID id.InstanceID, timerID id.TimerID, fireAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	key := timerID.String()
	if _, armed := e.timers[key]; armed {
		return
	}
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	e.timers[key] = time.AfterFunc(delay, func() {
		e.fireTimer(instanceID, timerID)
	})
}

func (e *Engine) stopTimer(timerID id.TimerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := timerID.String()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

// fireTimer appends the TimerFired event, skipping the append if a restart
// already recorded it.
func (e *Engine) fireTimer(instanceID id.InstanceID, timerID id.TimerID) {
	ctx := context.Background()

	e.mu.Lock()
	delete(e.timers, timerID.String())
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	events, err := e.log.ListEvents(ctx, instanceID, 0)
	if err != nil {
		e.logger.Warn("timer fire: load log failed",
			slog.String("instance_id", instanceID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, evt := range events {
		if evt.Kind != event.KindTimerFired {
			continue
		}
		var tf event.TimerFired
		if err := e.codec.Unmarshal(evt.Payload, &tf); err != nil {
			continue
		}
		if tf.TimerID == timerID {
			return
		}
	}

	payload, err := e.codec.Marshal(event.TimerFired{TimerID: timerID})
	if err != nil {
		return
	}
	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: instanceID,
		Kind:       event.KindTimerFired,
		Payload:    payload,
		At:         time.Now().UTC(),
	}
	if err := e.log.AppendEvent(ctx, evt); err != nil {
		e.logger.Warn("timer fire: append failed",
			slog.String("instance_id", instanceID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.Notify(instanceID)
}

// ──────────────────────────────────────────────────
// Inbound outcomes
// ──────────────────────────────────────────────────

// OnTaskDone records a task's single terminal outcome into its instance's
// log and schedules an advance. The scheduler calls this only after winning
// the task's terminal transition, so exactly one outcome event exists per
// task.
func (e *Engine) OnTaskDone(ctx context.Context, t *task.Task, reason string) error {
	kind := event.KindTaskCompleted
	if t.Status != task.StatusCompleted {
		kind = event.KindTaskFailed
	}
	payload, err := e.codec.Marshal(event.TaskResult{
		TaskID:  t.ID,
		Output:  t.Output,
		Error:   t.Error,
		Reason:  reason,
		Attempt: t.Attempt,
	})
	if err != nil {
		return fmt.Errorf("engine: encode task outcome: %w", err)
	}
	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: t.InstanceID,
		Kind:       kind,
		Payload:    payload,
		At:         time.Now().UTC(),
	}
	if err := e.log.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("engine: append task outcome: %w", err)
	}
	e.Notify(t.InstanceID)
	return nil
}

// ForceCancel terminalizes an instance without waiting for its logic to
// observe cancellation: outstanding tasks are cancelled, a pending timer is
// disarmed, and the instance is recorded cancelled. Used by the supervisor
// when a child ignores cooperative cancellation past the grace window.
func (e *Engine) ForceCancel(ctx context.Context, instanceID id.InstanceID, reason string) error {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("engine: load instance: %w", err)
	}
	if inst.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "force cancelled"
	}

	tasks, err := e.tasks.ListTasksForInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("engine: list tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = task.StatusCancelled
		t.Error = reason
		if _, err := e.tasks.CompleteTask(ctx, t); err != nil {
			return fmt.Errorf("engine: cancel task %s: %w", t.ID, err)
		}
	}

	if !inst.AwaitTimerID.IsNil() {
		e.stopTimer(inst.AwaitTimerID)
	}
	return e.terminalize(ctx, inst, instance.StatusCancelled, nil, reason)
}

// ──────────────────────────────────────────────────
// Audit
// ──────────────────────────────────────────────────

// Replay re-runs an instance's workflow function over its log without
// recording or side effects, reporting a DivergenceError if the command
// stream no longer matches. Safe on live and terminal instances.
func (e *Engine) Replay(ctx context.Context, instanceID id.InstanceID) error {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("engine: load instance: %w", err)
	}
	snapshot, err := e.log.ListEvents(ctx, instanceID, 0)
	if err != nil {
		return fmt.Errorf("engine: load log: %w", err)
	}
	def, ok := e.workflows.Lookup(inst.Workflow)
	if !ok {
		return fmt.Errorf("engine: workflow %q not registered", inst.Workflow)
	}

	wf, err := newContext(ctx, e, inst, snapshot)
	if err != nil {
		return err
	}
	wf.readonly = true

	runErr := def.Runner(wf)
	switch {
	case runErr == nil:
		if wf.unconsumedCommands() {
			return &DivergenceError{
				InstanceID: inst.ID,
				Seq:        wf.seq,
				Detail:     "workflow completed with recorded commands never re-issued",
			}
		}
		return nil
	case errors.Is(runErr, ErrSuspended), errors.Is(runErr, ErrCancelled):
		return nil
	default:
		return runErr
	}
}

// View is a read-only snapshot of an instance for inspection.
type View struct {
	Instance *instance.Instance
	Events   []*event.Event
	Tasks    []*task.Task
}

// Inspect returns the instance, its full event log, and its tasks.
func (e *Engine) Inspect(ctx context.Context, instanceID id.InstanceID) (*View, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := e.log.ListEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, err
	}
	tasks, err := e.tasks.ListTasksForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &View{Instance: inst, Events: events, Tasks: tasks}, nil
}
