package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
)

// Context is the handle a workflow function uses to interact with the
// durable world. All blocking calls route through the instance's log
// snapshot: recorded outcomes return immediately, unrecorded ones suspend
// execution with ErrSuspended.
//
// A Context is bound to a single advance and must not escape the workflow
// function or be shared across goroutines.
type Context struct {
	ctx  context.Context
	eng  *Engine
	inst *instance.Instance

	// Log snapshot indexes, frozen at advance start.
	commands   map[int]*event.Event
	maxSeq     int
	results    map[string]*event.TaskResult
	failures   map[string]bool // task ID -> failed (vs completed)
	fired      map[string]bool
	signals    []*inboundSignal
	children   map[string]*event.ChildTerminated
	lastOffset int64

	seq      int
	output   []byte
	readonly bool
	await    awaitState
}

type inboundSignal struct {
	sig      event.SignalReceived
	consumed bool
}

type awaitState struct {
	status  instance.Status
	taskID  id.TaskID
	timerID id.TimerID
	fireAt  time.Time
	signals []string
}

// newContext indexes the log snapshot for replay.
func newContext(ctx context.Context, eng *Engine, inst *instance.Instance, snapshot []*event.Event) (*Context, error) {
	wf := &Context{
		ctx:      ctx,
		eng:      eng,
		inst:     inst,
		commands: make(map[int]*event.Event),
		results:  make(map[string]*event.TaskResult),
		failures: make(map[string]bool),
		fired:    make(map[string]bool),
		children: make(map[string]*event.ChildTerminated),
		seq:      1,
	}

	for _, evt := range snapshot {
		wf.lastOffset = evt.Offset
		if evt.Kind.Command() {
			wf.commands[evt.Seq] = evt
			if evt.Seq > wf.maxSeq {
				wf.maxSeq = evt.Seq
			}
			continue
		}
		switch evt.Kind {
		case event.KindTaskCompleted, event.KindTaskFailed:
			var r event.TaskResult
			if err := eng.codec.Unmarshal(evt.Payload, &r); err != nil {
				return nil, fmt.Errorf("engine: decode %s at offset %d: %w", evt.Kind, evt.Offset, err)
			}
			wf.results[r.TaskID.String()] = &r
			wf.failures[r.TaskID.String()] = evt.Kind == event.KindTaskFailed
		case event.KindTimerFired:
			var tf event.TimerFired
			if err := eng.codec.Unmarshal(evt.Payload, &tf); err != nil {
				return nil, fmt.Errorf("engine: decode %s at offset %d: %w", evt.Kind, evt.Offset, err)
			}
			wf.fired[tf.TimerID.String()] = true
		case event.KindSignalReceived:
			var sr event.SignalReceived
			if err := eng.codec.Unmarshal(evt.Payload, &sr); err != nil {
				return nil, fmt.Errorf("engine: decode %s at offset %d: %w", evt.Kind, evt.Offset, err)
			}
			wf.signals = append(wf.signals, &inboundSignal{sig: sr})
		case event.KindChildTerminated:
			var ct event.ChildTerminated
			if err := eng.codec.Unmarshal(evt.Payload, &ct); err != nil {
				return nil, fmt.Errorf("engine: decode %s at offset %d: %w", evt.Kind, evt.Offset, err)
			}
			wf.children[ct.ChildID.String()] = &ct
		}
	}
	return wf, nil
}

// InstanceID returns the ID of the advancing instance.
func (wf *Context) InstanceID() id.InstanceID { return wf.inst.ID }

// Input returns the instance's raw encoded input.
func (wf *Context) Input() []byte { return wf.inst.Input }

// DecodeInput decodes the instance's input into v.
func (wf *Context) DecodeInput(v any) error {
	if len(wf.inst.Input) == 0 {
		return nil
	}
	if err := wf.eng.codec.Unmarshal(wf.inst.Input, v); err != nil {
		return fmt.Errorf("engine: decode input: %w", err)
	}
	return nil
}

// DecodeSignal decodes a signal payload into v using the engine codec.
func (wf *Context) DecodeSignal(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := wf.eng.codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("engine: decode signal payload: %w", err)
	}
	return nil
}

// Logger returns a logger annotated with the instance identity. Safe to use
// from workflow code: logging is a side effect the log does not record.
func (wf *Context) Logger() *slog.Logger {
	return wf.eng.logger.With(
		slog.String("instance_id", wf.inst.ID.String()),
		slog.String("workflow", wf.inst.Workflow),
	)
}

// SetOutput records the value returned as the instance's output when the
// workflow function completes.
func (wf *Context) SetOutput(v any) error {
	raw, err := wf.eng.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("engine: encode output: %w", err)
	}
	wf.output = raw
	return nil
}

// nextCommand advances the command cursor. It returns the recorded command
// event at this position, or nil when execution has moved past the recorded
// prefix. A kind mismatch is a divergence.
func (wf *Context) nextCommand(kind event.Kind) (*event.Event, int, error) {
	seq := wf.seq
	wf.seq++
	cmd, ok := wf.commands[seq]
	if !ok {
		return nil, seq, nil
	}
	if cmd.Kind != kind {
		return nil, seq, &DivergenceError{InstanceID: wf.inst.ID, Seq: seq, Recorded: cmd.Kind, Issued: kind}
	}
	return cmd, seq, nil
}

func (wf *Context) recordCommand(kind event.Kind, seq int, payload any) error {
	raw, err := wf.eng.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("engine: encode %s: %w", kind, err)
	}
	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: wf.inst.ID,
		Kind:       kind,
		Seq:        seq,
		Payload:    raw,
		At:         time.Now().UTC(),
	}
	if err := wf.eng.log.AppendEvent(wf.ctx, evt); err != nil {
		return fmt.Errorf("%w: record %s: %v", errHalt, kind, err)
	}
	return nil
}

func (wf *Context) decodeCommand(cmd *event.Event, v any) error {
	if err := wf.eng.codec.Unmarshal(cmd.Payload, v); err != nil {
		return fmt.Errorf("engine: decode %s at seq %d: %w", cmd.Kind, cmd.Seq, err)
	}
	return nil
}

// cancelCheck consumes a pending cancellation signal, if any. Called at
// every suspension point so cancellation is observed at the next blocking
// call, never mid-step.
func (wf *Context) cancelCheck() error {
	for _, s := range wf.signals {
		if s.consumed || s.sig.Name != signal.NameCancel {
			continue
		}
		s.consumed = true
		return ErrCancelled
	}
	return nil
}

// unconsumedCommands reports whether recorded command events were never
// re-issued by the workflow function — a divergence in the shrinking
// direction.
func (wf *Context) unconsumedCommands() bool {
	return wf.seq <= wf.maxSeq
}

// ──────────────────────────────────────────────────
// Blocking calls
// ──────────────────────────────────────────────────

// ExecuteTask schedules an operation as a durable task and blocks until its
// single terminal outcome is in the log. The task ID is minted once; replay
// reuses it, so at-least-once attempts converge on one recorded result.
func ExecuteTask[I, O any](wf *Context, operation string, input I) (O, error) {
	var zero O
	raw, err := wf.eng.codec.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("engine: encode %q input: %w", operation, err)
	}
	out, err := wf.executeTask(operation, raw)
	if err != nil {
		return zero, err
	}
	var result O
	if len(out) > 0 {
		if err := wf.eng.codec.Unmarshal(out, &result); err != nil {
			return zero, fmt.Errorf("engine: decode %q output: %w", operation, err)
		}
	}
	return result, nil
}

func (wf *Context) executeTask(operation string, input []byte) ([]byte, error) {
	cmd, seq, err := wf.nextCommand(event.KindTaskScheduled)
	if err != nil {
		return nil, err
	}

	if cmd != nil {
		var sched event.TaskScheduled
		if err := wf.decodeCommand(cmd, &sched); err != nil {
			return nil, err
		}
		if sched.Operation != operation {
			return nil, &DivergenceError{
				InstanceID: wf.inst.ID, Seq: seq,
				Recorded: cmd.Kind, Issued: cmd.Kind,
				Detail: fmt.Sprintf("recorded operation %q, issued %q", sched.Operation, operation),
			}
		}
		if r, ok := wf.results[sched.TaskID.String()]; ok {
			if wf.failures[sched.TaskID.String()] {
				return nil, &TaskError{
					TaskID:    sched.TaskID,
					Operation: operation,
					Message:   r.Error,
					Reason:    r.Reason,
					Attempts:  r.Attempt,
				}
			}
			return r.Output, nil
		}
		// Outcome still pending. Make sure the task row survived any crash
		// between record and enqueue, then park.
		if wf.readonly {
			return nil, ErrSuspended
		}
		if err := wf.cancelCheck(); err != nil {
			return nil, err
		}
		if err := wf.eng.ensureTask(wf.ctx, wf.inst, sched.TaskID, operation, sched.Input); err != nil {
			return nil, err
		}
		wf.park(awaitState{status: instance.StatusBlockedOnTask, taskID: sched.TaskID})
		return nil, ErrSuspended
	}

	if wf.readonly {
		return nil, ErrSuspended
	}
	if err := wf.cancelCheck(); err != nil {
		return nil, err
	}
	taskID := id.NewTaskID()
	if err := wf.recordCommand(event.KindTaskScheduled, seq, event.TaskScheduled{
		TaskID:    taskID,
		Operation: operation,
		Input:     input,
	}); err != nil {
		return nil, err
	}
	if err := wf.eng.ensureTask(wf.ctx, wf.inst, taskID, operation, input); err != nil {
		return nil, err
	}
	wf.park(awaitState{status: instance.StatusBlockedOnTask, taskID: taskID})
	return nil, ErrSuspended
}

// Sleep blocks until a durable timer fires. The deadline is absolute and
// chosen once: a process restart re-arms the remaining wait instead of
// starting over.
func (wf *Context) Sleep(d time.Duration) error {
	cmd, seq, err := wf.nextCommand(event.KindTimerSet)
	if err != nil {
		return err
	}

	if cmd != nil {
		var ts event.TimerSet
		if err := wf.decodeCommand(cmd, &ts); err != nil {
			return err
		}
		if wf.fired[ts.TimerID.String()] {
			return nil
		}
		if wf.readonly {
			return ErrSuspended
		}
		if err := wf.cancelCheck(); err != nil {
			return err
		}
		wf.eng.armTimer(wf.inst.ID, ts.TimerID, ts.FireAt)
		wf.park(awaitState{status: instance.StatusBlockedOnTimer, timerID: ts.TimerID, fireAt: ts.FireAt})
		return ErrSuspended
	}

	if wf.readonly {
		return ErrSuspended
	}
	if err := wf.cancelCheck(); err != nil {
		return err
	}
	timerID := id.NewTimerID()
	fireAt := time.Now().UTC().Add(d)
	if err := wf.recordCommand(event.KindTimerSet, seq, event.TimerSet{TimerID: timerID, FireAt: fireAt}); err != nil {
		return err
	}
	wf.eng.armTimer(wf.inst.ID, timerID, fireAt)
	wf.park(awaitState{status: instance.StatusBlockedOnTimer, timerID: timerID, fireAt: fireAt})
	return ErrSuspended
}

// Now reads the wall clock, recording the value so replay observes the
// identical timestamp.
func (wf *Context) Now() (time.Time, error) {
	cmd, seq, err := wf.nextCommand(event.KindCurrentTimeRead)
	if err != nil {
		return time.Time{}, err
	}
	if cmd != nil {
		var tr event.TimeRead
		if err := wf.decodeCommand(cmd, &tr); err != nil {
			return time.Time{}, err
		}
		return tr.At, nil
	}
	if wf.readonly {
		return time.Time{}, ErrSuspended
	}
	now := time.Now().UTC()
	if err := wf.recordCommand(event.KindCurrentTimeRead, seq, event.TimeRead{At: now}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// WaitForSignal blocks until a signal with any of the given names is in
// the mailbox, consuming the oldest unconsumed match and returning its
// payload and name. Signals from one sender are observed in send order.
func (wf *Context) WaitForSignal(names ...string) ([]byte, string, error) {
	if len(names) == 0 {
		return nil, "", fmt.Errorf("engine: WaitForSignal requires at least one name")
	}
	for _, s := range wf.signals {
		if s.consumed || !slices.Contains(names, s.sig.Name) {
			continue
		}
		s.consumed = true
		return s.sig.Payload, s.sig.Name, nil
	}
	if wf.readonly {
		return nil, "", ErrSuspended
	}
	if err := wf.cancelCheck(); err != nil {
		return nil, "", err
	}
	wf.park(awaitState{status: instance.StatusBlockedOnSignal, signals: slices.Clone(names)})
	return nil, "", ErrSuspended
}

// PollSignal is the non-blocking mailbox check. The observed answer — found
// or not — is recorded as a command so replay sees the same answer even
// after more signals arrive.
func (wf *Context) PollSignal(name string) ([]byte, bool, error) {
	cmd, seq, err := wf.nextCommand(event.KindSignalPolled)
	if err != nil {
		return nil, false, err
	}

	if cmd != nil {
		var p event.SignalPolled
		if err := wf.decodeCommand(cmd, &p); err != nil {
			return nil, false, err
		}
		if p.Name != name {
			return nil, false, &DivergenceError{
				InstanceID: wf.inst.ID, Seq: seq,
				Recorded: cmd.Kind, Issued: cmd.Kind,
				Detail: fmt.Sprintf("recorded poll for %q, issued %q", p.Name, name),
			}
		}
		if p.Found {
			wf.consumeByID(p.SignalID)
			return p.Payload, true, nil
		}
		return nil, false, nil
	}

	if wf.readonly {
		return nil, false, ErrSuspended
	}
	polled := event.SignalPolled{Name: name}
	for _, s := range wf.signals {
		if s.consumed || s.sig.Name != name {
			continue
		}
		s.consumed = true
		polled.Found = true
		polled.SignalID = s.sig.SignalID
		polled.Payload = s.sig.Payload
		break
	}
	if err := wf.recordCommand(event.KindSignalPolled, seq, polled); err != nil {
		return nil, false, err
	}
	return polled.Payload, polled.Found, nil
}

func (wf *Context) consumeByID(signalID string) {
	for _, s := range wf.signals {
		if s.sig.SignalID == signalID {
			s.consumed = true
			return
		}
	}
}

// SendSignal delivers a signal to another instance. The signal ID derives
// from the sender and command sequence, so replay-driven redelivery is
// absorbed by the target's dedup. Returns *signal.UndeliverableError when
// the target is missing or terminal.
func (wf *Context) SendSignal(target id.InstanceID, name string, payload any) error {
	cmd, seq, err := wf.nextCommand(event.KindSignalSent)
	if err != nil {
		return err
	}

	if cmd != nil {
		var sent event.SignalSent
		if err := wf.decodeCommand(cmd, &sent); err != nil {
			return err
		}
		if sent.Name != name || sent.Target != target {
			return &DivergenceError{
				InstanceID: wf.inst.ID, Seq: seq,
				Recorded: cmd.Kind, Issued: cmd.Kind,
				Detail: fmt.Sprintf("recorded send %q to %s, issued %q to %s", sent.Name, sent.Target, name, target),
			}
		}
		return nil
	}

	if wf.readonly {
		return ErrSuspended
	}
	var raw []byte
	if payload != nil {
		raw, err = wf.eng.codec.Marshal(payload)
		if err != nil {
			return fmt.Errorf("engine: encode signal %q payload: %w", name, err)
		}
	}

	// Deliver before recording: a crash in between redelivers under the
	// same ID and the target's dedup absorbs it. The reverse order would
	// drop the signal.
	signalID := fmt.Sprintf("%s/%d", wf.inst.ID, seq)
	_, err = wf.eng.router.Deliver(wf.ctx, &signal.Signal{
		ID:      signalID,
		Target:  target,
		Origin:  wf.inst.ID,
		Name:    name,
		Payload: raw,
	})
	if err != nil {
		var ue *signal.UndeliverableError
		if errors.As(err, &ue) {
			return err
		}
		return fmt.Errorf("%w: send signal: %v", errHalt, err)
	}

	return wf.recordCommand(event.KindSignalSent, seq, event.SignalSent{
		SignalID: signalID,
		Target:   target,
		Name:     name,
	})
}

// SpawnChild starts a child instance and returns its ID without waiting for
// it. The child ID is minted once and recovered from the log on replay.
func SpawnChild[I any](wf *Context, kind string, input I) (id.InstanceID, error) {
	raw, err := wf.eng.codec.Marshal(input)
	if err != nil {
		return id.Nil, fmt.Errorf("engine: encode child %q input: %w", kind, err)
	}
	return wf.spawnChild(kind, raw)
}

func (wf *Context) spawnChild(kind string, input []byte) (id.InstanceID, error) {
	cmd, seq, err := wf.nextCommand(event.KindChildSpawned)
	if err != nil {
		return id.Nil, err
	}

	if cmd != nil {
		var cs event.ChildSpawned
		if err := wf.decodeCommand(cmd, &cs); err != nil {
			return id.Nil, err
		}
		if cs.Kind != kind {
			return id.Nil, &DivergenceError{
				InstanceID: wf.inst.ID, Seq: seq,
				Recorded: cmd.Kind, Issued: cmd.Kind,
				Detail: fmt.Sprintf("recorded child kind %q, issued %q", cs.Kind, kind),
			}
		}
		if wf.readonly {
			return cs.ChildID, nil
		}
		// Idempotent: recreates the child only if the crash landed between
		// record and create.
		if err := wf.eng.ensureChild(wf.ctx, wf.inst, cs.ChildID, kind, cs.Input); err != nil {
			return id.Nil, err
		}
		return cs.ChildID, nil
	}

	if wf.readonly {
		return id.Nil, ErrSuspended
	}
	if err := wf.cancelCheck(); err != nil {
		return id.Nil, err
	}
	childID := id.NewInstanceID()
	if err := wf.recordCommand(event.KindChildSpawned, seq, event.ChildSpawned{
		ChildID: childID,
		Kind:    kind,
		Input:   input,
	}); err != nil {
		return id.Nil, err
	}
	if err := wf.eng.ensureChild(wf.ctx, wf.inst, childID, kind, input); err != nil {
		return id.Nil, err
	}
	return childID, nil
}

// ChildResult is the terminal outcome of an awaited child.
type ChildResult struct {
	ChildID id.InstanceID
	Status  instance.Status
	Output  []byte
	Error   string
}

// DecodeOutput unmarshals the child's output into v.
func (r *ChildResult) DecodeOutput(c codec.Codec, v any) error {
	return c.Unmarshal(r.Output, v)
}

// WaitForChild blocks until the given child reaches a terminal status.
func (wf *Context) WaitForChild(childID id.InstanceID) (*ChildResult, error) {
	if ct, ok := wf.children[childID.String()]; ok {
		return &ChildResult{
			ChildID: childID,
			Status:  instance.Status(ct.Status),
			Output:  ct.Output,
			Error:   ct.Error,
		}, nil
	}
	if wf.readonly {
		return nil, ErrSuspended
	}
	if err := wf.cancelCheck(); err != nil {
		return nil, err
	}
	wf.park(awaitState{status: instance.StatusBlockedOnSignal, signals: []string{"vigil.child:" + childID.String()}})
	return nil, ErrSuspended
}

func (wf *Context) park(a awaitState) {
	wf.await = a
}
