package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/engine"
	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
	"github.com/vigilhq/vigil/store/memory"
	"github.com/vigilhq/vigil/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store    *memory.Store
	taskReg  *task.Registry
	wfReg    *engine.Registry
	router   *signal.Router
	eng      *engine.Engine
	workerID id.WorkerID
}

func newHarness(t *testing.T, opts ...func(*engine.Options)) *harness {
	t.Helper()
	s := memory.New()
	taskReg := task.NewRegistry(codec.Default())
	wfReg := engine.NewRegistry()
	router := signal.NewRouter(s, s, s, codec.Default(), testLogger())

	eopts := engine.Options{
		Instances: s,
		Log:       s,
		Tasks:     s,
		TaskDefs:  taskReg,
		Workflows: wfReg,
		Router:    router,
		Codec:     codec.Default(),
		Logger:    testLogger(),
	}
	for _, o := range opts {
		o(&eopts)
	}
	eng, err := engine.New(eopts)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	router.SetNotifier(eng)
	t.Cleanup(eng.Close)

	return &harness{
		store:    s,
		taskReg:  taskReg,
		wfReg:    wfReg,
		router:   router,
		eng:      eng,
		workerID: id.NewWorkerID(),
	}
}

func (h *harness) start(t *testing.T, workflow string, input any) id.InstanceID {
	t.Helper()
	var raw []byte
	if input != nil {
		var err error
		raw, err = codec.Default().Marshal(input)
		if err != nil {
			t.Fatalf("marshal input: %v", err)
		}
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
	if err := h.store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := h.eng.Advance(context.Background(), inst.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	return inst.ID
}

// pumpTasks plays the scheduler's role: claims due tasks, runs their
// handlers, and feeds the outcome back through OnTaskDone.
func (h *harness) pumpTasks(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	claimed, err := h.store.DequeueTasks(ctx, h.workerID, 100)
	if err != nil {
		t.Fatalf("DequeueTasks() error = %v", err)
	}
	for _, tk := range claimed {
		def, ok := h.taskReg.Lookup(tk.Operation)
		if !ok {
			t.Fatalf("operation %q not registered", tk.Operation)
		}
		out, runErr := def.Handler(ctx, tk.Input)
		reason := ""
		if runErr != nil {
			tk.Status = task.StatusFailed
			tk.Error = runErr.Error()
			reason = event.ReasonTerminal
		} else {
			tk.Status = task.StatusCompleted
			tk.Output = out
		}
		won, err := h.store.CompleteTask(ctx, tk)
		if err != nil {
			t.Fatalf("CompleteTask() error = %v", err)
		}
		if won {
			if err := h.eng.OnTaskDone(ctx, tk, reason); err != nil {
				t.Fatalf("OnTaskDone() error = %v", err)
			}
		}
	}
}

func (h *harness) waitStatus(t *testing.T, instID id.InstanceID, want instance.Status) *instance.Instance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.pumpTasks(t)
		inst, err := h.store.GetInstance(context.Background(), instID)
		if err != nil {
			t.Fatalf("GetInstance() error = %v", err)
		}
		if inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	inst, _ := h.store.GetInstance(context.Background(), instID)
	t.Fatalf("instance never reached %s (status %s)", want, inst.Status)
	return nil
}

func (h *harness) kinds(t *testing.T, instID id.InstanceID) []event.Kind {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), instID, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	kinds := make([]event.Kind, len(events))
	for i, evt := range events {
		kinds[i] = evt.Kind
	}
	return kinds
}

type numIn struct {
	V int `json:"v"`
}

type numOut struct {
	V int `json:"v"`
}

func registerDouble(t *testing.T, h *harness) {
	t.Helper()
	err := task.Register(h.taskReg, "math.double", func(_ context.Context, in numIn) (numOut, error) {
		return numOut{V: in.V * 2}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func TestAdvance_CompletesSimpleWorkflow(t *testing.T) {
	h := newHarness(t)
	registerDouble(t, h)

	err := engine.Define(h.wfReg, "doubler", func(wf *engine.Context, in numIn) error {
		out, err := engine.ExecuteTask[numIn, numOut](wf, "math.double", in)
		if err != nil {
			return err
		}
		return wf.SetOutput(out)
	})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	instID := h.start(t, "doubler", numIn{V: 21})

	blocked, _ := h.store.GetInstance(context.Background(), instID)
	if blocked.Status != instance.StatusBlockedOnTask {
		t.Errorf("Status after first advance = %q, want %q", blocked.Status, instance.StatusBlockedOnTask)
	}
	if blocked.AwaitTaskID.IsNil() {
		t.Error("AwaitTaskID not persisted on suspension")
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)

	var out numOut
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.V != 42 {
		t.Errorf("output = %d, want 42", out.V)
	}

	want := []event.Kind{event.KindTaskScheduled, event.KindTaskCompleted, event.KindInstanceCompleted}
	got := h.kinds(t, instID)
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAdvance_ReplayIsStable(t *testing.T) {
	h := newHarness(t)
	registerDouble(t, h)

	err := engine.Define(h.wfReg, "chain", func(wf *engine.Context, in numIn) error {
		started, err := wf.Now()
		if err != nil {
			return err
		}
		a, err := engine.ExecuteTask[numIn, numOut](wf, "math.double", in)
		if err != nil {
			return err
		}
		b, err := engine.ExecuteTask[numIn, numOut](wf, "math.double", numIn{V: a.V})
		if err != nil {
			return err
		}
		_ = started
		return wf.SetOutput(b)
	})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	instID := h.start(t, "chain", numIn{V: 10})
	done := h.waitStatus(t, instID, instance.StatusCompleted)

	var out numOut
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.V != 40 {
		t.Errorf("output = %d, want 40", out.V)
	}

	// The wall-clock read was recorded exactly once despite three advances.
	timeReads := 0
	for _, k := range h.kinds(t, instID) {
		if k == event.KindCurrentTimeRead {
			timeReads++
		}
	}
	if timeReads != 1 {
		t.Errorf("time_read events = %d, want 1", timeReads)
	}

	// Re-running the history is clean, as many times as asked.
	for i := range 3 {
		if err := h.eng.Replay(context.Background(), instID); err != nil {
			t.Errorf("Replay() #%d error = %v, want nil", i+1, err)
		}
	}
}

func TestAdvance_TaskFailureFailsInstance(t *testing.T) {
	h := newHarness(t)
	err := task.Register(h.taskReg, "always.fail", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, task.Terminal(errors.New("symbol not listed"))
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err = h.wfReg.Register("fragile", func(wf *engine.Context) error {
		_, err := engine.ExecuteTask[struct{}, struct{}](wf, "always.fail", struct{}{})
		return err
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "fragile", nil)
	done := h.waitStatus(t, instID, instance.StatusFailed)

	if done.Error == "" {
		t.Error("failed instance carries no error message")
	}
}

func TestAdvance_WorkflowHandlesTaskFailure(t *testing.T) {
	h := newHarness(t)
	err := task.Register(h.taskReg, "always.fail", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, task.Terminal(errors.New("rejected"))
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err = h.wfReg.Register("resilient", func(wf *engine.Context) error {
		_, err := engine.ExecuteTask[struct{}, struct{}](wf, "always.fail", struct{}{})
		if err != nil {
			var te *engine.TaskError
			if errors.As(err, &te) {
				return wf.SetOutput("fallback")
			}
			return err
		}
		return wf.SetOutput("unexpected")
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "resilient", nil)
	done := h.waitStatus(t, instID, instance.StatusCompleted)

	var out string
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out != "fallback" {
		t.Errorf("output = %q, want %q", out, "fallback")
	}
}

func TestSleep_DurableTimer(t *testing.T) {
	h := newHarness(t)

	err := h.wfReg.Register("napper", func(wf *engine.Context) error {
		if err := wf.Sleep(40 * time.Millisecond); err != nil {
			return err
		}
		return wf.SetOutput("rested")
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "napper", nil)

	blocked, _ := h.store.GetInstance(context.Background(), instID)
	if blocked.Status != instance.StatusBlockedOnTimer {
		t.Errorf("Status = %q, want %q", blocked.Status, instance.StatusBlockedOnTimer)
	}
	if blocked.TimerFireAt == nil {
		t.Error("TimerFireAt not persisted on suspension")
	}

	h.waitStatus(t, instID, instance.StatusCompleted)

	kinds := h.kinds(t, instID)
	want := []event.Kind{event.KindTimerSet, event.KindTimerFired, event.KindInstanceCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
}

func TestWaitForSignal_ResumesOnDelivery(t *testing.T) {
	h := newHarness(t)

	err := h.wfReg.Register("listener", func(wf *engine.Context) error {
		payload, _, err := wf.WaitForSignal("plan.update")
		if err != nil {
			return err
		}
		var symbols []string
		if err := codec.Default().Unmarshal(payload, &symbols); err != nil {
			return err
		}
		return wf.SetOutput(symbols)
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "listener", nil)

	blocked, _ := h.store.GetInstance(context.Background(), instID)
	if blocked.Status != instance.StatusBlockedOnSignal {
		t.Errorf("Status = %q, want %q", blocked.Status, instance.StatusBlockedOnSignal)
	}
	if len(blocked.AwaitSignals) != 1 || blocked.AwaitSignals[0] != "plan.update" {
		t.Errorf("AwaitSignals = %v, want [plan.update]", blocked.AwaitSignals)
	}

	payload, _ := codec.Default().Marshal([]string{"AAPL", "MSFT"})
	_, err = h.router.Deliver(context.Background(), &signal.Signal{
		Target:  instID,
		Name:    "plan.update",
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)
	var out []string
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out) != 2 || out[0] != "AAPL" {
		t.Errorf("output = %v, want [AAPL MSFT]", out)
	}
}

func TestWaitForSignal_ConsumesInArrivalOrder(t *testing.T) {
	h := newHarness(t)

	err := h.wfReg.Register("collector", func(wf *engine.Context) error {
		var got []int
		for range 3 {
			payload, _, err := wf.WaitForSignal("tick")
			if err != nil {
				return err
			}
			var n int
			if err := codec.Default().Unmarshal(payload, &n); err != nil {
				return err
			}
			got = append(got, n)
		}
		return wf.SetOutput(got)
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "collector", nil)

	for i := 1; i <= 3; i++ {
		payload, _ := codec.Default().Marshal(i)
		_, err := h.router.Deliver(context.Background(), &signal.Signal{
			ID:      fmt.Sprintf("tick/%d", i),
			Target:  instID,
			Name:    "tick",
			Payload: payload,
		})
		if err != nil {
			t.Fatalf("Deliver(%d) error = %v", i, err)
		}
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)
	var out []int
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out) != 3 || out[0] != 1 || out[1] != 2 || out[2] != 3 {
		t.Errorf("output = %v, want [1 2 3]", out)
	}
}

func TestWaitForSignal_MatchesAnyOfNames(t *testing.T) {
	h := newHarness(t)

	err := h.wfReg.Register("either", func(wf *engine.Context) error {
		_, name, err := wf.WaitForSignal("price.alert", "watch.done")
		if err != nil {
			return err
		}
		return wf.SetOutput(name)
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "either", nil)

	blocked, _ := h.store.GetInstance(context.Background(), instID)
	if len(blocked.AwaitSignals) != 2 {
		t.Fatalf("AwaitSignals = %v, want both awaited names", blocked.AwaitSignals)
	}

	_, err = h.router.Deliver(context.Background(), &signal.Signal{
		Target: instID,
		Name:   "watch.done",
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)
	var got string
	if err := codec.Default().Unmarshal(done.Output, &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got != "watch.done" {
		t.Errorf("matched name = %q, want %q", got, "watch.done")
	}
}

func TestPollSignal_AnswerIsRecorded(t *testing.T) {
	h := newHarness(t)

	err := h.wfReg.Register("poller", func(wf *engine.Context) error {
		_, found, err := wf.PollSignal("price.alert")
		if err != nil {
			return err
		}
		if err := wf.Sleep(60 * time.Millisecond); err != nil {
			return err
		}
		return wf.SetOutput(found)
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "poller", nil)

	// A matching signal arrives after the poll already answered "not found".
	// The recorded answer must hold on every later advance.
	_, err = h.router.Deliver(context.Background(), &signal.Signal{
		Target: instID,
		Name:   "price.alert",
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)
	var found bool
	if err := codec.Default().Unmarshal(done.Output, &found); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if found {
		t.Error("poll answer changed after replay, want the recorded 'not found'")
	}
}

func TestDivergence_FlaggedAndHeld(t *testing.T) {
	h := newHarness(t)
	registerDouble(t, h)
	err := task.Register(h.taskReg, "math.triple", func(_ context.Context, in numIn) (numOut, error) {
		return numOut{V: in.V * 3}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var flip atomic.Bool
	err = h.wfReg.Register("shifty", func(wf *engine.Context) error {
		op := "math.double"
		if flip.Load() {
			op = "math.triple"
		}
		_, err := engine.ExecuteTask[numIn, numOut](wf, op, numIn{V: 1})
		if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "shifty", nil)

	// The logic changes its mind between advances.
	flip.Store(true)
	h.pumpTasks(t)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		inst, _ := h.store.GetInstance(context.Background(), instID)
		if inst.Diverged {
			if inst.Status.Terminal() {
				t.Errorf("diverged instance reached terminal status %q, want held", inst.Status)
			}
			var div *engine.DivergenceError
			if err := h.eng.Replay(context.Background(), instID); !errors.As(err, &div) {
				t.Errorf("Replay() error = %v, want DivergenceError", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("instance never flagged as diverged")
}

func TestCancel_CooperativeViaSignal(t *testing.T) {
	h := newHarness(t)

	err := h.wfReg.Register("patient", func(wf *engine.Context) error {
		_, _, err := wf.WaitForSignal("never.sent")
		if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "patient", nil)

	_, err = h.router.Deliver(context.Background(), &signal.Signal{
		Target: instID,
		Name:   signal.NameCancel,
	})
	if err != nil {
		t.Fatalf("Deliver(cancel) error = %v", err)
	}

	done := h.waitStatus(t, instID, instance.StatusCancelled)
	if done.CompletedAt == nil {
		t.Error("cancelled instance has no CompletedAt")
	}
}

func TestForceCancel_TerminalizesAndCancelsTasks(t *testing.T) {
	h := newHarness(t)
	err := task.Register(h.taskReg, "slow.op", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err = h.wfReg.Register("stuck", func(wf *engine.Context) error {
		_, err := engine.ExecuteTask[struct{}, struct{}](wf, "slow.op", struct{}{})
		return err
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "stuck", nil)

	if err := h.eng.ForceCancel(context.Background(), instID, "shutdown"); err != nil {
		t.Fatalf("ForceCancel() error = %v", err)
	}

	inst, _ := h.store.GetInstance(context.Background(), instID)
	if inst.Status != instance.StatusCancelled {
		t.Errorf("Status = %q, want %q", inst.Status, instance.StatusCancelled)
	}

	tasks, _ := h.store.ListTasksForInstance(context.Background(), instID)
	if len(tasks) != 1 {
		t.Fatalf("instance has %d tasks, want 1", len(tasks))
	}
	if tasks[0].Status != task.StatusCancelled {
		t.Errorf("task Status = %q, want %q", tasks[0].Status, task.StatusCancelled)
	}
}

// miniSupervisor is just enough lifecycle to exercise child spawning from
// engine tests without the full supervisor.
type miniSupervisor struct {
	h *harness
}

func (m *miniSupervisor) EnsureChild(ctx context.Context, parent *instance.Instance, childID id.InstanceID, kind string, input []byte) error {
	pid := parent.ID
	child := &instance.Instance{
		Entity:    vigil.NewEntity(),
		ID:        childID,
		Workflow:  kind,
		Kind:      instance.KindChild,
		ParentID:  &pid,
		Status:    instance.StatusCreated,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}
	err := m.h.store.CreateInstance(ctx, child)
	if errors.Is(err, vigil.ErrInstanceExists) {
		return nil
	}
	if err != nil {
		return err
	}
	m.h.eng.Notify(childID)
	return nil
}

func (m *miniSupervisor) OnInstanceTerminal(ctx context.Context, inst *instance.Instance) {
	if inst.ParentID == nil {
		return
	}
	payload, _ := codec.Default().Marshal(event.ChildTerminated{ChildID: inst.ID, Status: string(inst.Status)})
	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: *inst.ParentID,
		Kind:       event.KindChildTerminated,
		Payload:    payload,
		At:         time.Now().UTC(),
	}
	_ = m.h.store.AppendEvent(ctx, evt)
	m.h.eng.Notify(*inst.ParentID)
}

func TestSpawnChild_WaitForChild(t *testing.T) {
	h := newHarness(t)
	h.eng.SetLifecycle(&miniSupervisor{h: h})

	err := engine.Define(h.wfReg, "leaf", func(wf *engine.Context, in numIn) error {
		return wf.SetOutput(numOut{V: in.V})
	})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	err = h.wfReg.Register("parent", func(wf *engine.Context) error {
		childID, err := engine.SpawnChild(wf, "leaf", numIn{V: 7})
		if err != nil {
			return err
		}
		result, err := wf.WaitForChild(childID)
		if err != nil {
			return err
		}
		return wf.SetOutput(string(result.Status))
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instID := h.start(t, "parent", nil)
	done := h.waitStatus(t, instID, instance.StatusCompleted)

	var out string
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out != string(instance.StatusCompleted) {
		t.Errorf("output = %q, want %q", out, instance.StatusCompleted)
	}

	children, _ := h.store.ListChildren(context.Background(), instID)
	if len(children) != 1 {
		t.Fatalf("ListChildren() = %d, want 1", len(children))
	}
	if children[0].Kind != instance.KindChild {
		t.Errorf("child Kind = %q, want %q", children[0].Kind, instance.KindChild)
	}
}

func TestSendSignal_DeliveredOnce(t *testing.T) {
	h := newHarness(t)
	registerDouble(t, h)

	err := h.wfReg.Register("receiver", func(wf *engine.Context) error {
		payload, _, err := wf.WaitForSignal("ping")
		if err != nil {
			return err
		}
		var n int
		if err := codec.Default().Unmarshal(payload, &n); err != nil {
			return err
		}
		return wf.SetOutput(n)
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	type senderInput struct {
		Target id.InstanceID `json:"target"`
	}
	err = engine.Define(h.wfReg, "sender", func(wf *engine.Context, in senderInput) error {
		if err := wf.SendSignal(in.Target, "ping", 99); err != nil {
			return err
		}
		// A task after the send forces a replay through the send path.
		_, err := engine.ExecuteTask[numIn, numOut](wf, "math.double", numIn{V: 1})
		return err
	})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	receiverID := h.start(t, "receiver", nil)
	senderID := h.start(t, "sender", senderInput{Target: receiverID})

	h.waitStatus(t, senderID, instance.StatusCompleted)
	done := h.waitStatus(t, receiverID, instance.StatusCompleted)

	var n int
	if err := codec.Default().Unmarshal(done.Output, &n); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if n != 99 {
		t.Errorf("receiver output = %d, want 99", n)
	}

	// Replaying the sender did not redeliver.
	received := 0
	for _, k := range h.kinds(t, receiverID) {
		if k == event.KindSignalReceived {
			received++
		}
	}
	if received != 1 {
		t.Errorf("receiver has %d signal_received events, want 1", received)
	}
}

func TestQueueDepth_Backpressure(t *testing.T) {
	h := newHarness(t, func(o *engine.Options) {
		o.QueueDepth = 1
		o.RetryInterval = 20 * time.Millisecond
	})
	registerDouble(t, h)

	err := engine.Define(h.wfReg, "doubler", func(wf *engine.Context, in numIn) error {
		out, err := engine.ExecuteTask[numIn, numOut](wf, "math.double", in)
		if err != nil {
			return err
		}
		return wf.SetOutput(out)
	})
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	// Fill the queue before the instance tries to schedule.
	filler := &task.Task{
		Entity:      vigil.NewEntity(),
		ID:          id.NewTaskID(),
		InstanceID:  id.NewInstanceID(),
		Operation:   "math.double",
		Status:      task.StatusPending,
		MaxAttempts: 1,
		RunAt:       time.Now().UTC(),
	}
	if err := h.store.EnqueueTask(context.Background(), filler); err != nil {
		t.Fatalf("EnqueueTask() error = %v", err)
	}

	inst := &instance.Instance{
		Entity:    vigil.NewEntity(),
		ID:        id.NewInstanceID(),
		Workflow:  "doubler",
		Kind:      instance.KindParent,
		Status:    instance.StatusCreated,
		StartedAt: time.Now().UTC(),
	}
	raw, _ := codec.Default().Marshal(numIn{V: 5})
	inst.Input = raw
	if err := h.store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	err = h.eng.Advance(context.Background(), inst.ID)
	if !errors.Is(err, vigil.ErrQueueFull) {
		t.Fatalf("Advance() error = %v, want ErrQueueFull", err)
	}

	// No task was scheduled and the instance was not failed.
	held, _ := h.store.GetInstance(context.Background(), inst.ID)
	if held.Status.Terminal() {
		t.Fatalf("backpressured instance reached terminal status %q", held.Status)
	}

	// Drain the queue; the parked advance retries on its own.
	claimed, _ := h.store.DequeueTasks(context.Background(), h.workerID, 1)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d filler tasks, want 1", len(claimed))
	}
	claimed[0].Status = task.StatusCompleted
	if _, err := h.store.CompleteTask(context.Background(), claimed[0]); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}

	h.waitStatus(t, inst.ID, instance.StatusCompleted)
}
