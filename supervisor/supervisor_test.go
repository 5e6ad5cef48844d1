package supervisor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/engine"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
	"github.com/vigilhq/vigil/store/memory"
	"github.com/vigilhq/vigil/supervisor"
	"github.com/vigilhq/vigil/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store *memory.Store
	wfReg *engine.Registry
	eng   *engine.Engine
	sup   *supervisor.Supervisor
}

func newHarness(t *testing.T, opts ...supervisor.Option) *harness {
	t.Helper()
	s := memory.New()
	logger := testLogger()
	taskReg := task.NewRegistry(codec.Default())
	wfReg := engine.NewRegistry()
	router := signal.NewRouter(s, s, s, codec.Default(), logger)

	eng, err := engine.New(engine.Options{
		Instances: s,
		Log:       s,
		Tasks:     s,
		TaskDefs:  taskReg,
		Workflows: wfReg,
		Router:    router,
		Codec:     codec.Default(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	router.SetNotifier(eng)
	t.Cleanup(eng.Close)

	base := []supervisor.Option{supervisor.WithGraceTimeout(500 * time.Millisecond)}
	sup := supervisor.New(s, s, router, eng, codec.Default(), logger, append(base, opts...)...)

	return &harness{store: s, wfReg: wfReg, eng: eng, sup: sup}
}

func (h *harness) register(t *testing.T, kind string, runner engine.Runner) {
	t.Helper()
	if err := h.wfReg.Register(kind, runner); err != nil {
		t.Fatalf("Register(%q) error = %v", kind, err)
	}
}

func (h *harness) waitStatus(t *testing.T, instID id.InstanceID, want instance.Status) *instance.Instance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
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

func (h *harness) child(t *testing.T, parentID id.InstanceID) *instance.Instance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		children, err := h.store.ListChildren(context.Background(), parentID)
		if err != nil {
			t.Fatalf("ListChildren() error = %v", err)
		}
		if len(children) > 0 {
			return children[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("child never created")
	return nil
}

// waiter blocks on a signal that is never sent, so only cancellation ends it.
func waiter(wf *engine.Context) error {
	_, _, err := wf.WaitForSignal("never.sent")
	return err
}

func TestSpawn_RunsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.register(t, "echo", func(wf *engine.Context) error {
		var in string
		if err := wf.DecodeInput(&in); err != nil {
			return err
		}
		return wf.SetOutput(in)
	})

	instID, err := h.sup.Spawn(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)
	var out string
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out != "hello" {
		t.Errorf("output = %q, want %q", out, "hello")
	}
	if done.Kind != instance.KindParent {
		t.Errorf("Kind = %q, want %q", done.Kind, instance.KindParent)
	}
}

func TestChildTermination_ReachesParent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "leaf", func(wf *engine.Context) error {
		return wf.SetOutput("leaf done")
	})
	h.register(t, "parent", func(wf *engine.Context) error {
		childID, err := engine.SpawnChild(wf, "leaf", struct{}{})
		if err != nil {
			return err
		}
		result, err := wf.WaitForChild(childID)
		if err != nil {
			return err
		}
		var childOut string
		if err := result.DecodeOutput(codec.Default(), &childOut); err != nil {
			return err
		}
		return wf.SetOutput(childOut)
	})

	instID, err := h.sup.Spawn(context.Background(), "parent", struct{}{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)
	var out string
	if err := codec.Default().Unmarshal(done.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out != "leaf done" {
		t.Errorf("output = %q, want %q", out, "leaf done")
	}

	child := h.child(t, instID)
	if child.ParentID == nil || *child.ParentID != instID {
		t.Error("child does not point back at its parent")
	}
}

func TestChildFailure_IsIsolated(t *testing.T) {
	h := newHarness(t)
	h.register(t, "broken", func(_ *engine.Context) error {
		return errors.New("boom")
	})
	h.register(t, "steady", waiter)
	h.register(t, "parent", func(wf *engine.Context) error {
		brokenID, err := engine.SpawnChild(wf, "broken", struct{}{})
		if err != nil {
			return err
		}
		if _, err := engine.SpawnChild(wf, "steady", struct{}{}); err != nil {
			return err
		}
		result, err := wf.WaitForChild(brokenID)
		if err != nil {
			return err
		}
		return wf.SetOutput(string(result.Status))
	})

	instID, err := h.sup.Spawn(context.Background(), "parent", struct{}{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := h.waitStatus(t, instID, instance.StatusCompleted)
	var observed string
	if err := codec.Default().Unmarshal(done.Output, &observed); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if observed != string(instance.StatusFailed) {
		t.Errorf("parent observed child status %q, want %q", observed, instance.StatusFailed)
	}

	// The sibling kept running despite the failure next to it.
	children, _ := h.store.ListChildren(context.Background(), instID)
	var steady *instance.Instance
	for _, c := range children {
		if c.Workflow == "steady" {
			steady = c
		}
	}
	if steady == nil {
		t.Fatal("steady child not found")
	}
	if steady.Status.Terminal() {
		t.Errorf("sibling status = %q, want live", steady.Status)
	}
}

func TestTerminate_CascadesDepthFirst(t *testing.T) {
	h := newHarness(t)
	h.register(t, "grandchild", waiter)
	h.register(t, "child", func(wf *engine.Context) error {
		if _, err := engine.SpawnChild(wf, "grandchild", struct{}{}); err != nil {
			return err
		}
		_, _, err := wf.WaitForSignal("never.sent")
		return err
	})
	h.register(t, "root", func(wf *engine.Context) error {
		if _, err := engine.SpawnChild(wf, "child", struct{}{}); err != nil {
			return err
		}
		_, _, err := wf.WaitForSignal("never.sent")
		return err
	})

	rootID, err := h.sup.Spawn(context.Background(), "root", struct{}{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	child := h.child(t, rootID)
	grandchild := h.child(t, child.ID)
	h.waitStatus(t, grandchild.ID, instance.StatusBlockedOnSignal)

	if err := h.sup.Terminate(context.Background(), rootID, true); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	for _, instID := range []id.InstanceID{grandchild.ID, child.ID, rootID} {
		got := h.waitStatus(t, instID, instance.StatusCancelled)
		if got.Orphaned {
			t.Errorf("instance %s flagged orphaned during cascade", instID)
		}
	}

	orphans, err := h.sup.Orphans(context.Background())
	if err != nil {
		t.Fatalf("Orphans() error = %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("Orphans() = %d instances, want 0", len(orphans))
	}
}

func TestTerminate_WithoutCascadeOrphansChildren(t *testing.T) {
	h := newHarness(t)
	h.register(t, "child", waiter)
	h.register(t, "parent", func(wf *engine.Context) error {
		if _, err := engine.SpawnChild(wf, "child", struct{}{}); err != nil {
			return err
		}
		_, _, err := wf.WaitForSignal("never.sent")
		return err
	})

	parentID, err := h.sup.Spawn(context.Background(), "parent", struct{}{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	child := h.child(t, parentID)
	h.waitStatus(t, child.ID, instance.StatusBlockedOnSignal)

	if err := h.sup.Terminate(context.Background(), parentID, false); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	h.waitStatus(t, parentID, instance.StatusCancelled)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		orphans, err := h.sup.Orphans(context.Background())
		if err != nil {
			t.Fatalf("Orphans() error = %v", err)
		}
		if len(orphans) == 1 {
			if orphans[0].ID != child.ID {
				t.Errorf("orphan = %s, want %s", orphans[0].ID, child.ID)
			}
			if orphans[0].Status.Terminal() {
				t.Errorf("orphan status = %q, want live", orphans[0].Status)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("child never flagged orphaned")
}

func TestTerminate_ForceCancelsAfterGrace(t *testing.T) {
	h := newHarness(t, supervisor.WithGraceTimeout(50*time.Millisecond))

	// Swallows the cooperative cancellation and keeps waiting.
	h.register(t, "stubborn", func(wf *engine.Context) error {
		_, _, err := wf.WaitForSignal("never.sent")
		if errors.Is(err, engine.ErrCancelled) {
			_, _, err = wf.WaitForSignal("still.never.sent")
		}
		return err
	})

	instID, err := h.sup.Spawn(context.Background(), "stubborn", struct{}{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	h.waitStatus(t, instID, instance.StatusBlockedOnSignal)

	if err := h.sup.Terminate(context.Background(), instID, false); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	got := h.waitStatus(t, instID, instance.StatusCancelled)
	if got.CompletedAt == nil {
		t.Error("force-cancelled instance has no CompletedAt")
	}
}

func TestTerminate_TerminalInstanceIsNoop(t *testing.T) {
	h := newHarness(t)
	h.register(t, "quick", func(wf *engine.Context) error {
		return wf.SetOutput("done")
	})

	instID, err := h.sup.Spawn(context.Background(), "quick", struct{}{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	h.waitStatus(t, instID, instance.StatusCompleted)

	if err := h.sup.Terminate(context.Background(), instID, true); err != nil {
		t.Errorf("Terminate() on terminal instance error = %v, want nil", err)
	}
	got, _ := h.store.GetInstance(context.Background(), instID)
	if got.Status != instance.StatusCompleted {
		t.Errorf("Status = %q, want %q untouched", got.Status, instance.StatusCompleted)
	}
}

func TestResumeAll_AdvancesLiveInstances(t *testing.T) {
	h := newHarness(t)
	h.register(t, "echo", func(wf *engine.Context) error {
		return wf.SetOutput("resumed")
	})

	// An instance created before a crash: persisted but never advanced.
	inst := &instance.Instance{
		Entity:    vigil.NewEntity(),
		ID:        id.NewInstanceID(),
		Workflow:  "echo",
		Kind:      instance.KindParent,
		Status:    instance.StatusCreated,
		StartedAt: time.Now().UTC(),
	}
	if err := h.store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	// A diverged instance must stay halted.
	diverged := &instance.Instance{
		Entity:    vigil.NewEntity(),
		ID:        id.NewInstanceID(),
		Workflow:  "echo",
		Kind:      instance.KindParent,
		Status:    instance.StatusBlockedOnSignal,
		Diverged:  true,
		StartedAt: time.Now().UTC(),
	}
	if err := h.store.CreateInstance(context.Background(), diverged); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	if err := h.sup.ResumeAll(context.Background()); err != nil {
		t.Fatalf("ResumeAll() error = %v", err)
	}

	h.waitStatus(t, inst.ID, instance.StatusCompleted)

	time.Sleep(50 * time.Millisecond)
	held, _ := h.store.GetInstance(context.Background(), diverged.ID)
	if held.Status != instance.StatusBlockedOnSignal {
		t.Errorf("diverged instance status = %q, want untouched %q", held.Status, instance.StatusBlockedOnSignal)
	}
}
