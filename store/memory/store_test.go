package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/store/memory"
	"github.com/vigilhq/vigil/task"
)

func newInstance(workflow string) *instance.Instance {
	return &instance.Instance{
		Entity:    vigil.NewEntity(),
		ID:        id.NewInstanceID(),
		Workflow:  workflow,
		Kind:      instance.KindParent,
		Status:    instance.StatusCreated,
		StartedAt: time.Now().UTC(),
	}
}

func newTask(instanceID id.InstanceID, op string) *task.Task {
	return &task.Task{
		Entity:      vigil.NewEntity(),
		ID:          id.NewTaskID(),
		InstanceID:  instanceID,
		Operation:   op,
		Status:      task.StatusPending,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC(),
	}
}

func TestInstance_CreateGetUpdate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	inst := newInstance("watch")

	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := s.CreateInstance(ctx, inst); !errors.Is(err, vigil.ErrInstanceExists) {
		t.Errorf("duplicate CreateInstance() error = %v, want ErrInstanceExists", err)
	}

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Workflow != "watch" {
		t.Errorf("Workflow = %q, want %q", got.Workflow, "watch")
	}

	got.Status = instance.StatusRunning
	if err := s.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}

	got2, _ := s.GetInstance(ctx, inst.ID)
	if got2.Status != instance.StatusRunning {
		t.Errorf("Status = %q, want %q", got2.Status, instance.StatusRunning)
	}
}

func TestInstance_GetMissing(t *testing.T) {
	s := memory.New()

	_, err := s.GetInstance(context.Background(), id.NewInstanceID())
	if !errors.Is(err, vigil.ErrInstanceNotFound) {
		t.Errorf("GetInstance() error = %v, want ErrInstanceNotFound", err)
	}
}

func TestInstance_ReturnsCopies(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	inst := newInstance("watch")
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	got, _ := s.GetInstance(ctx, inst.ID)
	got.Status = instance.StatusFailed // mutate the copy only

	again, _ := s.GetInstance(ctx, inst.ID)
	if again.Status != instance.StatusCreated {
		t.Errorf("stored Status = %q after mutating a returned copy, want %q", again.Status, instance.StatusCreated)
	}
}

func TestInstance_ListFilters(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	running := newInstance("watch")
	running.Status = instance.StatusRunning
	done := newInstance("watch")
	done.Status = instance.StatusCompleted
	orphan := newInstance("symbol")
	orphan.Status = instance.StatusBlockedOnTimer
	orphan.Orphaned = true

	for _, inst := range []*instance.Instance{running, done, orphan} {
		if err := s.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance() error = %v", err)
		}
	}

	live, err := s.ListInstances(ctx, instance.ListOpts{Live: true})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(live) != 2 {
		t.Errorf("ListInstances(Live) returned %d, want 2", len(live))
	}

	orphans, err := s.ListInstances(ctx, instance.ListOpts{Orphaned: true})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != orphan.ID {
		t.Errorf("ListInstances(Orphaned) = %d results, want exactly the orphan", len(orphans))
	}

	completed, err := s.ListInstances(ctx, instance.ListOpts{Status: instance.StatusCompleted})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(completed) != 1 {
		t.Errorf("ListInstances(Status=completed) returned %d, want 1", len(completed))
	}
}

func TestInstance_ListChildren(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	parent := newInstance("watch")
	if err := s.CreateInstance(ctx, parent); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	for range 3 {
		child := newInstance("symbol")
		child.Kind = instance.KindChild
		pid := parent.ID
		child.ParentID = &pid
		if err := s.CreateInstance(ctx, child); err != nil {
			t.Fatalf("CreateInstance(child) error = %v", err)
		}
	}
	// Unrelated instance.
	if err := s.CreateInstance(ctx, newInstance("watch")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	children, err := s.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 3 {
		t.Errorf("ListChildren() returned %d, want 3", len(children))
	}
}

func TestEvent_AppendAssignsOffsets(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	instA := id.NewInstanceID()
	instB := id.NewInstanceID()

	for i := 1; i <= 3; i++ {
		evt := &event.Event{ID: id.NewEventID(), InstanceID: instA, Kind: event.KindTimerSet, At: time.Now().UTC()}
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
		if evt.Offset != int64(i) {
			t.Errorf("Offset = %d, want %d", evt.Offset, i)
		}
	}

	// A second instance's log starts at 1 independently.
	evt := &event.Event{ID: id.NewEventID(), InstanceID: instB, Kind: event.KindSignalReceived, At: time.Now().UTC()}
	if err := s.AppendEvent(ctx, evt); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if evt.Offset != 1 {
		t.Errorf("Offset = %d, want 1", evt.Offset)
	}
}

func TestEvent_ListFromOffset(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	instID := id.NewInstanceID()

	for range 5 {
		evt := &event.Event{ID: id.NewEventID(), InstanceID: instID, Kind: event.KindTimerFired, At: time.Now().UTC()}
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	tail, err := s.ListEvents(ctx, instID, 4)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("ListEvents(from=4) returned %d, want 2", len(tail))
	}
	if tail[0].Offset != 4 || tail[1].Offset != 5 {
		t.Errorf("offsets = %d,%d, want 4,5", tail[0].Offset, tail[1].Offset)
	}

	n, err := s.CountEvents(ctx, instID)
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if n != 5 {
		t.Errorf("CountEvents() = %d, want 5", n)
	}
}

func TestTask_DequeueClaims(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	instID := id.NewInstanceID()

	due := newTask(instID, "market.fetch_price")
	future := newTask(instID, "market.fetch_price")
	future.RunAt = time.Now().UTC().Add(time.Hour)

	for _, tk := range []*task.Task{due, future} {
		if err := s.EnqueueTask(ctx, tk); err != nil {
			t.Fatalf("EnqueueTask() error = %v", err)
		}
	}

	worker := id.NewWorkerID()
	claimed, err := s.DequeueTasks(ctx, worker, 10)
	if err != nil {
		t.Fatalf("DequeueTasks() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("DequeueTasks() claimed %d, want 1 (future task not due)", len(claimed))
	}
	got := claimed[0]
	if got.ID != due.ID {
		t.Errorf("claimed ID = %s, want %s", got.ID, due.ID)
	}
	if got.Status != task.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, task.StatusRunning)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
	if got.ClaimedBy != worker {
		t.Errorf("ClaimedBy = %s, want %s", got.ClaimedBy, worker)
	}
	if got.LastHeartbeat == nil {
		t.Error("LastHeartbeat not stamped on claim")
	}

	// Claimed task is invisible to a second dequeue.
	again, err := s.DequeueTasks(ctx, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("DequeueTasks() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second DequeueTasks() claimed %d, want 0", len(again))
	}
}

func TestTask_CompleteCAS(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	tk := newTask(id.NewInstanceID(), "trade.execute")
	if err := s.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("EnqueueTask() error = %v", err)
	}

	done := *tk
	done.Status = task.StatusCompleted
	won, err := s.CompleteTask(ctx, &done)
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if !won {
		t.Fatal("first CompleteTask() did not win the terminal transition")
	}

	// A duplicate attempt finishing later must lose.
	dup := *tk
	dup.Status = task.StatusFailed
	won, err = s.CompleteTask(ctx, &dup)
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if won {
		t.Error("second CompleteTask() won, want exactly one winner")
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %q after losing transition, want %q", got.Status, task.StatusCompleted)
	}
}

func TestTask_StalledDetection(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	tk := newTask(id.NewInstanceID(), "monitor.evaluate_alert")
	if err := s.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("EnqueueTask() error = %v", err)
	}

	worker := id.NewWorkerID()
	if _, err := s.DequeueTasks(ctx, worker, 1); err != nil {
		t.Fatalf("DequeueTasks() error = %v", err)
	}

	// Fresh heartbeat: not stalled.
	stalled, err := s.ListStalledTasks(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStalledTasks() error = %v", err)
	}
	if len(stalled) != 0 {
		t.Errorf("ListStalledTasks() = %d with fresh heartbeat, want 0", len(stalled))
	}

	// A cutoff in the future makes the current heartbeat stale.
	stalled, err = s.ListStalledTasks(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStalledTasks() error = %v", err)
	}
	if len(stalled) != 1 {
		t.Fatalf("ListStalledTasks() = %d, want 1", len(stalled))
	}

	// Heartbeat refreshes the stamp.
	before := *stalled[0].LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	if err := s.HeartbeatTask(ctx, tk.ID, worker); err != nil {
		t.Fatalf("HeartbeatTask() error = %v", err)
	}
	got, _ := s.GetTask(ctx, tk.ID)
	if !got.LastHeartbeat.After(before) {
		t.Error("HeartbeatTask() did not advance the heartbeat stamp")
	}
}

func TestTask_CountPending(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	instID := id.NewInstanceID()

	for range 3 {
		if err := s.EnqueueTask(ctx, newTask(instID, "market.fetch_price")); err != nil {
			t.Fatalf("EnqueueTask() error = %v", err)
		}
	}
	if _, err := s.DequeueTasks(ctx, id.NewWorkerID(), 1); err != nil {
		t.Fatalf("DequeueTasks() error = %v", err)
	}

	n, err := s.CountPendingTasks(ctx)
	if err != nil {
		t.Fatalf("CountPendingTasks() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountPendingTasks() = %d, want 2", n)
	}
}

func TestMarkSignalApplied_Dedup(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	target := id.NewInstanceID()

	first, err := s.MarkSignalApplied(ctx, target, "sender/1")
	if err != nil {
		t.Fatalf("MarkSignalApplied() error = %v", err)
	}
	if !first {
		t.Error("first MarkSignalApplied() = false, want true")
	}

	dup, err := s.MarkSignalApplied(ctx, target, "sender/1")
	if err != nil {
		t.Fatalf("MarkSignalApplied() error = %v", err)
	}
	if dup {
		t.Error("duplicate MarkSignalApplied() = true, want false")
	}

	// Same signal ID on a different target is independent.
	other, err := s.MarkSignalApplied(ctx, id.NewInstanceID(), "sender/1")
	if err != nil {
		t.Fatalf("MarkSignalApplied() error = %v", err)
	}
	if !other {
		t.Error("MarkSignalApplied() on different target = false, want true")
	}

	// Unmarking releases the ID for another delivery attempt.
	if err := s.UnmarkSignalApplied(ctx, target, "sender/1"); err != nil {
		t.Fatalf("UnmarkSignalApplied() error = %v", err)
	}
	remarked, err := s.MarkSignalApplied(ctx, target, "sender/1")
	if err != nil {
		t.Fatalf("MarkSignalApplied() after unmark error = %v", err)
	}
	if !remarked {
		t.Error("MarkSignalApplied() after unmark = false, want true")
	}
}
