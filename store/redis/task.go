package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/task"
)

// EnqueueTask stores the task as a Hash and adds it to the pending Sorted
// Set scored by RunAt. HSetNX on the blob field is the duplicate guard.
func (s *Store) EnqueueTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	blob, err := s.codec.Marshal(t)
	if err != nil {
		return fmt.Errorf("vigil/redis: encode task: %w", err)
	}

	created, err := s.client.HSetNX(ctx, key, "data", blob).Result()
	if err != nil {
		return fmt.Errorf("vigil/redis: enqueue task: %w", err)
	}
	if !created {
		return vigil.ErrTaskExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "status", string(t.Status))
	pipe.SAdd(ctx, taskIDsKey, tID)
	pipe.SAdd(ctx, instanceTasksKey(t.InstanceID.String()), tID)
	pipe.ZAdd(ctx, pendingTasksKey, goredis.Z{Score: runAtScore(t.RunAt), Member: tID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("vigil/redis: index task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task and keeps the pending
// queue membership in sync with the status.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("vigil/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return vigil.ErrTaskNotFound
	}
	return s.saveTask(ctx, t)
}

// DequeueTasks claims up to limit due pending tasks. ZRem on the pending
// queue is the claim: exactly one worker removes a given member, so a task
// is handed to exactly one dequeuer.
func (s *Store) DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int) ([]*task.Task, error) {
	now := time.Now().UTC()

	due, err := s.client.ZRangeByScore(ctx, pendingTasksKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", runAtScore(now)),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: dequeue range: %w", err)
	}

	var claimed []*task.Task
	for _, tID := range due {
		if len(claimed) >= limit {
			break
		}
		removed, remErr := s.client.ZRem(ctx, pendingTasksKey, tID).Result()
		if remErr != nil {
			return nil, fmt.Errorf("vigil/redis: dequeue claim: %w", remErr)
		}
		if removed == 0 {
			continue // another worker won this one
		}

		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		t.Status = task.StatusRunning
		t.Attempt++
		t.ClaimedBy = workerID
		hb := now
		t.LastHeartbeat = &hb
		if t.StartedAt == nil {
			st := now
			t.StartedAt = &st
		}
		if saveErr := s.saveTask(ctx, t); saveErr != nil {
			return nil, saveErr
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// CompleteTask transitions a task to a terminal status. HSetNX on a
// terminal marker field is the compare-and-set: only the first completer
// wins, late duplicates report won=false.
func (s *Store) CompleteTask(ctx context.Context, t *task.Task) (bool, error) {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("vigil/redis: complete task exists: %w", err)
	}
	if exists == 0 {
		return false, vigil.ErrTaskNotFound
	}

	won, err := s.client.HSetNX(ctx, key, "terminal", "1").Result()
	if err != nil {
		return false, fmt.Errorf("vigil/redis: complete task cas: %w", err)
	}
	if !won {
		return false, nil
	}

	if t.CompletedAt == nil {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	if err := s.saveTask(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

// HeartbeatTask refreshes the liveness stamp of a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, _ id.WorkerID) error {
	t, err := s.getTaskByKey(ctx, taskKey(taskID.String()))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.LastHeartbeat = &now
	return s.saveTask(ctx, t)
}

// ListStalledTasks returns running tasks whose heartbeat is older than the
// threshold.
func (s *Store) ListStalledTasks(ctx context.Context, olderThan time.Time) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: list stalled smembers: %w", err)
	}

	var stalled []*task.Task
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if t.Status != task.StatusRunning {
			continue
		}
		if t.LastHeartbeat != nil && t.LastHeartbeat.Before(olderThan) {
			stalled = append(stalled, t)
		}
	}
	return stalled, nil
}

// ListTasksForInstance returns all tasks belonging to an instance, sorted
// by creation time.
func (s *Store) ListTasksForInstance(ctx context.Context, instanceID id.InstanceID) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, instanceTasksKey(instanceID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: list instance tasks smembers: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CountPendingTasks returns the size of the pending queue.
func (s *Store) CountPendingTasks(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, pendingTasksKey).Result()
	if err != nil {
		return 0, fmt.Errorf("vigil/redis: count pending: %w", err)
	}
	return n, nil
}

// saveTask writes the task blob and synchronizes the pending queue: pending
// tasks are (re)scored by RunAt, everything else leaves the queue.
func (s *Store) saveTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	blob, err := s.codec.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("vigil/redis: encode task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", blob, "status", string(cp.Status))
	if cp.Status == task.StatusPending {
		pipe.ZAdd(ctx, pendingTasksKey, goredis.Z{Score: runAtScore(cp.RunAt), Member: tID})
	} else {
		pipe.ZRem(ctx, pendingTasksKey, tID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("vigil/redis: save task: %w", err)
	}
	return nil
}

func (s *Store) getTaskByKey(ctx context.Context, key string) (*task.Task, error) {
	blob, err := s.client.HGet(ctx, key, "data").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, vigil.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vigil/redis: get task: %w", err)
	}

	var t task.Task
	if err := s.codec.Unmarshal([]byte(blob), &t); err != nil {
		return nil, fmt.Errorf("vigil/redis: decode task: %w", err)
	}
	return &t, nil
}

// runAtScore converts a RunAt timestamp into a sorted-set score.
func runAtScore(at time.Time) float64 {
	return float64(at.UnixMilli())
}
