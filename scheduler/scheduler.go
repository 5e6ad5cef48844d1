package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/task"
)

// Scheduler manages a set of concurrent worker goroutines that claim due
// tasks and execute them through the Executor, plus the heartbeat and
// stalled-task reaper loops.
type Scheduler struct {
	store        task.Store
	executor     *Executor
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Heartbeat / reaper configuration.
	heartbeatInterval  time.Duration
	staleTaskThreshold time.Duration

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[string]activeAttempt
	activeMu    sync.Mutex
}

// activeAttempt tracks one claimed task being executed by this scheduler.
// A non-zero deadline marks when the attempt's timeout expires; past it the
// heartbeat loop stops refreshing the claim so the reaper can recover the
// task if the worker itself is stuck.
type activeAttempt struct {
	cancel   context.CancelFunc
	deadline time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// WithPollInterval sets how often idle workers poll for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithHeartbeatInterval sets how often the scheduler refreshes heartbeats
// for tasks it is executing. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.heartbeatInterval = d }
}

// WithStaleTaskThreshold sets the threshold after which running tasks
// without a heartbeat are considered stalled and returned to pending.
// A zero value disables the reaper.
func WithStaleTaskThreshold(d time.Duration) Option {
	return func(s *Scheduler) { s.staleTaskThreshold = d }
}

// New creates a Scheduler around the given executor.
func New(
	store task.Store,
	executor *Executor,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		store:        store,
		executor:     executor,
		concurrency:  10,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeTasks:  make(map[string]activeAttempt),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkerID returns the scheduler's unique worker identifier.
func (s *Scheduler) WorkerID() id.WorkerID { return s.workerID }

// SetResumer wires the outcome sink on the underlying executor.
func (s *Scheduler) SetResumer(r Resumer) { s.executor.SetResumer(r) }

// Start launches the worker goroutines. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("scheduler starting",
		slog.String("worker_id", s.workerID.String()),
		slog.Int("concurrency", s.concurrency),
	)

	for range s.concurrency {
		s.wg.Add(1)
		go s.dequeueLoop()
	}

	if s.heartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}

	if s.staleTaskThreshold > 0 {
		s.wg.Add(1)
		go s.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active attempts are cancelled when time
// runs out; the reaper recovers them on the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopping", slog.String("worker_id", s.workerID.String()))

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out, cancelling active tasks")
		s.cancelActiveTasks()
		s.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (s *Scheduler) dequeueLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		claimed, err := s.store.DequeueTasks(context.Background(), s.workerID, 1)
		if err != nil {
			s.logger.Error("dequeue error", slog.String("error", err.Error()))
			s.sleep()
			continue
		}

		if len(claimed) == 0 {
			s.sleep()
			continue
		}

		t := claimed[0]

		ctx, cancel := context.WithCancel(context.Background())
		var deadline time.Time
		if t.Timeout > 0 {
			deadline = time.Now().UTC().Add(t.Timeout)
		}
		s.trackTask(t.ID.String(), activeAttempt{cancel: cancel, deadline: deadline})

		if execErr := s.executor.Execute(ctx, t); execErr != nil {
			s.logger.Debug("task attempt failed",
				slog.String("task_id", t.ID.String()),
				slog.String("operation", t.Operation),
				slog.String("error", execErr.Error()),
			)
		}

		s.untrackTask(t.ID.String())
		cancel()
	}
}

// heartbeatLoop periodically refreshes heartbeats for all active tasks.
func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendHeartbeats()
		}
	}
}

func (s *Scheduler) sendHeartbeats() {
	now := time.Now().UTC()

	s.activeMu.Lock()
	taskIDs := make([]string, 0, len(s.activeTasks))
	for taskID, attempt := range s.activeTasks {
		// An attempt past its timeout deadline no longer counts as live:
		// refreshing its heartbeat would shield a stuck handler from the
		// reaper forever.
		if !attempt.deadline.IsZero() && now.After(attempt.deadline) {
			continue
		}
		taskIDs = append(taskIDs, taskID)
	}
	s.activeMu.Unlock()

	for _, taskIDStr := range taskIDs {
		parsedID, parseErr := id.ParseTaskID(taskIDStr)
		if parseErr != nil {
			s.logger.Warn("heartbeat: invalid task id", slog.String("task_id", taskIDStr))
			continue
		}
		if err := s.store.HeartbeatTask(context.Background(), parsedID, s.workerID); err != nil {
			s.logger.Warn("heartbeat failed",
				slog.String("task_id", taskIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically returns stalled tasks to pending.
func (s *Scheduler) reaperLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.staleTaskThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapStalledTasks()
		}
	}
}

func (s *Scheduler) reapStalledTasks() {
	cutoff := time.Now().UTC().Add(-s.staleTaskThreshold)
	stalled, err := s.store.ListStalledTasks(context.Background(), cutoff)
	if err != nil {
		s.logger.Error("reap stalled tasks error", slog.String("error", err.Error()))
		return
	}

	for _, t := range stalled {
		t.Status = task.StatusPending
		t.RunAt = time.Now().UTC()
		t.ClaimedBy = id.Nil
		t.LastHeartbeat = nil

		if updateErr := s.store.UpdateTask(context.Background(), t); updateErr != nil {
			s.logger.Error("reap: failed to reset stalled task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}

		s.logger.Info("reaped stalled task",
			slog.String("task_id", t.ID.String()),
			slog.String("operation", t.Operation),
			slog.Int("attempt", t.Attempt),
		)
	}
}

func (s *Scheduler) sleep() {
	select {
	case <-time.After(s.pollInterval):
	case <-s.stopCh:
	}
}

func (s *Scheduler) trackTask(taskID string, attempt activeAttempt) {
	s.activeMu.Lock()
	s.activeTasks[taskID] = attempt
	s.activeMu.Unlock()
}

func (s *Scheduler) untrackTask(taskID string) {
	s.activeMu.Lock()
	delete(s.activeTasks, taskID)
	s.activeMu.Unlock()
}

func (s *Scheduler) cancelActiveTasks() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for taskID, attempt := range s.activeTasks {
		s.logger.Warn("cancelling active task", slog.String("task_id", taskID))
		attempt.cancel()
	}
}
