// Package system wires the subsystem packages — stores, registries, signal
// router, replay engine, task scheduler, and supervisor — into one running
// orchestrator. It is the only package that sees all of them at once; the
// subsystems talk to each other through the narrow interfaces they define.
package system

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/engine"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/middleware"
	"github.com/vigilhq/vigil/scheduler"
	"github.com/vigilhq/vigil/signal"
	"github.com/vigilhq/vigil/store"
	"github.com/vigilhq/vigil/supervisor"
	"github.com/vigilhq/vigil/task"
)

// instrumentationName identifies this module to OTel providers.
const instrumentationName = "github.com/vigilhq/vigil"

// Option configures the build.
type Option func(*buildOptions)

type buildOptions struct {
	classifier task.Classifier
	extraMW    []middleware.Middleware
}

// WithClassifier overrides the retry error classifier.
func WithClassifier(c task.Classifier) Option {
	return func(o *buildOptions) { o.classifier = c }
}

// WithMiddleware appends middleware inside the default stack, closest to
// the task handler.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *buildOptions) { o.extraMW = append(o.extraMW, mws...) }
}

// System is a fully wired orchestrator.
type System struct {
	store  store.Store
	codec  codec.Codec
	logger *slog.Logger

	operations *task.Registry
	workflows  *engine.Registry
	router     *signal.Router
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
}

// Build assembles a System from a configured Vigil handle. The handle's
// store must implement the full store.Store composite.
func Build(v *vigil.Vigil, opts ...Option) (*System, error) {
	st, ok := v.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("system: store %T does not implement store.Store", v.Store())
	}

	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	if bo.classifier == nil {
		bo.classifier = task.DefaultClassifier()
	}

	cfg := v.Config()
	logger := v.Logger()
	c := v.Codec()

	operations := task.NewRegistry(c)
	workflows := engine.NewRegistry()
	router := signal.NewRouter(st, st, st, c, logger)

	eng, err := engine.New(engine.Options{
		Instances:  st,
		Log:        st,
		Tasks:      st,
		TaskDefs:   operations,
		Workflows:  workflows,
		Router:     router,
		Codec:      c,
		Logger:     logger,
		QueueDepth: cfg.QueueDepth,
	})
	if err != nil {
		return nil, err
	}
	router.SetNotifier(eng)

	mws := []middleware.Middleware{
		middleware.Recover(logger),
		tracingMiddleware(v),
		metricsMiddleware(v),
		middleware.Logging(logger),
		middleware.Timeout(logger),
	}
	mws = append(mws, bo.extraMW...)

	executor := scheduler.NewExecutor(operations, st, bo.classifier, logger, mws...)
	sched := scheduler.New(st, executor, logger,
		scheduler.WithConcurrency(cfg.Concurrency),
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithHeartbeatInterval(cfg.HeartbeatInterval),
		scheduler.WithStaleTaskThreshold(cfg.StaleTaskThreshold),
	)
	sched.SetResumer(eng)

	sup := supervisor.New(st, st, router, eng, c, logger,
		supervisor.WithGraceTimeout(cfg.GraceTimeout),
	)

	return &System{
		store:      st,
		codec:      c,
		logger:     logger,
		operations: operations,
		workflows:  workflows,
		router:     router,
		engine:     eng,
		scheduler:  sched,
		supervisor: sup,
	}, nil
}

func metricsMiddleware(v *vigil.Vigil) middleware.Middleware {
	if p := v.MeterProvider(); p != nil {
		return middleware.MetricsWithMeter(p.Meter(instrumentationName))
	}
	return middleware.Metrics()
}

func tracingMiddleware(v *vigil.Vigil) middleware.Middleware {
	if p := v.TracerProvider(); p != nil {
		return middleware.TracingWithTracer(p.Tracer(instrumentationName))
	}
	return middleware.Tracing()
}

// Operations returns the task operation registry.
func (s *System) Operations() *task.Registry { return s.operations }

// Workflows returns the workflow registry.
func (s *System) Workflows() *engine.Registry { return s.workflows }

// Engine returns the replay engine.
func (s *System) Engine() *engine.Engine { return s.engine }

// Supervisor returns the instance supervisor.
func (s *System) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Start verifies store connectivity, starts the scheduler workers, and
// resumes every live instance left over from a previous run.
func (s *System) Start(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("system: store ping: %w", err)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	return s.supervisor.ResumeAll(ctx)
}

// Stop shuts the scheduler down within the context deadline and waits for
// in-flight advances to finish. Suspended instances resume on next Start.
func (s *System) Stop(ctx context.Context) error {
	if err := s.scheduler.Stop(ctx); err != nil {
		return err
	}
	s.engine.Close()
	return nil
}

// Spawn starts a top-level workflow instance.
func (s *System) Spawn(ctx context.Context, workflow string, input any) (id.InstanceID, error) {
	return s.supervisor.Spawn(ctx, workflow, input)
}

// Signal delivers a named signal to an instance. The payload is encoded
// with the system codec; signalID is the sender's idempotency key and may
// be empty for fire-once sends.
func (s *System) Signal(ctx context.Context, target id.InstanceID, name, signalID string, payload any) (*signal.Ack, error) {
	raw, err := s.codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("system: encode signal payload: %w", err)
	}
	return s.router.Deliver(ctx, &signal.Signal{
		ID:      signalID,
		Target:  target,
		Name:    name,
		Payload: raw,
	})
}

// Terminate cancels an instance, optionally cascading to its descendants.
func (s *System) Terminate(ctx context.Context, instanceID id.InstanceID, cascade bool) error {
	return s.supervisor.Terminate(ctx, instanceID, cascade)
}

// Orphans lists live instances abandoned by a terminated parent.
func (s *System) Orphans(ctx context.Context) ([]*instance.Instance, error) {
	return s.supervisor.Orphans(ctx)
}

// Inspect returns an instance with its full event log and tasks.
func (s *System) Inspect(ctx context.Context, instanceID id.InstanceID) (*engine.View, error) {
	return s.engine.Inspect(ctx, instanceID)
}

// Replay re-executes an instance's log read-only, verifying that the
// registered workflow logic still matches the recorded history.
func (s *System) Replay(ctx context.Context, instanceID id.InstanceID) error {
	return s.engine.Replay(ctx, instanceID)
}
