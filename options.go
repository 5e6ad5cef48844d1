package vigil

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vigilhq/vigil/codec"
)

// Option configures a Vigil.
type Option func(*Vigil) error

// Storer is the minimal store interface held by the root Vigil.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used by the system layer, which sits above the
// subsystem packages and so avoids import cycles. Implementations
// satisfy store.Store, which embeds all subsystem stores.
type Storer interface {
	Ping(ctx context.Context) error
	Close() error
}

// Vigil is the root handle for an orchestration engine: configuration,
// logger, and store. Create one with New() and functional options, then
// pass it to system.Build to wire the registries, scheduler, router,
// replay engine, and supervisor together.
type Vigil struct {
	config Config
	logger *slog.Logger
	store  Storer
	codec  codec.Codec

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// New creates a new Vigil with the given options.
func New(opts ...Option) (*Vigil, error) {
	v := &Vigil{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	if v.store == nil {
		return nil, ErrNoStore
	}
	return v, nil
}

// Logger returns the configured logger.
func (v *Vigil) Logger() *slog.Logger { return v.logger }

// Codec returns the configured codec, defaulting to JSON.
func (v *Vigil) Codec() codec.Codec {
	if v.codec == nil {
		return codec.Default()
	}
	return v.codec
}

// MeterProvider returns the configured meter provider, or nil when metrics
// fall back to the OTel global.
func (v *Vigil) MeterProvider() metric.MeterProvider { return v.meterProvider }

// TracerProvider returns the configured tracer provider, or nil when tracing
// falls back to the OTel global.
func (v *Vigil) TracerProvider() trace.TracerProvider { return v.tracerProvider }

// Store returns the configured store.
func (v *Vigil) Store() Storer { return v.store }

// Config returns a copy of the configuration.
func (v *Vigil) Config() Config { return v.config }

// Close closes the underlying store.
func (v *Vigil) Close() error {
	if v.store != nil {
		return v.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; typically it is a store.Store embedding all subsystem store
// interfaces.
func WithStore(s Storer) Option {
	return func(v *Vigil) error {
		v.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vigil) error {
		v.logger = l
		return nil
	}
}

// WithConcurrency sets the maximum number of concurrently executing tasks.
func WithConcurrency(n int) Option {
	return func(v *Vigil) error {
		v.config.Concurrency = n
		return nil
	}
}

// WithQueueDepth bounds the scheduler's pending task queue.
func WithQueueDepth(n int) Option {
	return func(v *Vigil) error {
		v.config.QueueDepth = n
		return nil
	}
}

// WithPollInterval sets how often scheduler workers poll for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(v *Vigil) error {
		v.config.PollInterval = d
		return nil
	}
}

// WithHeartbeatInterval sets the expected task liveness reporting interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(v *Vigil) error {
		v.config.HeartbeatInterval = d
		return nil
	}
}

// WithStaleTaskThreshold sets the interval after which a running task
// without a heartbeat is treated as stalled.
func WithStaleTaskThreshold(d time.Duration) Option {
	return func(v *Vigil) error {
		v.config.StaleTaskThreshold = d
		return nil
	}
}

// WithGraceTimeout bounds how long cascade cancellation waits for
// descendants before force-terminating them.
func WithGraceTimeout(d time.Duration) Option {
	return func(v *Vigil) error {
		v.config.GraceTimeout = d
		return nil
	}
}

// WithCodec sets the serialization codec for inputs, outputs, and event
// payloads. Defaults to JSON; see codec.Msgpack for the compact alternative.
func WithCodec(c codec.Codec) Option {
	return func(v *Vigil) error {
		v.codec = c
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for task metrics.
// Unset, the middleware uses the OTel global (noop unless configured).
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(v *Vigil) error {
		v.meterProvider = p
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for task spans.
// Unset, the middleware uses the OTel global (noop unless configured).
func WithTracerProvider(p trace.TracerProvider) Option {
	return func(v *Vigil) error {
		v.tracerProvider = p
		return nil
	}
}
