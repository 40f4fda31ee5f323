package lane

import (
	"log/slog"
	"time"

	"github.com/plaenen/eventlane/pkg/observability"
	"github.com/plaenen/eventlane/pkg/store"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for lane configuration.
const (
	DefaultProcessingTimeout  = 5 * time.Second
	DefaultRestartBackoff     = 100 * time.Millisecond
	DefaultStopGrace          = time.Second
	DefaultQueueWarnThreshold = 1000
	DefaultCatchUpBatchSize   = 500
)

// StateChangeFunc observes lane state transitions. It runs on the lane's goroutine
// and must not block.
type StateChangeFunc func(lane string, from, to State)

type laneConfig struct {
	processingTimeout  time.Duration
	restartPolicy      RestartPolicy
	restartBackoff     time.Duration
	stopGrace          time.Duration
	maxAttempts        int
	queueWarnThreshold int
	catchUpBatchSize   int

	eventStore      store.EventStore
	checkpointStore store.CheckpointStore

	logger        *slog.Logger
	metrics       *observability.Metrics
	tracer        trace.Tracer
	onStateChange StateChangeFunc
}

func defaultLaneConfig() laneConfig {
	return laneConfig{
		processingTimeout:  DefaultProcessingTimeout,
		restartPolicy:      RetrySameEvent,
		restartBackoff:     DefaultRestartBackoff,
		stopGrace:          DefaultStopGrace,
		queueWarnThreshold: DefaultQueueWarnThreshold,
		catchUpBatchSize:   DefaultCatchUpBatchSize,
		logger:             slog.Default(),
	}
}

// Option configures a Lane.
type Option func(*laneConfig)

// WithProcessingTimeout sets the time budget of a single apply.
func WithProcessingTimeout(d time.Duration) Option {
	return func(c *laneConfig) {
		if d > 0 {
			c.processingTimeout = d
		}
	}
}

// WithRestartPolicy sets what happens to the event a lane failed on.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(c *laneConfig) {
		if p != "" {
			c.restartPolicy = p
		}
	}
}

// WithRestartBackoff sets the pause between a failure and the restarted worker.
func WithRestartBackoff(d time.Duration) Option {
	return func(c *laneConfig) {
		if d >= 0 {
			c.restartBackoff = d
		}
	}
}

// WithStopGrace bounds how long the supervisor waits for an abandoned apply to return.
func WithStopGrace(d time.Duration) Option {
	return func(c *laneConfig) {
		if d >= 0 {
			c.stopGrace = d
		}
	}
}

// WithMaxAttempts skips an event after n failed attempts even under RetrySameEvent.
// Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(c *laneConfig) {
		if n >= 0 {
			c.maxAttempts = n
		}
	}
}

// WithQueueWarnThreshold sets the queue depth that triggers a warning.
func WithQueueWarnThreshold(n int) Option {
	return func(c *laneConfig) {
		if n > 0 {
			c.queueWarnThreshold = n
		}
	}
}

// WithCatchUpBatchSize sets the page size used when catching up from the event store.
func WithCatchUpBatchSize(n int) Option {
	return func(c *laneConfig) {
		if n > 0 {
			c.catchUpBatchSize = n
		}
	}
}

// WithEventStore enables catch-up from the event log on Start.
func WithEventStore(es store.EventStore) Option {
	return func(c *laneConfig) {
		c.eventStore = es
	}
}

// WithCheckpointStore persists the position of the last completed event.
func WithCheckpointStore(cs store.CheckpointStore) Option {
	return func(c *laneConfig) {
		c.checkpointStore = cs
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *laneConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *laneConfig) {
		c.metrics = m
	}
}

// WithTracer sets the tracer used for apply spans. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *laneConfig) {
		c.tracer = t
	}
}

// OnStateChange registers a state transition observer.
func OnStateChange(fn StateChangeFunc) Option {
	return func(c *laneConfig) {
		c.onStateChange = fn
	}
}
