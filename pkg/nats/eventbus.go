// Package nats carries committed events over NATS JetStream: an embedded
// server, a durable EventBus, a Relay usable as the dispatcher's publisher and
// a Bridge that feeds delivered events into the projection lanes.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/observability"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler processes one delivered event. A non-nil error naks the message
// for redelivery.
type Handler func(ctx context.Context, evt *domain.Event) error

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream name for events
	StreamName string

	// StreamSubjects are the subjects bound to the stream
	StreamSubjects []string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// DuplicateWindow is how long JetStream remembers message IDs for deduplication
	DuplicateWindow time.Duration

	// AckWait is how long the server waits for an ack before redelivering
	AckWait time.Duration
}

// DefaultConfig returns defaults for the NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "EVENTLANE",
		StreamSubjects:  []string{"events.>"},
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		DuplicateWindow: 2 * time.Minute,
		AckWait:         30 * time.Second,
	}
}

// Subject returns the subject an event is published on.
func Subject(evt *domain.Event) string {
	return fmt.Sprintf("events.%s.%s", evt.AggregateType, evt.EventType)
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *EventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBusMetrics sets the metric instruments.
func WithBusMetrics(m *observability.Metrics) BusOption {
	return func(b *EventBus) {
		b.metrics = m
	}
}

// EventBus publishes committed events to a JetStream stream and delivers them
// to durable consumers with at-least-once semantics.
type EventBus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewEventBus connects to NATS and creates or updates the stream.
func NewEventBus(config Config, opts ...BusOption) (*EventBus, error) {
	bus := &EventBus{
		config: config,
		logger: slog.Default(),
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(bus)
	}

	nc, err := nats.Connect(config.URL,
		nats.Name("eventlane"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			bus.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus.nc = nc
	bus.js = js

	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return bus, nil
}

// filterSubject is the subject consumers filter on and subscriptions bind to.
func (b *EventBus) filterSubject() string {
	if len(b.config.StreamSubjects) > 0 && b.config.StreamSubjects[0] != "" {
		return b.config.StreamSubjects[0]
	}
	return "events.>"
}

// duplicateWindow clamps the configured window to MaxAge; the server rejects
// a stream whose duplicate window outlives its messages.
func (b *EventBus) duplicateWindow() time.Duration {
	window := b.config.DuplicateWindow
	if b.config.MaxAge > 0 && window > b.config.MaxAge {
		b.logger.Warn("duplicate window exceeds max age, clamping",
			slog.Duration("duplicate_window", window),
			slog.Duration("max_age", b.config.MaxAge),
		)
		window = b.config.MaxAge
	}
	return window
}

func (b *EventBus) ensureStream() error {
	subjects := b.config.StreamSubjects
	if len(subjects) == 0 {
		subjects = []string{b.filterSubject()}
	}
	streamConfig := &nats.StreamConfig{
		Name:       b.config.StreamName,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     b.config.MaxAge,
		MaxBytes:   b.config.MaxBytes,
		Duplicates: b.duplicateWindow(),
		Storage:    nats.FileStorage,
		Replicas:   1,
	}

	stream, err := b.js.StreamInfo(b.config.StreamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream: %w", err)
		}
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	current := stream.Config
	if !slices.Equal(current.Subjects, streamConfig.Subjects) ||
		current.MaxAge != streamConfig.MaxAge ||
		current.MaxBytes != streamConfig.MaxBytes ||
		current.Duplicates != streamConfig.Duplicates {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Publish writes events to the stream in order. The event ID is the JetStream
// message ID, so republishing a committed event within the duplicate window is
// a no-op.
func (b *EventBus) Publish(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
		}

		subject := Subject(evt)
		start := time.Now()
		ack, err := b.js.Publish(subject, payload, nats.MsgId(evt.ID), nats.Context(ctx))
		b.metrics.RecordNATSPublish(ctx, subject, time.Since(start), 1)
		if err != nil {
			return fmt.Errorf("failed to publish event %s: %w", evt.ID, err)
		}
		if ack.Duplicate {
			b.logger.DebugContext(ctx, "duplicate event ignored by stream",
				slog.String("event_id", evt.ID),
				slog.Int64("position", evt.Position),
			)
		}
	}
	return nil
}

// Subscribe creates or resumes the durable consumer and delivers events to
// handler one at a time in stream order. A handler error naks the message.
func (b *EventBus) Subscribe(durable string, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subs[durable]; exists {
		return nil, fmt.Errorf("durable consumer %s already subscribed", durable)
	}

	if err := b.ensureConsumer(durable); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.js.Subscribe(
		b.filterSubject(),
		func(msg *nats.Msg) {
			b.metrics.RecordNATSReceive(ctx, msg.Subject)

			var evt domain.Event
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				b.logger.Error("dropping undecodable message",
					slog.String("subject", msg.Subject),
					slog.String("error", err.Error()),
				)
				_ = msg.Term()
				return
			}

			if err := handler(ctx, &evt); err != nil {
				b.logger.Warn("event handler failed, requesting redelivery",
					slog.String("consumer", durable),
					slog.String("event_id", evt.ID),
					slog.String("error", err.Error()),
				)
				_ = msg.Nak()
				return
			}
			if err := msg.Ack(); err != nil {
				b.logger.Warn("failed to ack event",
					slog.String("consumer", durable),
					slog.String("event_id", evt.ID),
					slog.String("error", err.Error()),
				)
			}
		},
		nats.Bind(b.config.StreamName, durable),
		nats.ManualAck(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe %s: %w", durable, err)
	}

	s := &Subscription{bus: b, sub: sub, durable: durable, cancel: cancel}
	b.subs[durable] = s
	return s, nil
}

// ensureConsumer creates the durable push consumer if it does not exist yet.
// Consumers created here outlive subscriptions, so a restarted subscriber
// resumes after the last acked event. An existing consumer left with another
// filter is moved onto the current one.
func (b *EventBus) ensureConsumer(durable string) error {
	filter := b.filterSubject()

	info, err := b.js.ConsumerInfo(b.config.StreamName, durable)
	if err == nil {
		if info.Config.FilterSubject == filter {
			return nil
		}
		updated := info.Config
		updated.FilterSubject = filter
		if _, err := b.js.UpdateConsumer(b.config.StreamName, &updated); err != nil {
			return fmt.Errorf("failed to update consumer %s filter: %w", durable, err)
		}
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to look up consumer %s: %w", durable, err)
	}

	_, err = b.js.AddConsumer(b.config.StreamName, &nats.ConsumerConfig{
		Durable:        durable,
		DeliverSubject: nats.NewInbox(),
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        b.config.AckWait,
		MaxAckPending:  1,
		FilterSubject:  filter,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}
	return nil
}

// HealthCheck reports whether the connection is up.
func (b *EventBus) HealthCheck(ctx context.Context) error {
	if b.nc == nil || !b.nc.IsConnected() {
		return fmt.Errorf("nats connection not established")
	}
	return nil
}

// Close stops all subscriptions and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		s.cancel()
		if err := s.sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	b.nc.Close()
	return errors.Join(errs...)
}

// Subscription is an active durable consumer.
type Subscription struct {
	bus     *EventBus
	sub     *nats.Subscription
	durable string
	cancel  context.CancelFunc
}

// Durable returns the consumer name.
func (s *Subscription) Durable() string {
	return s.durable
}

// Stop stops delivery but keeps the durable consumer on the server, so a
// later Subscribe with the same name resumes after the last acked event.
func (s *Subscription) Stop() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.durable)
	s.bus.mu.Unlock()

	s.cancel()
	if err := s.sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to drain %s: %w", s.durable, err)
	}
	return nil
}
