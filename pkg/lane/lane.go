// Package lane delivers committed events to projections, one independent
// processing lane per projection, with a per-event timeout and a supervised
// restart when a handler stalls or is interrupted.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/observability"
	"github.com/plaenen/eventlane/pkg/projection"
	"github.com/plaenen/eventlane/pkg/store"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrLaneStopped is returned when events are offered to a stopped lane.
	ErrLaneStopped = errors.New("lane stopped")

	// ErrAlreadyStarted is returned when a lane is started twice.
	ErrAlreadyStarted = errors.New("lane already started")
)

// SkippedEvent records an event dropped by the restart policy.
type SkippedEvent struct {
	Event     *domain.Event
	Attempts  int
	Err       error
	SkippedAt time.Time
}

// Stats is a point-in-time snapshot of a lane.
type Stats struct {
	Lane         string
	State        State
	Delivered    int64
	Completed    int64
	TimedOut     int64
	Interrupted  int64
	Restarts     int64
	Skipped      int64
	QueueDepth   int
	LastPosition int64
}

// Lane feeds one projection from an ordered queue on its own goroutine.
//
// A supervisor goroutine runs the consumption worker. Every apply runs in a
// separate goroutine bounded by the processing timeout. When an apply times out
// or fails, the worker is torn down, the restart policy decides whether the head
// event is retried or skipped, and a new worker resumes after the last event
// confirmed complete.
//
// An abandoned apply gets the stop grace period to return. After that the lane
// restarts even though the invocation may still be running, so a projection
// must check its ctx before writing to its read model. ItemProjection does;
// handler tables built with projection.Builder are only as safe as their
// handlers.
type Lane struct {
	name       string
	projection projection.Projection
	config     laneConfig
	queue      *eventQueue

	mu           sync.Mutex
	state        State
	lastPosition int64
	lastEventID  string
	headID       string
	headAttempts int
	skipped      []SkippedEvent
	warned       bool
	started      bool
	cancel       context.CancelFunc
	done         chan struct{}

	delivered   atomic.Int64
	completed   atomic.Int64
	timedOut    atomic.Int64
	interrupted atomic.Int64
	restarts    atomic.Int64
}

// failure describes an apply that did not complete.
type failure struct {
	event   *domain.Event
	attempt int
	err     error
	// pending delivers the result of an invocation that was abandoned while still running.
	pending <-chan error
}

// New creates a lane for p. The lane accepts events immediately and starts
// applying them on Start.
func New(p projection.Projection, opts ...Option) *Lane {
	config := defaultLaneConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.tracer == nil {
		config.tracer = observability.Tracer()
	}

	return &Lane{
		name:       p.Name(),
		projection: p,
		config:     config,
		queue:      newEventQueue(),
		state:      Idle,
	}
}

// Name returns the lane name, which is the projection name.
func (l *Lane) Name() string {
	return l.name
}

// Policy returns the configured restart policy.
func (l *Lane) Policy() RestartPolicy {
	return l.config.restartPolicy
}

// State returns the current state.
func (l *Lane) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastPosition returns the position of the last event confirmed complete or skipped.
func (l *Lane) LastPosition() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPosition
}

// Skipped returns the events dropped by the restart policy.
func (l *Lane) Skipped() []SkippedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SkippedEvent(nil), l.skipped...)
}

// Stats returns a snapshot of the lane counters.
func (l *Lane) Stats() Stats {
	l.mu.Lock()
	state, last, skipped := l.state, l.lastPosition, len(l.skipped)
	l.mu.Unlock()

	return Stats{
		Lane:         l.name,
		State:        state,
		Delivered:    l.delivered.Load(),
		Completed:    l.completed.Load(),
		TimedOut:     l.timedOut.Load(),
		Interrupted:  l.interrupted.Load(),
		Restarts:     l.restarts.Load(),
		Skipped:      int64(skipped),
		QueueDepth:   l.queue.Len(),
		LastPosition: last,
	}
}

// Enqueue appends events to the lane queue in the given order. It never waits
// for the projection.
func (l *Lane) Enqueue(ctx context.Context, events ...*domain.Event) error {
	depth, ok := l.queue.Enqueue(events...)
	if !ok {
		return ErrLaneStopped
	}
	l.observeDepth(ctx, depth)
	return nil
}

// Start catches up from the checkpoint and event store, if configured, and
// launches the supervisor. ctx bounds the catch-up only; the lane runs until Stop.
func (l *Lane) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	if l.queue.Closed() {
		l.mu.Unlock()
		return ErrLaneStopped
	}
	l.started = true
	l.mu.Unlock()

	if err := l.catchUp(ctx); err != nil {
		l.mu.Lock()
		l.started = false
		l.mu.Unlock()
		return fmt.Errorf("lane %s: %w", l.name, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go l.supervise(runCtx, done)

	l.config.logger.InfoContext(ctx, "lane started",
		slog.String("lane", l.name),
		slog.String("policy", l.config.restartPolicy.String()),
		slog.Duration("processing_timeout", l.config.processingTimeout),
	)
	return nil
}

// Stop closes the queue, cancels any in-flight apply and waits for the
// supervisor to exit or ctx to expire. Queued events stay unapplied; a lane with
// a checkpoint store picks them up again from the log on the next start.
func (l *Lane) Stop(ctx context.Context) error {
	l.queue.Close()

	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		l.setState(Stopped)
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lane %s: %w", l.name, ctx.Err())
	}
}

// Done is closed when the supervisor exits. It is nil before Start.
func (l *Lane) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Lane) catchUp(ctx context.Context) error {
	var position int64
	if cs := l.config.checkpointStore; cs != nil {
		cp, err := cs.Load(ctx, l.name)
		switch {
		case err == nil:
			position = cp.Position
			l.mu.Lock()
			if position > l.lastPosition {
				l.lastPosition = position
				l.lastEventID = cp.LastEventID
			}
			l.mu.Unlock()
		case errors.Is(err, domain.ErrCheckpointNotFound):
		default:
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}

	es := l.config.eventStore
	if es == nil {
		return nil
	}

	var backlog []*domain.Event
	after := position
	for {
		events, err := es.LoadAllEvents(ctx, after, l.config.catchUpBatchSize)
		if err != nil {
			return fmt.Errorf("failed to load events after position %d: %w", after, err)
		}
		backlog = append(backlog, events...)
		if len(events) < l.config.catchUpBatchSize {
			break
		}
		after = events[len(events)-1].Position
	}

	depth := l.queue.PushFront(backlog)
	l.observeDepth(ctx, depth)

	l.config.logger.InfoContext(ctx, "lane catch-up loaded",
		slog.String("lane", l.name),
		slog.Int64("position", position),
		slog.Int("events_count", len(backlog)),
	)
	return nil
}

func (l *Lane) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		workerCtx, stopWorker := context.WithCancel(ctx)
		f := l.work(workerCtx)
		stopWorker()

		if f == nil || ctx.Err() != nil {
			l.setState(Stopped)
			return
		}
		if !l.handleFailure(ctx, f) {
			l.setState(Stopped)
			return
		}
	}
}

// work is the consumption worker. It returns nil when the lane stops and a
// failure when an apply did not complete.
func (l *Lane) work(ctx context.Context) *failure {
	for {
		if ctx.Err() != nil {
			return nil
		}

		evt, ok := l.queue.Peek()
		if !ok {
			if l.queue.Closed() {
				return nil
			}
			l.setState(Idle)
			select {
			case <-ctx.Done():
				return nil
			case <-l.queue.Wait():
			}
			continue
		}

		if l.isDuplicate(evt) {
			depth := l.queue.Pop(evt)
			l.observeDepth(ctx, depth)
			l.config.logger.DebugContext(ctx, "dropping already applied event",
				slog.String("lane", l.name),
				slog.String("event_id", evt.ID),
				slog.Int64("position", evt.Position),
			)
			continue
		}

		l.setState(Consuming)
		if f := l.apply(ctx, evt); f != nil {
			if ctx.Err() != nil {
				return nil
			}
			return f
		}
		l.complete(ctx, evt)
	}
}

func (l *Lane) apply(ctx context.Context, evt *domain.Event) *failure {
	attempt := l.beginAttempt(evt)
	l.delivered.Add(1)
	l.config.metrics.RecordLaneDelivery(ctx, l.name)

	applyCtx, cancel := context.WithTimeout(ctx, l.config.processingTimeout)
	defer cancel()

	applyCtx, span := l.config.tracer.Start(applyCtx, "lane.apply",
		trace.WithAttributes(observability.EventAttrs(evt)...),
		trace.WithAttributes(
			observability.AttrLane.String(l.name),
			observability.AttrAttempt.Int(attempt),
		),
	)

	envelope := &domain.EventEnvelope{Event: *evt.Clone(), Attempt: attempt}
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("projection panicked: %v", r)
			}
		}()
		result <- l.projection.Handle(applyCtx, envelope)
	}()

	var f *failure
	select {
	case err := <-result:
		f = l.outcome(ctx, applyCtx, evt, attempt, err)
	case <-applyCtx.Done():
		select {
		case err := <-result:
			f = l.outcome(ctx, applyCtx, evt, attempt, err)
		default:
			f = l.abandoned(ctx, evt, attempt, result)
		}
	}

	if f != nil {
		observability.EndSpan(span, f.err)
	} else {
		observability.EndSpan(span, nil)
	}
	return f
}

// outcome classifies an invocation that returned.
func (l *Lane) outcome(ctx, applyCtx context.Context, evt *domain.Event, attempt int, err error) *failure {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(applyCtx.Err(), context.DeadlineExceeded) {
		l.timedOut.Add(1)
		l.config.metrics.RecordLaneOutcome(ctx, l.name, observability.OutcomeTimedOut)
		return &failure{
			event:   evt,
			attempt: attempt,
			err:     fmt.Errorf("%w: %s exceeded %s: %w", domain.ErrProjectionTimeout, evt.EventType, l.config.processingTimeout, err),
		}
	}
	l.interrupted.Add(1)
	l.config.metrics.RecordLaneOutcome(ctx, l.name, observability.OutcomeInterrupted)
	return &failure{
		event:   evt,
		attempt: attempt,
		err:     fmt.Errorf("%w: %w", domain.ErrInterruptedDuringApply, err),
	}
}

// abandoned handles an invocation still running when its context ended.
func (l *Lane) abandoned(ctx context.Context, evt *domain.Event, attempt int, pending <-chan error) *failure {
	if ctx.Err() != nil {
		l.interrupted.Add(1)
		l.config.metrics.RecordLaneOutcome(ctx, l.name, observability.OutcomeInterrupted)
		return &failure{
			event:   evt,
			attempt: attempt,
			err:     fmt.Errorf("%w: %w", domain.ErrInterruptedDuringApply, ctx.Err()),
			pending: pending,
		}
	}
	l.timedOut.Add(1)
	l.config.metrics.RecordLaneOutcome(ctx, l.name, observability.OutcomeTimedOut)
	return &failure{
		event:   evt,
		attempt: attempt,
		err:     fmt.Errorf("%w: %s did not return within %s", domain.ErrProjectionTimeout, evt.EventType, l.config.processingTimeout),
		pending: pending,
	}
}

// handleFailure runs the TimedOut and Restarting phases. It returns false if
// the lane stopped meanwhile.
func (l *Lane) handleFailure(ctx context.Context, f *failure) bool {
	l.setState(TimedOut)
	l.config.logger.WarnContext(ctx, "lane apply failed",
		slog.String("lane", l.name),
		slog.String("event_id", f.event.ID),
		slog.String("aggregate_id", f.event.AggregateID),
		slog.Int64("version", f.event.Version),
		slog.Int64("position", f.event.Position),
		slog.Int("attempt", f.attempt),
		slog.String("error", f.err.Error()),
	)

	if f.pending != nil {
		grace := time.NewTimer(l.config.stopGrace)
		select {
		case <-f.pending:
		case <-grace.C:
			l.config.logger.ErrorContext(ctx, "abandoned apply still running after grace period",
				slog.String("lane", l.name),
				slog.String("event_id", f.event.ID),
				slog.Duration("stop_grace", l.config.stopGrace),
			)
		case <-ctx.Done():
			grace.Stop()
			return false
		}
		grace.Stop()
	}

	l.setState(Restarting)
	l.restarts.Add(1)
	l.config.metrics.RecordLaneRestart(ctx, l.name, l.config.restartPolicy.String())

	if l.config.restartPolicy == SkipToNext || (l.config.maxAttempts > 0 && f.attempt >= l.config.maxAttempts) {
		l.skip(ctx, f)
	}

	if l.config.restartBackoff > 0 {
		backoff := time.NewTimer(l.config.restartBackoff)
		defer backoff.Stop()
		select {
		case <-backoff.C:
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

func (l *Lane) skip(ctx context.Context, f *failure) {
	depth := l.queue.Pop(f.event)

	l.mu.Lock()
	l.skipped = append(l.skipped, SkippedEvent{
		Event:     f.event,
		Attempts:  f.attempt,
		Err:       f.err,
		SkippedAt: domain.Now(),
	})
	l.advance(f.event)
	l.mu.Unlock()

	l.config.logger.ErrorContext(ctx, "event skipped by restart policy",
		slog.String("lane", l.name),
		slog.String("event_id", f.event.ID),
		slog.String("aggregate_id", f.event.AggregateID),
		slog.Int64("version", f.event.Version),
		slog.Int64("position", f.event.Position),
		slog.Int("attempt", f.attempt),
		slog.String("error", f.err.Error()),
	)
	l.config.metrics.RecordLaneSkipped(ctx, l.name, f.event.EventType)
	l.observeDepth(ctx, depth)
	l.saveCheckpoint(ctx, f.event)
}

func (l *Lane) complete(ctx context.Context, evt *domain.Event) {
	depth := l.queue.Pop(evt)

	l.mu.Lock()
	l.advance(evt)
	l.mu.Unlock()

	l.completed.Add(1)
	l.config.metrics.RecordLaneOutcome(ctx, l.name, observability.OutcomeCompleted)
	if !evt.Timestamp.IsZero() {
		l.config.metrics.RecordProjectionLag(ctx, l.name, time.Since(evt.Timestamp))
	}
	l.observeDepth(ctx, depth)
	l.saveCheckpoint(ctx, evt)
}

// advance moves the lane past evt. Callers hold l.mu.
func (l *Lane) advance(evt *domain.Event) {
	if evt.Position > l.lastPosition {
		l.lastPosition = evt.Position
		l.lastEventID = evt.ID
	}
	l.headID = ""
	l.headAttempts = 0
}

func (l *Lane) beginAttempt(evt *domain.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.headID != evt.ID {
		l.headID = evt.ID
		l.headAttempts = 0
	}
	l.headAttempts++
	return l.headAttempts
}

func (l *Lane) isDuplicate(evt *domain.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return evt.Position > 0 && evt.Position <= l.lastPosition
}

func (l *Lane) saveCheckpoint(ctx context.Context, evt *domain.Event) {
	cs := l.config.checkpointStore
	if cs == nil || evt.Position == 0 {
		return
	}
	err := cs.Save(ctx, &store.Checkpoint{
		Lane:        l.name,
		Position:    evt.Position,
		LastEventID: evt.ID,
		UpdatedAt:   domain.Now(),
	})
	if err != nil {
		l.config.logger.WarnContext(ctx, "failed to save lane checkpoint",
			slog.String("lane", l.name),
			slog.Int64("position", evt.Position),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Lane) observeDepth(ctx context.Context, depth int) {
	l.config.metrics.RecordQueueDepth(ctx, l.name, depth)

	threshold := l.config.queueWarnThreshold
	l.mu.Lock()
	crossed := depth >= threshold && !l.warned
	if crossed {
		l.warned = true
	} else if depth < threshold {
		l.warned = false
	}
	l.mu.Unlock()

	if crossed {
		l.config.logger.WarnContext(ctx, "lane queue depth above threshold",
			slog.String("lane", l.name),
			slog.Int("depth", depth),
			slog.Int("threshold", threshold),
		)
	}
}

func (l *Lane) setState(to State) {
	l.mu.Lock()
	from := l.state
	if from == to || from == Stopped {
		l.mu.Unlock()
		return
	}
	l.state = to
	l.mu.Unlock()

	l.config.logger.Debug("lane state changed",
		slog.String("lane", l.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if l.config.onStateChange != nil {
		l.config.onStateChange(l.name, from, to)
	}
}
