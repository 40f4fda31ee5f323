// Package memory provides in-process implementations of the store contracts.
// They are the default collaborators for tests and for single-process runs.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
)

var errClosed = errors.New("memory event store closed")

// EventStore is an in-memory store.EventStore.
// Committed events are cloned on the way in and out, so they stay immutable.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]*domain.Event
	log     []*domain.Event
	closed  bool
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		streams: make(map[string][]*domain.Event),
	}
}

// AppendEvents appends events to an aggregate's stream atomically.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}

	head := int64(len(s.streams[aggregateID]))
	if expectedVersion != store.AnyVersion && expectedVersion != head {
		return 0, domain.ErrConcurrencyConflict
	}
	if len(events) == 0 {
		return head, nil
	}
	if err := store.CheckBatch(aggregateID, head, events); err != nil {
		return 0, err
	}

	for _, evt := range events {
		evt.Position = int64(len(s.log)) + 1
		committed := evt.Clone()
		s.streams[aggregateID] = append(s.streams[aggregateID], committed)
		s.log = append(s.log, committed)
	}

	return head + int64(len(events)), nil
}

// LoadEvents loads the events of an aggregate after afterVersion.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	if afterVersion < 0 {
		afterVersion = 0
	}
	if afterVersion >= int64(len(stream)) {
		return []*domain.Event{}, nil
	}

	out := make([]*domain.Event, 0, int64(len(stream))-afterVersion)
	for _, evt := range stream[afterVersion:] {
		out = append(out, evt.Clone())
	}
	return out, nil
}

// LoadAllEvents loads events from all aggregates in commit order.
func (s *EventStore) LoadAllEvents(ctx context.Context, afterPosition int64, limit int) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterPosition < 0 {
		afterPosition = 0
	}
	if afterPosition >= int64(len(s.log)) {
		return []*domain.Event{}, nil
	}

	tail := s.log[afterPosition:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}

	out := make([]*domain.Event, 0, len(tail))
	for _, evt := range tail {
		out = append(out, evt.Clone())
	}
	return out, nil
}

// GetAggregateVersion returns the current version of an aggregate.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[aggregateID])), nil
}

// Close marks the store closed. Further appends fail.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ store.EventStore = (*EventStore)(nil)
