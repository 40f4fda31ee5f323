package projection

import (
	"context"
	"sync"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
)

// StallFunc runs before an event is applied and may block to simulate a slow handler.
// delivery is the 1-based count of handler invocations on the projection.
// A non-nil error aborts the apply.
type StallFunc func(ctx context.Context, delivery int64, envelope *domain.EventEnvelope) error

// Sleep blocks for d or until ctx is done, returning ctx.Err() if interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EveryNthDelivery blocks every n-th delivery for d.
func EveryNthDelivery(n int64, d time.Duration) StallFunc {
	return func(ctx context.Context, delivery int64, envelope *domain.EventEnvelope) error {
		if n > 0 && delivery%n == 0 {
			return Sleep(ctx, d)
		}
		return nil
	}
}

// StallOnce blocks the first delivery of an event for aggregateID for d.
func StallOnce(aggregateID string, d time.Duration) StallFunc {
	var once sync.Once
	return func(ctx context.Context, delivery int64, envelope *domain.EventEnvelope) error {
		if envelope.AggregateID != aggregateID {
			return nil
		}
		stall := false
		once.Do(func() { stall = true })
		if stall {
			return Sleep(ctx, d)
		}
		return nil
	}
}
