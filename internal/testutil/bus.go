package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/google/uuid"
)

// MockBus records published events. PublishFunc, when set, decides the outcome.
type MockBus struct {
	mu        sync.Mutex
	published []outbox.Event
	seq       int

	PublishFunc func(ctx context.Context, e *outbox.Event) error
}

func NewMockBus() *MockBus {
	return &MockBus{}
}

func (b *MockBus) Publish(ctx context.Context, e *outbox.Event) (string, error) {
	if b.PublishFunc != nil {
		if err := b.PublishFunc(ctx, e); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.published = append(b.published, *e)
	return fmt.Sprintf("%d-0", b.seq), nil
}

// Published returns delivered events in delivery order.
func (b *MockBus) Published() []outbox.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]outbox.Event(nil), b.published...)
}

// DeliveriesOf counts deliveries of one outbox event id.
func (b *MockBus) DeliveriesOf(id uuid.UUID) int {
	n := 0
	for _, e := range b.Published() {
		if e.ID == id {
			n++
		}
	}
	return n
}
