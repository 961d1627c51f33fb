package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/paywallet/internal/ledger"
)

// EventStore persists every received event, including rejected ones.
type EventStore interface {
	// Record inserts ev when its id is new. For a known id it bumps the
	// delivery count and returns the stored event with created=false.
	Record(ctx context.Context, ev PaymentEvent) (stored PaymentEvent, created bool, err error)
	// Finalize moves a pending event to its terminal outcome exactly once.
	Finalize(ctx context.Context, id string, o Outcome) (PaymentEvent, error)
	Get(ctx context.Context, id string) (PaymentEvent, error)
	// ListByStatus returns events oldest first.
	ListByStatus(ctx context.Context, status string, limit int) ([]PaymentEvent, error)
}

// MemoryEventStore keeps events in process memory.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]PaymentEvent
}

// NewMemoryEventStore builds an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]PaymentEvent)}
}

// Record implements EventStore.
func (s *MemoryEventStore) Record(_ context.Context, ev PaymentEvent) (PaymentEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[ev.ID]; ok {
		existing.Deliveries++
		if ev.Attempt > existing.Attempt {
			existing.Attempt = ev.Attempt
		}
		s.events[ev.ID] = existing
		return existing, false, nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if Terminal(ev.Status) && ev.ProcessedAt == nil {
		now := ev.ReceivedAt
		ev.ProcessedAt = &now
	}
	ev.Deliveries = 1
	s.events[ev.ID] = ev
	return ev, true, nil
}

// Finalize implements EventStore.
func (s *MemoryEventStore) Finalize(_ context.Context, id string, o Outcome) (PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return PaymentEvent{}, fmt.Errorf("%w: event %s", ledger.ErrNotFound, id)
	}
	if ev.Status != StatusPending {
		return ev, ErrAlreadyFinal
	}
	now := time.Now().UTC()
	ev.Status, ev.Reason, ev.EntryID, ev.ProcessedAt = o.Status, o.Reason, o.EntryID, &now
	s.events[id] = ev
	return ev, nil
}

// Get implements EventStore.
func (s *MemoryEventStore) Get(_ context.Context, id string) (PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return PaymentEvent{}, fmt.Errorf("%w: event %s", ledger.ErrNotFound, id)
	}
	return ev, nil
}

// ListByStatus implements EventStore.
func (s *MemoryEventStore) ListByStatus(_ context.Context, status string, limit int) ([]PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []PaymentEvent{}
	for _, ev := range s.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
