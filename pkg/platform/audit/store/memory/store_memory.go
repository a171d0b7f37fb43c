package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	audit "custodia/pkg/platform/audit"
)

type InMemoryStore struct {
	mu    sync.RWMutex
	order []audit.Event
	byID  map[uuid.UUID][]audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[uuid.UUID][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[uuid.UUID][]audit.Event)
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, event)
	if event.EntityID != uuid.Nil {
		s.byID[event.EntityID] = append(s.byID[event.EntityID], event)
	}
	return nil
}

func (s *InMemoryStore) ListByEntity(_ context.Context, entityID uuid.UUID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.byID[entityID]...), nil
}

// ListByTransaction returns every event stamped with the batch transaction id.
func (s *InMemoryStore) ListByTransaction(_ context.Context, txID uuid.UUID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []audit.Event
	for _, e := range s.order {
		if e.TransactionID == txID {
			events = append(events, e)
		}
	}
	return events, nil
}

// ListAll returns every recorded event in append order.
func (s *InMemoryStore) ListAll(_ context.Context) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.order...), nil
}
