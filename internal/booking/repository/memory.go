package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// ErrNotFound indicates missing bookings.
var ErrNotFound = errors.New("booking not found")

// MemoryStore keeps bookings in process. Used by tests and single-node demos.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
	saves    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[uuid.UUID]domain.Booking)}
}

// Save overwrites any stored booking with the same id.
func (m *MemoryStore) Save(_ context.Context, booking domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[booking.ID] = booking
	m.saves++
	return nil
}

// FindByID returns ErrNotFound for unknown ids.
func (m *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, ErrNotFound
	}
	return b, nil
}

// Saves reports how many writes the store has accepted (for tests).
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
