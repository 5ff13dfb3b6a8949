package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// MemoryRegistry keeps taxis in process. Each taxi has its own lock so reservations of
// different taxis never contend.
type MemoryRegistry struct {
	radiusKM float64

	mu    sync.RWMutex
	taxis map[uuid.UUID]*taxiEntry
}

type taxiEntry struct {
	mu   sync.Mutex
	taxi domain.Taxi
}

// NewMemoryRegistry constructs an empty registry. radiusKM <= 0 disables the radius filter.
func NewMemoryRegistry(radiusKM float64) *MemoryRegistry {
	return &MemoryRegistry{radiusKM: radiusKM, taxis: make(map[uuid.UUID]*taxiEntry)}
}

func (m *MemoryRegistry) entry(id uuid.UUID) (*taxiEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.taxis[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaxiNotFound, id)
	}
	return e, nil
}

// Register adds or replaces a taxi. An unset status registers the taxi OFFLINE.
func (m *MemoryRegistry) Register(_ context.Context, taxi domain.Taxi) error {
	if taxi.Status == "" {
		taxi.Status = domain.TaxiOffline
	}
	if !taxi.Status.Valid() {
		return fmt.Errorf("register taxi %s: unknown status %q", taxi.ID, taxi.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.taxis[taxi.ID]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.taxi.Status == domain.TaxiOffered || e.taxi.Status == domain.TaxiBusy {
			return fmt.Errorf("register taxi %s while %s: %w", taxi.ID, e.taxi.Status, ErrStatusConflict)
		}
		e.taxi = taxi
		return nil
	}
	m.taxis[taxi.ID] = &taxiEntry{taxi: taxi}
	return nil
}

// Taxi returns a snapshot of the taxi.
func (m *MemoryRegistry) Taxi(_ context.Context, id uuid.UUID) (domain.Taxi, error) {
	e, err := m.entry(id)
	if err != nil {
		return domain.Taxi{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taxi, nil
}

// FindCandidates implements Registry.
func (m *MemoryRegistry) FindCandidates(_ context.Context, pickup domain.Location, maxResults int) ([]domain.Taxi, error) {
	if maxResults <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	cands := make([]candidate, 0, len(m.taxis))
	for _, e := range m.taxis {
		e.mu.Lock()
		taxi := e.taxi
		e.mu.Unlock()
		if taxi.Status != domain.TaxiAvailable {
			continue
		}
		d := distance(pickup, taxi.Location)
		if m.radiusKM > 0 && d > m.radiusKM*1000 {
			continue
		}
		cands = append(cands, candidate{taxi: taxi, dist: d})
	}
	m.mu.RUnlock()
	return rank(cands, maxResults), nil
}

// TryReserve implements Registry.
func (m *MemoryRegistry) TryReserve(_ context.Context, id uuid.UUID) (bool, error) {
	e, err := m.entry(id)
	if err != nil {
		countReservation(false)
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !allowed(e.taxi.Status, reserveFrom) {
		countReservation(false)
		return false, nil
	}
	e.taxi.Status = domain.TaxiOffered
	countReservation(true)
	return true, nil
}

// Release implements Registry.
func (m *MemoryRegistry) Release(_ context.Context, id uuid.UUID, status domain.TaxiStatus) error {
	from, err := releaseRule(status)
	if err != nil {
		return err
	}
	if err := m.transition(id, status, from); err != nil {
		return err
	}
	releases.WithLabelValues(string(status)).Inc()
	return nil
}

// SetOnline toggles a taxi between OFFLINE and AVAILABLE. Taxis holding a booking are refused.
func (m *MemoryRegistry) SetOnline(_ context.Context, id uuid.UUID, online bool) error {
	return m.transition(id, shiftTarget(online), shiftFrom)
}

func (m *MemoryRegistry) transition(id uuid.UUID, to domain.TaxiStatus, from []domain.TaxiStatus) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !allowed(e.taxi.Status, from) {
		return fmt.Errorf("taxi %s %s -> %s: %w", id, e.taxi.Status, to, ErrStatusConflict)
	}
	e.taxi.Status = to
	return nil
}

// UpdateLocation records the taxi's last known location.
func (m *MemoryRegistry) UpdateLocation(_ context.Context, id uuid.UUID, loc domain.Location) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.taxi.Location = loc
	e.mu.Unlock()
	return nil
}
