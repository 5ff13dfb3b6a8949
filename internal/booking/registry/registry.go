package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/georoute"
)

var (
	ErrTaxiNotFound = errors.New("taxi not found")
	// ErrStatusConflict is returned when a status change is not allowed from the taxi's current status.
	ErrStatusConflict = errors.New("taxi status conflict")
)

// Registry owns taxi availability. TryReserve is the only way a taxi becomes OFFERED.
type Registry interface {
	// FindCandidates returns AVAILABLE taxis ordered by straight-line distance to pickup,
	// ties broken by id. An empty result is not an error.
	FindCandidates(ctx context.Context, pickup domain.Location, maxResults int) ([]domain.Taxi, error)
	// TryReserve moves a taxi from AVAILABLE to OFFERED and reports whether it did.
	TryReserve(ctx context.Context, taxiID uuid.UUID) (bool, error)
	// Release sets a reserved taxi to AVAILABLE or BUSY.
	Release(ctx context.Context, taxiID uuid.UUID, status domain.TaxiStatus) error

	Register(ctx context.Context, taxi domain.Taxi) error
	Taxi(ctx context.Context, taxiID uuid.UUID) (domain.Taxi, error)
	SetOnline(ctx context.Context, taxiID uuid.UUID, online bool) error
	UpdateLocation(ctx context.Context, taxiID uuid.UUID, loc domain.Location) error
}

var (
	reserveFrom          = []domain.TaxiStatus{domain.TaxiAvailable}
	releaseAvailableFrom = []domain.TaxiStatus{domain.TaxiOffered, domain.TaxiBusy, domain.TaxiAvailable}
	releaseBusyFrom      = []domain.TaxiStatus{domain.TaxiOffered}
	shiftFrom            = []domain.TaxiStatus{domain.TaxiOffline, domain.TaxiAvailable}
)

func releaseRule(status domain.TaxiStatus) ([]domain.TaxiStatus, error) {
	switch status {
	case domain.TaxiAvailable:
		return releaseAvailableFrom, nil
	case domain.TaxiBusy:
		return releaseBusyFrom, nil
	default:
		return nil, fmt.Errorf("release to %s: %w", status, ErrStatusConflict)
	}
}

func shiftTarget(online bool) domain.TaxiStatus {
	if online {
		return domain.TaxiAvailable
	}
	return domain.TaxiOffline
}

func allowed(current domain.TaxiStatus, from []domain.TaxiStatus) bool {
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}

type candidate struct {
	taxi domain.Taxi
	dist float64
}

// rank orders candidates by distance then id and truncates to maxResults.
func rank(cands []candidate, maxResults int) []domain.Taxi {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return bytes.Compare(cands[i].taxi.ID[:], cands[j].taxi.ID[:]) < 0
	})
	if len(cands) > maxResults {
		cands = cands[:maxResults]
	}
	out := make([]domain.Taxi, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.taxi)
	}
	return out
}

func distance(a, b domain.Location) float64 {
	return georoute.Haversine(a, b)
}
