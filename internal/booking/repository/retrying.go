package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/booking/domain"
)

var (
	saveRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_store_save_retries_total",
		Help: "Booking saves that were retried after a failure.",
	})
	saveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_store_save_failures_total",
		Help: "Booking saves that failed after exhausting retries.",
	})
)

// RetryingStore retries failed saves with quadratic backoff.
type RetryingStore struct {
	next    domain.BookingStore
	max     int
	backoff time.Duration
	logger  *zap.Logger
}

// NewRetryingStore wraps next. maxAttempts <= 0 defaults to 3.
func NewRetryingStore(next domain.BookingStore, maxAttempts int, backoff time.Duration, logger *zap.Logger) *RetryingStore {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingStore{next: next, max: maxAttempts, backoff: backoff, logger: logger.Named("store")}
}

func (r *RetryingStore) Save(ctx context.Context, booking domain.Booking) error {
	var attempt int
	for {
		attempt++
		err := r.next.Save(ctx, booking)
		if err == nil {
			return nil
		}
		r.logger.Warn("save booking failed",
			zap.String("booking_id", booking.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt >= r.max {
			saveFailures.Inc()
			return err
		}
		saveRetries.Inc()
		select {
		case <-time.After(time.Duration(attempt*attempt) * r.backoff):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
}

func (r *RetryingStore) FindByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return r.next.FindByID(ctx, id)
}
