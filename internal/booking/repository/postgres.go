package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/example/taxidispatch/internal/booking/domain"
)

//go:embed schema.sql
var schema string

// PostgresStore persists bookings as JSON documents with their state and version broken
// out for querying. It also writes booking events to the outbox table.
type PostgresStore struct {
	db          *sqlx.DB
	eventsTopic string
}

// NewPostgresStore wraps db. eventsTopic is the NATS subject outbox rows are relayed to.
func NewPostgresStore(db *sqlx.DB, eventsTopic string) *PostgresStore {
	if eventsTopic == "" {
		eventsTopic = "booking.events"
	}
	return &PostgresStore{db: db, eventsTopic: eventsTopic}
}

// Migrate creates the bookings and outbox tables when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type bookingRow struct {
	ID          uuid.UUID `db:"id"`
	PassengerID uuid.UUID `db:"passenger_id"`
	State       string    `db:"state"`
	Version     int64     `db:"version"`
	Document    []byte    `db:"document"`
	UpdatedAt   time.Time `db:"updated_at"`
}

const upsertBooking = `
	INSERT INTO bookings (id, passenger_id, state, version, document, updated_at)
	VALUES (:id, :passenger_id, :state, :version, :document, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		state = EXCLUDED.state,
		version = EXCLUDED.version,
		document = EXCLUDED.document,
		updated_at = EXCLUDED.updated_at`

// Save upserts the booking; the last write wins.
func (p *PostgresStore) Save(ctx context.Context, booking domain.Booking) error {
	doc, err := json.Marshal(booking)
	if err != nil {
		return fmt.Errorf("encode booking %s: %w", booking.ID, err)
	}
	row := bookingRow{
		ID:          booking.ID,
		PassengerID: booking.PassengerID,
		State:       string(booking.State),
		Version:     booking.Version,
		Document:    doc,
		UpdatedAt:   booking.UpdatedAt,
	}
	if _, err := p.db.NamedExecContext(ctx, upsertBooking, row); err != nil {
		return fmt.Errorf("save booking %s: %w", booking.ID, err)
	}
	return nil
}

// FindByID implements domain.BookingStore.
func (p *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var row bookingRow
	err := p.db.GetContext(ctx, &row, `SELECT id, passenger_id, state, version, document, updated_at FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("find booking %s: %w", id, err)
	}
	var b domain.Booking
	if err := json.Unmarshal(row.Document, &b); err != nil {
		return domain.Booking{}, fmt.Errorf("decode booking %s: %w", id, err)
	}
	return b, nil
}

// Publish appends the event to the outbox; the outbox worker forwards it to NATS.
func (p *PostgresStore) Publish(ctx context.Context, event domain.BookingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO outbox (topic, payload, created_at) VALUES ($1, $2, $3)`,
		p.eventsTopic, payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
