package rental

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound = errors.New("rental not found")
	// ErrOpenRentalExists is returned when a rider already holds a reserved or active rental.
	ErrOpenRentalExists = errors.New("rider already has an open rental")
	// ErrStale is returned when the rental changed status since it was read.
	ErrStale = errors.New("rental status changed concurrently")
)

type Store interface {
	Create(ctx context.Context, r *Rental) error
	Get(ctx context.Context, id uuid.UUID) (Rental, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (Rental, error)
	// OpenByRiderForUpdate returns the rider's reserved and active rentals, newest first.
	OpenByRiderForUpdate(ctx context.Context, riderID uuid.UUID) ([]Rental, error)
	// Update persists r provided its stored status is still from.
	Update(ctx context.Context, r *Rental, from Status) error
	ListByRider(ctx context.Context, riderID uuid.UUID, limit int) ([]Rental, error)
}

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

const openRentalIndex = "rentals_one_open_per_rider"

func (r *Repository) Create(ctx context.Context, rt *Rental) error {
	err := sqlx.GetContext(ctx, r.db, rt, createRentalQuery,
		rt.ID, rt.RiderID, rt.BikeID, rt.BikeSerial, rt.DockPosition,
		rt.OriginStationID, rt.DestinationStationID, rt.TripType, rt.Status, rt.PaymentMethod,
		rt.UnlockCode, rt.EstimatedFare, rt.PrepaidAmount, rt.ReservedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openRentalIndex {
		return ErrOpenRentalExists
	}
	return err
}

const createRentalQuery = `
INSERT INTO rentals (
    id, rider_id, bike_id, bike_serial, dock_position,
    origin_station_id, destination_station_id, trip_type, status, payment_method,
    unlock_code, estimated_fare, prepaid_amount, reserved_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
RETURNING *
`

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Rental, error) {
	return r.get(ctx, getRentalQuery, id)
}

const getRentalQuery = `SELECT * FROM rentals WHERE id = $1`

func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (Rental, error) {
	return r.get(ctx, getRentalForUpdateQuery, id)
}

const getRentalForUpdateQuery = `SELECT * FROM rentals WHERE id = $1 FOR UPDATE`

func (r *Repository) get(ctx context.Context, query string, id uuid.UUID) (Rental, error) {
	var rt Rental
	err := sqlx.GetContext(ctx, r.db, &rt, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Rental{}, ErrNotFound
	}
	return rt, err
}

func (r *Repository) OpenByRiderForUpdate(ctx context.Context, riderID uuid.UUID) ([]Rental, error) {
	var rentals []Rental
	err := sqlx.SelectContext(ctx, r.db, &rentals, openByRiderQuery, riderID)
	return rentals, err
}

const openByRiderQuery = `
SELECT * FROM rentals
WHERE rider_id = $1
  AND status IN ('reserved', 'active')
ORDER BY reserved_at DESC
FOR UPDATE
`

func (r *Repository) Update(ctx context.Context, rt *Rental, from Status) error {
	err := sqlx.GetContext(ctx, r.db, rt, updateRentalQuery,
		rt.ID, from, rt.Status, rt.DestinationStationID, rt.FinalFare, rt.OffStation,
		rt.DurationTenths, rt.CancelReason, rt.StartedAt, rt.EndedAt, rt.CancelledAt, rt.Shortfall)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStale
	}
	return err
}

const updateRentalQuery = `
UPDATE rentals
SET status = $3,
    destination_station_id = $4,
    final_fare = $5,
    off_station = $6,
    duration_tenths = $7,
    cancel_reason = $8,
    started_at = $9,
    ended_at = $10,
    cancelled_at = $11,
    shortfall = $12,
    updated_at = now()
WHERE id = $1 AND status = $2
RETURNING *
`

// ListByRider returns the rider's rentals, newest first.
func (r *Repository) ListByRider(ctx context.Context, riderID uuid.UUID, limit int) ([]Rental, error) {
	if limit <= 0 {
		limit = 50
	}
	var rentals []Rental
	err := sqlx.SelectContext(ctx, r.db, &rentals, listByRiderQuery, riderID, limit)
	return rentals, err
}

const listByRiderQuery = `SELECT * FROM rentals WHERE rider_id = $1 ORDER BY reserved_at DESC LIMIT $2`
