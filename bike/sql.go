package bike

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound     = errors.New("bike not found")
	ErrNotAvailable = errors.New("bike not available")
	ErrInvalidState = errors.New("invalid bike state transition")
)

// Store is the bike persistence used inside a unit of work. Methods that lock rows hold
// the lock until the surrounding transaction ends.
type Store interface {
	// FirstAvailable locks the offerable bike of type t with the lowest id at the station.
	// Bikes locked by other transactions are skipped. Returns ErrNotAvailable when none is left.
	FirstAvailable(ctx context.Context, stationID uuid.UUID, t Type, minCharge int) (Bike, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (Bike, error)
	// SetState moves a bike to a new state. A nil stationID leaves the station unchanged.
	// Moves outside AllowedTransitions fail with ErrInvalidState.
	SetState(ctx context.Context, id uuid.UUID, s State, stationID *uuid.UUID) error
	ListByStation(ctx context.Context, stationID uuid.UUID) ([]Bike, error)
}

type Repository struct {
	db sqlx.ExtContext
}

// NewRepository binds a repository to a database handle or an open transaction.
func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FirstAvailable(ctx context.Context, stationID uuid.UUID, t Type, minCharge int) (Bike, error) {
	var b Bike
	err := sqlx.GetContext(ctx, r.db, &b, firstAvailable, stationID, t, minCharge)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotAvailable
	}
	return b, err
}

const firstAvailable = `
SELECT * FROM bikes
WHERE station_id = $1
  AND type = $2
  AND state = 'available'
  AND (type <> 'electric' OR charge_level >= $3)
ORDER BY id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`

func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (Bike, error) {
	var b Bike
	err := sqlx.GetContext(ctx, r.db, &b, getForUpdate, id)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

const getForUpdate = `SELECT * FROM bikes WHERE id = $1 FOR UPDATE`

func (r *Repository) SetState(ctx context.Context, id uuid.UUID, s State, stationID *uuid.UUID) error {
	var cur State
	err := sqlx.GetContext(ctx, r.db, &cur, stateForUpdate, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !CanTransition(cur, s) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidState, cur, s)
	}
	_, err = r.db.ExecContext(ctx, setState, id, s, stationID)
	return err
}

const stateForUpdate = `SELECT state FROM bikes WHERE id = $1 FOR UPDATE`

const setState = `
UPDATE bikes
SET state = $2, station_id = COALESCE($3, station_id), updated_at = now()
WHERE id = $1
`

func (r *Repository) ListByStation(ctx context.Context, stationID uuid.UUID) ([]Bike, error) {
	var bikes []Bike
	err := sqlx.SelectContext(ctx, r.db, &bikes, listByStation, stationID)
	return bikes, err
}

const listByStation = `SELECT * FROM bikes WHERE station_id = $1 ORDER BY serial ASC`
