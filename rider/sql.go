package rider

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("rider not found")

type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Rider, error)
	// GetForUpdate locks the rider row, serialising lifecycle operations per rider.
	GetForUpdate(ctx context.Context, id uuid.UUID) (Rider, error)
	GetByAuth0ID(ctx context.Context, auth0ID string) (Rider, error)
	Create(ctx context.Context, auth0ID string) (Rider, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, email, name string) error
	SetStripeID(ctx context.Context, id uuid.UUID, stripeID string) error
	// SetDebt records the rider's unpaid amount and raises or clears the negative balance sanction.
	SetDebt(ctx context.Context, id uuid.UUID, debt int64) error
}

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Rider, error) {
	var rd Rider
	err := sqlx.GetContext(ctx, r.db, &rd, getRiderQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Rider{}, ErrNotFound
	}
	return rd, err
}

const getRiderQuery = "SELECT * FROM riders WHERE id = $1"

func (r *Repository) GetForUpdate(ctx context.Context, id uuid.UUID) (Rider, error) {
	var rd Rider
	err := sqlx.GetContext(ctx, r.db, &rd, getRiderForUpdateQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Rider{}, ErrNotFound
	}
	return rd, err
}

const getRiderForUpdateQuery = "SELECT * FROM riders WHERE id = $1 FOR UPDATE"

func (r *Repository) GetByAuth0ID(ctx context.Context, auth0ID string) (Rider, error) {
	var rd Rider
	err := sqlx.GetContext(ctx, r.db, &rd, getRiderByAuth0IDQuery, auth0ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Rider{}, ErrNotFound
	}
	return rd, err
}

const getRiderByAuth0IDQuery = "SELECT * FROM riders WHERE auth0_id = $1"

func (r *Repository) Create(ctx context.Context, auth0ID string) (Rider, error) {
	var rd Rider
	err := sqlx.GetContext(ctx, r.db, &rd, createRiderQuery, uuid.New(), auth0ID)
	return rd, err
}

const createRiderQuery = "INSERT INTO riders (id, auth0_id, created_at) VALUES ($1, $2, now()) RETURNING *"

func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, email, name string) error {
	_, err := r.db.ExecContext(ctx, updateProfileQuery, email, name, id)
	return err
}

const updateProfileQuery = `UPDATE riders SET email = NULLIF($1, ''), name = NULLIF($2, '') WHERE id = $3`

func (r *Repository) SetStripeID(ctx context.Context, id uuid.UUID, stripeID string) error {
	_, err := r.db.ExecContext(ctx, setStripeIDQuery, stripeID, id)
	return err
}

const setStripeIDQuery = "UPDATE riders SET stripe_id = $1 WHERE id = $2"

func (r *Repository) SetDebt(ctx context.Context, id uuid.UUID, debt int64) error {
	_, err := r.db.ExecContext(ctx, setDebtQuery, debt, id)
	return err
}

const setDebtQuery = "UPDATE riders SET debt = $1, negative_balance = $1 > 0 WHERE id = $2"
