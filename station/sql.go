package station

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("station not found")

type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Station, error)
	List(ctx context.Context) ([]Station, error)
}

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) List(ctx context.Context) ([]Station, error) {
	var stations []Station
	err := sqlx.SelectContext(ctx, r.db, &stations, getStations)
	return stations, err
}

const getStations = `SELECT * FROM stations ORDER BY name ASC`

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Station, error) {
	var station Station
	err := sqlx.GetContext(ctx, r.db, &station, getStation, id)
	if errors.Is(err, sql.ErrNoRows) {
		return station, ErrNotFound
	}
	return station, err
}

const getStation = `SELECT * FROM stations WHERE id = $1`
