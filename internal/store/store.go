// Package store defines the unit of work the rental lifecycle runs in. A Tx hands out
// repositories bound to one database transaction; Do commits when fn returns nil and rolls
// back otherwise.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/rental"
	"github.com/semanticallynull/rentalengine-backend/rider"
	"github.com/semanticallynull/rentalengine-backend/station"
)

// ErrConflict is returned when the database aborted the transaction because of a
// serialization failure or deadlock. The whole operation can be retried.
var ErrConflict = errors.New("store: transaction conflict")

type Tx interface {
	Bikes() bike.Store
	Stations() station.Store
	Riders() rider.Store
	Rentals() rental.Store
	Wallets() ledger.Store
}

type Store interface {
	// Do runs fn in a read-write transaction.
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn in a read-only transaction. Changes made by fn are never kept.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.run(ctx, nil, fn)
}

func (p *Postgres) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (p *Postgres) run(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// classify marks serialization failures and deadlocks as ErrConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t pgTx) Bikes() bike.Store       { return bike.NewRepository(t.tx) }
func (t pgTx) Stations() station.Store { return station.NewRepository(t.tx) }
func (t pgTx) Riders() rider.Store     { return rider.NewRepository(t.tx) }
func (t pgTx) Rentals() rental.Store   { return rental.NewRepository(t.tx) }
func (t pgTx) Wallets() ledger.Store   { return ledger.NewRepository(t.tx) }
