package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store is the wallet and entry persistence used inside a unit of work.
type Store interface {
	WalletForUpdate(ctx context.Context, walletID uuid.UUID) (Wallet, error)
	WalletByRiderForUpdate(ctx context.Context, riderID uuid.UUID) (Wallet, error)
	// CreateWallet creates an empty wallet for the rider unless one already exists.
	CreateWallet(ctx context.Context, riderID uuid.UUID) error
	// Append inserts e and sets the wallet balance to e.BalanceAfter.
	Append(ctx context.Context, e *Entry) error
	// Entries lists a wallet's entries newest first. A limit <= 0 returns all of them.
	Entries(ctx context.Context, walletID uuid.UUID, limit int) ([]Entry, error)
}

type Repository struct {
	db sqlx.ExtContext
}

func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WalletForUpdate(ctx context.Context, walletID uuid.UUID) (Wallet, error) {
	return r.wallet(ctx, walletForUpdateQuery, walletID)
}

const walletForUpdateQuery = `SELECT * FROM wallets WHERE id = $1 FOR UPDATE`

func (r *Repository) WalletByRiderForUpdate(ctx context.Context, riderID uuid.UUID) (Wallet, error) {
	return r.wallet(ctx, walletByRiderForUpdateQuery, riderID)
}

const walletByRiderForUpdateQuery = `SELECT * FROM wallets WHERE rider_id = $1 FOR UPDATE`

func (r *Repository) wallet(ctx context.Context, query string, id uuid.UUID) (Wallet, error) {
	var w Wallet
	err := sqlx.GetContext(ctx, r.db, &w, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	return w, err
}

func (r *Repository) CreateWallet(ctx context.Context, riderID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, createWalletQuery, uuid.New(), riderID)
	return err
}

const createWalletQuery = `
INSERT INTO wallets (id, rider_id, balance, created_at, updated_at)
VALUES ($1, $2, 0, now(), now())
ON CONFLICT (rider_id) DO NOTHING
`

func (r *Repository) Append(ctx context.Context, e *Entry) error {
	_, err := r.db.ExecContext(ctx, insertEntryQuery,
		e.ID, e.WalletID, e.Kind, e.Amount, e.BalanceAfter, e.Description, e.Reference, e.CreatedAt)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, setBalanceQuery, e.WalletID, e.BalanceAfter)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

const insertEntryQuery = `
INSERT INTO ledger_entries (id, wallet_id, kind, amount, balance_after, description, reference, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const setBalanceQuery = `UPDATE wallets SET balance = $2, updated_at = now() WHERE id = $1`

func (r *Repository) Entries(ctx context.Context, walletID uuid.UUID, limit int) ([]Entry, error) {
	var entries []Entry
	var err error
	if limit > 0 {
		err = sqlx.SelectContext(ctx, r.db, &entries, entriesLimitQuery, walletID, limit)
	} else {
		err = sqlx.SelectContext(ctx, r.db, &entries, entriesQuery, walletID)
	}
	return entries, err
}

const entryColumns = `id, wallet_id, kind, amount, balance_after, description, reference, created_at`

// seq is a bigserial giving insertion order; created_at can tie within a transaction.
const entriesQuery = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq DESC`

const entriesLimitQuery = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq DESC LIMIT $2`
