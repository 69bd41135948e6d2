package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Request describes one movement. Amount is taken as a magnitude; Kind decides the sign.
type Request struct {
	WalletID    uuid.UUID
	Kind        Kind
	Amount      int64
	Description string
	// Reference links the entry to an outside record, e.g. "rental_<id>" or a payment intent.
	Reference string
}

// Ledger is the single gate through which wallet balances change.
type Ledger struct {
	now     func() time.Time
	entries *prometheus.CounterVec
	amounts *prometheus.CounterVec
}

// New returns a Ledger. Metrics are registered on reg when it is non-nil.
func New(reg prometheus.Registerer) *Ledger {
	l := &Ledger{
		now: time.Now,
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_total",
				Help: "Ledger entries appended, by kind",
			},
			[]string{"kind"},
		),
		amounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_amount_total",
				Help: "Absolute amount moved through the ledger, by kind",
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(l.entries, l.amounts)
	}
	return l
}

// WithClock replaces the clock used for entry timestamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record appends an entry and moves the wallet balance with it. The wallet row stays locked
// by s until the surrounding transaction ends, so concurrent records on one wallet serialise.
func (l *Ledger) Record(ctx context.Context, s Store, req Request) (Entry, error) {
	if !req.Kind.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	if req.Amount == 0 || req.Amount == math.MinInt64 {
		return Entry{}, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}

	w, err := s.WalletForUpdate(ctx, req.WalletID)
	if err != nil {
		return Entry{}, err
	}

	signed := req.Kind.Signed(req.Amount)
	if signed > 0 && w.Balance > math.MaxInt64-signed {
		return Entry{}, fmt.Errorf("%w: credit %d overflows balance %d", ErrInvalidAmount, signed, w.Balance)
	}
	next := w.Balance + signed
	if next < 0 {
		return Entry{}, fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientFunds, w.Balance, -signed)
	}

	e := Entry{
		ID:           uuid.New(),
		WalletID:     w.ID,
		Kind:         req.Kind,
		Amount:       signed,
		BalanceAfter: next,
		Description:  req.Description,
		Reference:    sql.NullString{String: req.Reference, Valid: req.Reference != ""},
		CreatedAt:    l.now().UTC(),
	}
	if err := s.Append(ctx, &e); err != nil {
		return Entry{}, fmt.Errorf("append ledger entry: %w", err)
	}

	l.entries.WithLabelValues(string(e.Kind)).Inc()
	l.amounts.WithLabelValues(string(e.Kind)).Add(float64(abs(signed)))
	return e, nil
}

// WalletFor locks the rider's wallet, creating an empty one on first use.
func (l *Ledger) WalletFor(ctx context.Context, s Store, riderID uuid.UUID) (Wallet, error) {
	w, err := s.WalletByRiderForUpdate(ctx, riderID)
	if !errors.Is(err, ErrWalletNotFound) {
		return w, err
	}
	if err := s.CreateWallet(ctx, riderID); err != nil {
		return Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	return s.WalletByRiderForUpdate(ctx, riderID)
}

// History returns the wallet's most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, s Store, walletID uuid.UUID, limit int) ([]Entry, error) {
	return s.Entries(ctx, walletID, limit)
}

// Reconcile replays a wallet's entries in creation order and checks every balance snapshot
// as well as the cached wallet balance.
func (l *Ledger) Reconcile(ctx context.Context, s Store, walletID uuid.UUID) error {
	w, err := s.WalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}
	entries, err := s.Entries(ctx, walletID, 0)
	if err != nil {
		return err
	}
	return Verify(w, entries)
}

// Verify checks entries (newest first, as returned by Store.Entries) against the wallet.
func Verify(w Wallet, entries []Entry) error {
	var running int64
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		running += e.Amount
		if e.BalanceAfter != running {
			return fmt.Errorf("%w: entry %s snapshot %d, running sum %d", ErrLedgerMismatch, e.ID, e.BalanceAfter, running)
		}
	}
	if running != w.Balance {
		return fmt.Errorf("%w: wallet %s balance %d, entries sum %d", ErrLedgerMismatch, w.ID, w.Balance, running)
	}
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
