// Package ledger records every wallet balance movement as an append-only entry. A wallet's
// balance is a cache of the sum of its entries and is only written together with a new entry.
package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindTopUp      Kind = "TOPUP"
	KindCharge     Kind = "CHARGE"
	KindRefund     Kind = "REFUND"
	KindPenalty    Kind = "PENALTY"
	KindAdjustment Kind = "ADJUSTMENT"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTopUp, KindCharge, KindRefund, KindPenalty, KindAdjustment:
		return true
	}
	return false
}

// Debit reports whether entries of this kind take money out of the wallet.
func (k Kind) Debit() bool {
	return k == KindCharge || k == KindPenalty
}

// Signed applies the kind's fixed sign to the magnitude of amount.
func (k Kind) Signed(amount int64) int64 {
	if amount < 0 {
		amount = -amount
	}
	if k.Debit() {
		return -amount
	}
	return amount
}

type Wallet struct {
	ID        uuid.UUID `db:"id" json:"id"`
	RiderID   uuid.UUID `db:"rider_id" json:"riderId"`
	Balance   int64     `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Entry is one immutable, signed movement against a wallet.
type Entry struct {
	ID       uuid.UUID `db:"id"`
	WalletID uuid.UUID `db:"wallet_id"`
	Kind     Kind      `db:"kind"`
	// Amount is signed: credits are positive, debits negative.
	Amount       int64          `db:"amount"`
	BalanceAfter int64          `db:"balance_after"`
	Description  string         `db:"description"`
	Reference    sql.NullString `db:"reference"`
	CreatedAt    time.Time      `db:"created_at"`
}
