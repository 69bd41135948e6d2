package rider

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Rider struct {
	ID        uuid.UUID      `db:"id"`
	Auth0ID   string         `db:"auth0_id"`
	StripeID  sql.NullString `db:"stripe_id"`
	Email     sql.NullString `db:"email"`
	Name      sql.NullString `db:"name"`
	CreatedAt time.Time      `db:"created_at"`

	// HasFines and NegativeBalance are sanctions. Either one blocks new reservations.
	// NegativeBalance follows Debt: it is set while a completed trip is still unpaid.
	HasFines        bool `db:"has_fines"`
	NegativeBalance bool `db:"negative_balance"`
	// Debt is the part of completed trip fares the wallet could not cover.
	Debt int64 `db:"debt"`
}

func (r Rider) Sanctioned() bool {
	return r.HasFines || r.NegativeBalance
}
