// Package payment talks to the card processor. It holds no balances; wallet money lives in
// the ledger package.
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNoPaymentMethod = errors.New("payment: no payment method on file")
	ErrNoCustomer      = errors.New("payment: rider has no payment customer")
	ErrDeclined        = errors.New("payment: charge declined")
)

// Charge is an immediate, off-session card charge.
type Charge struct {
	CustomerID  string
	Amount      int64
	Description string
	// IdempotencyKey makes a retried charge return the first result.
	IdempotencyKey string
}

type Line struct {
	Description string
	Amount      int64
}

type Invoice struct {
	CustomerID string
	// Reference identifies what is being invoiced, e.g. "rental_<id>".
	Reference string
	Lines     []Line
}

func (in Invoice) Total() int64 {
	var total int64
	for _, l := range in.Lines {
		total += l.Amount
	}
	return total
}

// Gateway is the card payment processor.
type Gateway interface {
	// CreateCustomer registers the rider with the processor and returns the customer id.
	CreateCustomer(ctx context.Context, riderID uuid.UUID, auth0ID string) (string, error)
	// CustomerSession returns a client secret the app uses to manage saved cards.
	CustomerSession(ctx context.Context, customerID string) (string, error)
	// SetupIntent returns a client secret for saving a new card.
	SetupIntent(ctx context.Context, customerID string) (string, error)
	// PaymentMethod returns the id of the customer's first saved card, or ErrNoPaymentMethod.
	PaymentMethod(ctx context.Context, customerID string) (string, error)
	// Charge takes money from the customer's card and returns the processor's charge id.
	Charge(ctx context.Context, c Charge) (string, error)
	// Refund returns a charge in full.
	Refund(ctx context.Context, chargeID string) error
	// Invoice bills the lines to the customer's card and returns the invoice id.
	Invoice(ctx context.Context, in Invoice) (string, error)
}
