package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeGateway is a test implementation of Gateway. Customers listed in Cards have a card
// on file; every call is recorded.
type FakeGateway struct {
	mu sync.Mutex

	Cards map[string]string // customer id -> payment method id
	// FailCharge and FailInvoice make the next calls fail with the given error.
	FailCharge  error
	FailInvoice error

	Charges  []Charge
	Refunds  []string
	Invoices []Invoice
	next     int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Cards: make(map[string]string)}
}

// AddCard puts a card on file for the customer.
func (g *FakeGateway) AddCard(customerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cards[customerID] = "pm_" + customerID
}

func (g *FakeGateway) id(prefix string) string {
	g.next++
	return fmt.Sprintf("%s_%d", prefix, g.next)
}

func (g *FakeGateway) CreateCustomer(_ context.Context, riderID uuid.UUID, _ string) (string, error) {
	return "cus_" + riderID.String(), nil
}

func (g *FakeGateway) CustomerSession(_ context.Context, customerID string) (string, error) {
	return "cuss_secret_" + customerID, nil
}

func (g *FakeGateway) SetupIntent(_ context.Context, customerID string) (string, error) {
	return "seti_secret_" + customerID, nil
}

func (g *FakeGateway) PaymentMethod(_ context.Context, customerID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pm, ok := g.Cards[customerID]
	if !ok {
		return "", ErrNoPaymentMethod
	}
	return pm, nil
}

func (g *FakeGateway) Charge(ctx context.Context, c Charge) (string, error) {
	if _, err := g.PaymentMethod(ctx, c.CustomerID); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailCharge != nil {
		return "", g.FailCharge
	}
	g.Charges = append(g.Charges, c)
	return g.id("pi"), nil
}

func (g *FakeGateway) Refund(_ context.Context, chargeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Refunds = append(g.Refunds, chargeID)
	return nil
}

func (g *FakeGateway) Invoice(_ context.Context, in Invoice) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailInvoice != nil {
		return "", g.FailInvoice
	}
	g.Invoices = append(g.Invoices, in)
	return g.id("in"), nil
}

// InvoiceCount returns the number of invoices issued so far.
func (g *FakeGateway) InvoiceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Invoices)
}
