package payment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	stripecustomer "github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/customersession"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/setupintent"
)

// Stripe implements Gateway with the package-level Stripe client. stripe.Key must be set.
type Stripe struct {
	Currency string
	// VATPercent, when non-zero, is added to every invoice line as an inclusive tax.
	VATPercent float64
}

func NewStripe(key, currency string, vatPercent float64) *Stripe {
	stripe.Key = key
	return &Stripe{Currency: currency, VATPercent: vatPercent}
}

func (s *Stripe) CreateCustomer(_ context.Context, riderID uuid.UUID, auth0ID string) (string, error) {
	c, err := stripecustomer.New(&stripe.CustomerParams{
		Metadata: map[string]string{
			"auth0_id": auth0ID,
			"id":       riderID.String(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return c.ID, nil
}

func (s *Stripe) CustomerSession(_ context.Context, customerID string) (string, error) {
	params := &stripe.CustomerSessionParams{
		Customer: stripe.String(customerID),
	}
	params.AddExtra("components[customer_sheet][enabled]", "true")
	params.AddExtra("components[customer_sheet][features][payment_method_remove]", "enabled")
	cs, err := customersession.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer session: %w", err)
	}
	return cs.ClientSecret, nil
}

func (s *Stripe) SetupIntent(_ context.Context, customerID string) (string, error) {
	si, err := setupintent.New(&stripe.SetupIntentParams{
		Customer: stripe.String(customerID),
		AutomaticPaymentMethods: &stripe.SetupIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create setup intent: %w", err)
	}
	return si.ClientSecret, nil
}

func (s *Stripe) PaymentMethod(_ context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", ErrNoPaymentMethod
	}
	result := stripecustomer.ListPaymentMethods(&stripe.CustomerListPaymentMethodsParams{
		Customer: stripe.String(customerID),
	})
	if result.Next() {
		return result.PaymentMethod().ID, nil
	}
	if err := result.Err(); err != nil {
		return "", fmt.Errorf("list payment methods: %w", err)
	}
	return "", ErrNoPaymentMethod
}

func (s *Stripe) Charge(ctx context.Context, c Charge) (string, error) {
	pm, err := s.PaymentMethod(ctx, c.CustomerID)
	if err != nil {
		return "", err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(c.Amount),
		Currency:      stripe.String(s.Currency),
		Customer:      stripe.String(c.CustomerID),
		PaymentMethod: stripe.String(pm),
		Description:   stripe.String(c.Description),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if c.IdempotencyKey != "" {
		params.SetIdempotencyKey(c.IdempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return "", fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
		}
		return "", fmt.Errorf("create payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
	return pi.ID, nil
}

func (s *Stripe) Refund(_ context.Context, chargeID string) error {
	_, err := refund.New(&stripe.RefundParams{
		PaymentIntent: stripe.String(chargeID),
	})
	if err != nil {
		return fmt.Errorf("refund %s: %w", chargeID, err)
	}
	return nil
}

func (s *Stripe) Invoice(_ context.Context, in Invoice) (string, error) {
	if in.CustomerID == "" {
		return "", ErrNoCustomer
	}

	inv, err := invoice.New(&stripe.InvoiceParams{
		Customer: stripe.String(in.CustomerID),
		Currency: stripe.String(s.Currency),
		Metadata: map[string]string{"reference": in.Reference},
	})
	if err != nil {
		return "", fmt.Errorf("create invoice: %w", err)
	}

	lines := make([]*stripe.InvoiceAddLinesLineParams, 0, len(in.Lines))
	for _, l := range in.Lines {
		if l.Amount == 0 {
			continue
		}
		lines = append(lines, s.line(l))
	}
	_, err = invoice.AddLines(inv.ID, &stripe.InvoiceAddLinesParams{Lines: lines})
	if err != nil {
		return inv.ID, fmt.Errorf("add lines to invoice: %w", err)
	}

	_, err = invoice.FinalizeInvoice(inv.ID, &stripe.InvoiceFinalizeInvoiceParams{})
	if err != nil {
		return inv.ID, fmt.Errorf("finalize invoice: %w", err)
	}
	_, err = invoice.Pay(inv.ID, nil)
	if err != nil {
		return inv.ID, fmt.Errorf("pay invoice: %w", err)
	}
	return inv.ID, nil
}

func (s *Stripe) line(l Line) *stripe.InvoiceAddLinesLineParams {
	p := &stripe.InvoiceAddLinesLineParams{
		Amount:      stripe.Int64(l.Amount),
		Description: stripe.String(l.Description),
	}
	if s.VATPercent <= 0 {
		return p
	}
	tax, taxable := InclusiveTax(l.Amount, s.VATPercent)
	p.TaxAmounts = []*stripe.InvoiceAddLinesLineTaxAmountParams{
		{
			Amount:        stripe.Int64(tax),
			TaxableAmount: stripe.Int64(taxable),
			TaxRateData: &stripe.InvoiceAddLinesLineTaxAmountTaxRateDataParams{
				Percentage:  stripe.Float64(s.VATPercent),
				Description: stripe.String("VAT"),
				DisplayName: stripe.String(fmt.Sprintf("VAT (%.1f%%)", s.VATPercent)),
				Inclusive:   stripe.Bool(true),
			},
		},
	}
	return p
}

// InclusiveTax splits a gross amount into its tax and taxable parts.
func InclusiveTax(gross int64, percent float64) (tax, taxable int64) {
	taxable = int64(math.Round(float64(gross) * 100 / (100 + percent)))
	return gross - taxable, taxable
}
