package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/payment"
)

type TopUpCommand struct {
	RiderID uuid.UUID
	Amount  int64
	// IdempotencyKey is forwarded to the card processor so a retried request charges once.
	IdempotencyKey string
}

type TopUpResult struct {
	WalletID uuid.UUID `json:"walletId"`
	EntryID  uuid.UUID `json:"entryId"`
	Balance  int64     `json:"balance"`
	ChargeID string    `json:"chargeId"`
	// DebtPaid is the outstanding trip balance taken from the top-up.
	DebtPaid int64 `json:"debtPaid"`
}

// TopUp charges the rider's card and credits the wallet. The card is charged before the
// unit of work; if the ledger write then fails the charge is refunded. Any debt left by
// underfunded trips is collected from the new balance, and the sanction lifts once it is paid.
func (s *Service) TopUp(ctx context.Context, cmd TopUpCommand) (res TopUpResult, err error) {
	ctx, done := s.observe(ctx, "topup")
	defer func() { done(err) }()

	if cmd.Amount <= 0 {
		return TopUpResult{}, ledger.ErrInvalidAmount
	}
	if s.payments == nil {
		return TopUpResult{}, ErrNoPaymentMethod
	}

	customerID, err := s.customerID(ctx, cmd.RiderID)
	if err != nil {
		return TopUpResult{}, err
	}
	chargeID, err := s.payments.Charge(ctx, payment.Charge{
		CustomerID:     customerID,
		Amount:         cmd.Amount,
		Description:    "Wallet top-up",
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		return TopUpResult{}, err
	}

	var (
		e    ledger.Entry
		paid int64
	)
	err = s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		rd, err := tx.Riders().GetForUpdate(ctx, cmd.RiderID)
		if err != nil {
			return err
		}
		e, err = s.wallet(ctx, tx, ledger.Request{
			Kind:        ledger.KindTopUp,
			Amount:      cmd.Amount,
			Description: "Wallet top-up",
			Reference:   chargeID,
		}, cmd.RiderID)
		if err != nil || rd.Debt == 0 {
			return err
		}

		paid = min(rd.Debt, e.BalanceAfter)
		e, err = s.ledger.Record(ctx, tx.Wallets(), ledger.Request{
			WalletID:    e.WalletID,
			Kind:        ledger.KindCharge,
			Amount:      paid,
			Description: "Outstanding trip balance",
			Reference:   chargeID,
		})
		if err != nil {
			return err
		}
		return tx.Riders().SetDebt(ctx, rd.ID, rd.Debt-paid)
	})
	if err != nil {
		if rerr := s.payments.Refund(context.WithoutCancel(ctx), chargeID); rerr != nil {
			s.logger.ErrorContext(ctx, "Failed to refund top-up charge", "chargeId", chargeID, "error", rerr)
			return TopUpResult{}, fmt.Errorf("%w (refund of %s also failed: %v)", err, chargeID, rerr)
		}
		return TopUpResult{}, err
	}

	s.hooks.Dispatch(ctx, s.notifyHook(notify.Message{
		RiderID: cmd.RiderID,
		Kind:    notify.KindTopUp,
		Subject: "Wallet topped up",
		Fields:  map[string]any{"amount": cmd.Amount, "balance": e.BalanceAfter, "debtPaid": paid},
	}))

	return TopUpResult{
		WalletID: e.WalletID,
		EntryID:  e.ID,
		Balance:  e.BalanceAfter,
		ChargeID: chargeID,
		DebtPaid: paid,
	}, nil
}

func (s *Service) customerID(ctx context.Context, riderID uuid.UUID) (string, error) {
	var id string
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		rd, err := tx.Riders().Get(ctx, riderID)
		if err != nil {
			return err
		}
		if !rd.StripeID.Valid {
			return ErrNoPaymentMethod
		}
		id = rd.StripeID.String
		return nil
	})
	return id, err
}

type WalletView struct {
	Wallet  ledger.Wallet  `json:"wallet"`
	Entries []ledger.Entry `json:"entries"`
}

// Wallet returns the rider's wallet, creating it on first use, with its latest entries.
func (s *Service) Wallet(ctx context.Context, riderID uuid.UUID, limit int) (WalletView, error) {
	var v WalletView
	err := s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := s.ledger.WalletFor(ctx, tx.Wallets(), riderID)
		if err != nil {
			return err
		}
		v.Wallet = w
		v.Entries, err = s.ledger.History(ctx, tx.Wallets(), w.ID, limit)
		return err
	})
	return v, err
}

// Reconcile checks the rider's wallet balance against its entries.
func (s *Service) Reconcile(ctx context.Context, riderID uuid.UUID) error {
	return s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := s.ledger.WalletFor(ctx, tx.Wallets(), riderID)
		if err != nil {
			return err
		}
		return s.ledger.Reconcile(ctx, tx.Wallets(), w.ID)
	})
}
