package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/rental"
)

type CancelCommand struct {
	RiderID  uuid.UUID
	RentalID uuid.UUID
	Reason   string
}

type Cancellation struct {
	RentalID    uuid.UUID `json:"rentalId"`
	Refunded    int64     `json:"refunded"`
	CancelledAt time.Time `json:"cancelledAt"`
	Reason      string    `json:"reason,omitempty"`
}

// Cancel releases a reservation and refunds exactly what the wallet was charged for it.
// Card reservations are never charged here, so nothing is refunded for them.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (c Cancellation, err error) {
	ctx, done := s.observe(ctx, "cancel")
	defer func() { done(err) }()

	var r rental.Rental
	err = s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Riders().GetForUpdate(ctx, cmd.RiderID); err != nil {
			return err
		}

		var err error
		r, err = tx.Rentals().GetForUpdate(ctx, cmd.RentalID)
		if err != nil {
			return err
		}
		if r.RiderID != cmd.RiderID {
			return ErrWrongOwner
		}
		if !rental.CanTransition(r.Status, rental.StatusCancelled) {
			return fmt.Errorf("%w: rental %s is %s", ErrNotReservable, r.ID, r.Status)
		}

		b, err := tx.Bikes().GetForUpdate(ctx, r.BikeID)
		if err != nil {
			return err
		}
		if b.State == bike.StateReserved {
			if err := tx.Bikes().SetState(ctx, b.ID, bike.StateAvailable, nil); err != nil {
				return err
			}
		}

		r.Status = rental.StatusCancelled
		r.CancelledAt = sql.NullTime{Time: s.now().UTC(), Valid: true}
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			r.CancelReason = sql.NullString{String: reason, Valid: true}
		}
		if err := tx.Rentals().Update(ctx, &r, rental.StatusReserved); err != nil {
			return err
		}

		if r.PaymentMethod != rental.PaymentWallet || r.PrepaidAmount == 0 {
			return nil
		}
		_, err = s.wallet(ctx, tx, ledger.Request{
			Kind:        ledger.KindRefund,
			Amount:      r.PrepaidAmount,
			Description: fmt.Sprintf("Cancelled reservation of %s", r.BikeSerial),
			Reference:   r.Reference(),
		}, cmd.RiderID)
		return err
	})
	if err != nil {
		return Cancellation{}, err
	}

	c = Cancellation{
		RentalID:    r.ID,
		CancelledAt: r.CancelledAt.Time,
		Reason:      r.CancelReason.String,
	}
	if r.PaymentMethod == rental.PaymentWallet {
		c.Refunded = r.PrepaidAmount
	}

	s.hooks.Dispatch(ctx, s.notifyHook(notify.Message{
		RiderID:  r.RiderID,
		RentalID: r.ID,
		Kind:     notify.KindCancelled,
		Subject:  "Your reservation was cancelled",
		Fields:   map[string]any{"refunded": c.Refunded, "reason": c.Reason},
	}))
	return c, nil
}
