package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/fare"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/rental"
)

type ReserveCommand struct {
	RiderID              uuid.UUID
	OriginStationID      uuid.UUID
	DestinationStationID *uuid.UUID
	BikeType             bike.Type
	TripType             fare.TripType
	PaymentMethod        rental.PaymentMethod
}

type Reservation struct {
	RentalID      uuid.UUID            `json:"rentalId"`
	UnlockCode    string               `json:"unlockCode"`
	BikeSerial    string               `json:"bikeSerial"`
	DockPosition  string               `json:"dockPosition,omitempty"`
	EstimatedFare int64                `json:"estimatedFare"`
	Charged       int64                `json:"charged"`
	PaymentMethod rental.PaymentMethod `json:"paymentMethod"`
	ReservedAt    time.Time            `json:"reservedAt"`
}

// Reserve allocates a bike at the origin station and holds it for the rider. Wallet rentals
// are charged according to the settlement policy in the same unit of work, so a failed
// charge leaves no rental and no reserved bike behind.
func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (res Reservation, err error) {
	ctx, done := s.observe(ctx, "reserve")
	defer func() { done(err) }()

	if !cmd.BikeType.Valid() {
		return Reservation{}, fmt.Errorf("%w: unknown bike type %q", ErrInvalidRequest, cmd.BikeType)
	}
	if !cmd.PaymentMethod.Valid() {
		return Reservation{}, fmt.Errorf("%w: unknown payment method %q", ErrNoPaymentMethod, cmd.PaymentMethod)
	}
	if cmd.DestinationStationID != nil && *cmd.DestinationStationID == cmd.OriginStationID {
		return Reservation{}, ErrSameStations
	}

	estimate, err := s.fares.Estimate(cmd.TripType)
	if err != nil {
		return Reservation{}, err
	}
	if cmd.PaymentMethod == rental.PaymentCard {
		if err := s.requireCard(ctx, cmd.RiderID); err != nil {
			return Reservation{}, err
		}
	}

	var r rental.Rental
	err = s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		rd, err := tx.Riders().GetForUpdate(ctx, cmd.RiderID)
		if err != nil {
			return err
		}
		if rd.Sanctioned() {
			return ErrSanctionActive
		}

		open, err := tx.Rentals().OpenByRiderForUpdate(ctx, cmd.RiderID)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return ErrDuplicateReservation
		}

		if _, err := tx.Stations().Get(ctx, cmd.OriginStationID); err != nil {
			return fmt.Errorf("origin: %w", err)
		}
		if cmd.DestinationStationID != nil {
			if _, err := tx.Stations().Get(ctx, *cmd.DestinationStationID); err != nil {
				return fmt.Errorf("destination: %w", err)
			}
		}

		b, err := s.alloc.Allocate(ctx, tx.Bikes(), cmd.OriginStationID, cmd.BikeType)
		if errors.Is(err, bike.ErrNotAvailable) {
			return fmt.Errorf("%w: no %s bike at station %s", ErrNoAvailability, cmd.BikeType, cmd.OriginStationID)
		}
		if err != nil {
			return err
		}

		code, err := rental.NewUnlockCode()
		if err != nil {
			return err
		}

		r = rental.Rental{
			ID:                   uuid.New(),
			RiderID:              cmd.RiderID,
			BikeID:               b.ID,
			BikeSerial:           b.Serial,
			OriginStationID:      cmd.OriginStationID,
			DestinationStationID: cmd.DestinationStationID,
			TripType:             cmd.TripType,
			Status:               rental.StatusReserved,
			PaymentMethod:        cmd.PaymentMethod,
			UnlockCode:           code,
			EstimatedFare:        estimate,
			ReservedAt:           s.now().UTC(),
		}
		if b.DockPosition != nil {
			r.DockPosition.String, r.DockPosition.Valid = *b.DockPosition, true
		}
		if cmd.PaymentMethod == rental.PaymentWallet {
			r.PrepaidAmount = s.settlement.AtReserve(estimate)
		}

		if err := tx.Rentals().Create(ctx, &r); err != nil {
			if errors.Is(err, rental.ErrOpenRentalExists) {
				return ErrDuplicateReservation
			}
			return fmt.Errorf("create rental: %w", err)
		}

		if r.PrepaidAmount > 0 {
			_, err := s.wallet(ctx, tx, ledger.Request{
				Kind:        ledger.KindCharge,
				Amount:      r.PrepaidAmount,
				Description: fmt.Sprintf("Reservation of %s (%s)", r.BikeSerial, r.TripType),
				Reference:   r.Reference(),
			}, cmd.RiderID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	s.hooks.Dispatch(ctx, s.notifyHook(notify.Message{
		RiderID:  r.RiderID,
		RentalID: r.ID,
		Kind:     notify.KindReserved,
		Subject:  "Your bike is reserved",
		Fields: map[string]any{
			"bikeSerial":    r.BikeSerial,
			"dockPosition":  r.DockPosition.String,
			"unlockCode":    r.UnlockCode,
			"estimatedFare": r.EstimatedFare,
		},
	}))

	return Reservation{
		RentalID:      r.ID,
		UnlockCode:    r.UnlockCode,
		BikeSerial:    r.BikeSerial,
		DockPosition:  r.DockPosition.String,
		EstimatedFare: r.EstimatedFare,
		Charged:       r.PrepaidAmount,
		PaymentMethod: r.PaymentMethod,
		ReservedAt:    r.ReservedAt,
	}, nil
}

// requireCard checks the rider has a card on file before any state is touched.
func (s *Service) requireCard(ctx context.Context, riderID uuid.UUID) error {
	if s.payments == nil {
		return ErrNoPaymentMethod
	}
	var customerID string
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		rd, err := tx.Riders().Get(ctx, riderID)
		if err != nil {
			return err
		}
		if !rd.StripeID.Valid {
			return ErrNoPaymentMethod
		}
		customerID = rd.StripeID.String
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.payments.PaymentMethod(ctx, customerID)
	return err
}
