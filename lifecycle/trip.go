package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/fare"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/payment"
	"github.com/semanticallynull/rentalengine-backend/rental"
	"github.com/semanticallynull/rentalengine-backend/station"
	"github.com/semanticallynull/rentalengine-backend/telemetry"
)

type StartCommand struct {
	RiderID    uuid.UUID
	UnlockCode string
}

type Trip struct {
	RentalID   uuid.UUID `json:"rentalId"`
	BikeSerial string    `json:"bikeSerial"`
	StartedAt  time.Time `json:"startedAt"`
}

// Start unlocks the bike of the rider's single reservation.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (trip Trip, err error) {
	ctx, done := s.observe(ctx, "start")
	defer func() { done(err) }()

	var (
		r         rental.Rental
		simulated *telemetry.Trip
	)
	err = s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Riders().GetForUpdate(ctx, cmd.RiderID); err != nil {
			return err
		}

		open, err := tx.Rentals().OpenByRiderForUpdate(ctx, cmd.RiderID)
		if err != nil {
			return err
		}
		var reserved []rental.Rental
		for _, o := range open {
			if o.Status == rental.StatusReserved {
				reserved = append(reserved, o)
			}
		}
		switch {
		case len(open) == 0:
			return ErrNoReservation
		case len(reserved) > 1:
			return ErrMultipleReservations
		case len(reserved) == 0:
			return fmt.Errorf("%w: rental %s is already %s", ErrInvalidTransition, open[0].ID, open[0].Status)
		}

		r = reserved[0]
		if !r.Accepts(cmd.UnlockCode) {
			return ErrWrongCode
		}

		b, err := tx.Bikes().GetForUpdate(ctx, r.BikeID)
		if err != nil {
			return err
		}
		if !b.Unlockable() {
			return fmt.Errorf("%w: bike %s is %s", ErrBikeUnavailable, b.Serial, b.State)
		}
		if err := tx.Bikes().SetState(ctx, b.ID, bike.StateInUse, nil); err != nil {
			return err
		}

		r.Status = rental.StatusActive
		r.StartedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}
		if err := tx.Rentals().Update(ctx, &r, rental.StatusReserved); err != nil {
			return err
		}

		simulated, err = s.route(ctx, tx, r)
		return err
	})
	if err != nil {
		return Trip{}, err
	}

	hooks := []Hook{s.notifyHook(notify.Message{
		RiderID:  r.RiderID,
		RentalID: r.ID,
		Kind:     notify.KindStarted,
		Subject:  "Your trip has started",
		Fields:   map[string]any{"bikeSerial": r.BikeSerial, "startedAt": r.StartedAt.Time},
	})}
	if simulated != nil && s.telemetry != nil {
		t := *simulated
		hooks = append(hooks, Hook{
			Name: "telemetry.simulate",
			Run:  func(ctx context.Context) error { return s.telemetry.Simulate(ctx, t) },
		})
	}
	s.hooks.Dispatch(ctx, hooks...)

	return Trip{RentalID: r.ID, BikeSerial: r.BikeSerial, StartedAt: r.StartedAt.Time}, nil
}

// route returns the simulated trip for a rental, or nil when either end is unknown.
func (s *Service) route(ctx context.Context, tx store.Tx, r rental.Rental) (*telemetry.Trip, error) {
	if r.DestinationStationID == nil {
		return nil, nil
	}
	origin, err := tx.Stations().Get(ctx, r.OriginStationID)
	if err != nil {
		return nil, err
	}
	dest, err := tx.Stations().Get(ctx, *r.DestinationStationID)
	if err != nil {
		return nil, err
	}
	if !origin.Location.Valid || !dest.Location.Valid {
		return nil, nil
	}
	return &telemetry.Trip{
		RentalID:    r.ID,
		BikeID:      r.BikeID,
		BikeSerial:  r.BikeSerial,
		Origin:      point(origin),
		Destination: point(dest),
		StartedAt:   r.StartedAt.Time,
	}, nil
}

func point(st station.Station) *telemetry.Point {
	return &telemetry.Point{Lat: st.Location.P.X, Lon: st.Location.P.Y}
}

type EndCommand struct {
	RiderID              uuid.UUID
	RentalID             uuid.UUID
	DestinationStationID *uuid.UUID
}

type Receipt struct {
	RentalID             uuid.UUID   `json:"rentalId"`
	FinalFare            int64       `json:"finalFare"`
	DurationMinutes      float64     `json:"durationMinutes"`
	DestinationStationID *uuid.UUID  `json:"destinationStationId"`
	OffStation           bool        `json:"offStation"`
	Breakdown            []fare.Line `json:"breakdown"`
	// Charged is the wallet movement at completion: positive for a charge, negative for a refund.
	Charged int64 `json:"charged"`
	// Shortfall is the part of the charge the wallet could not cover, now owed by the rider.
	Shortfall int64     `json:"shortfall"`
	EndedAt   time.Time `json:"endedAt"`
}

// End completes an active rental, prices it with the measured duration and settles it.
// The trip always completes. When the wallet cannot cover the charge it is drained, the
// remainder is added to the rider's debt and the rider cannot reserve until it is paid.
func (s *Service) End(ctx context.Context, cmd EndCommand) (rec Receipt, err error) {
	ctx, done := s.observe(ctx, "end")
	defer func() { done(err) }()

	var (
		r          rental.Rental
		lines      []fare.Line
		charged    int64
		customerID string
	)
	err = s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		rd, err := tx.Riders().GetForUpdate(ctx, cmd.RiderID)
		if err != nil {
			return err
		}
		customerID = rd.StripeID.String

		r, err = tx.Rentals().GetForUpdate(ctx, cmd.RentalID)
		if err != nil {
			return err
		}
		if r.RiderID != cmd.RiderID {
			return ErrRentalNotFound
		}
		if r.Status != rental.StatusActive || !rental.CanTransition(r.Status, rental.StatusCompleted) {
			return fmt.Errorf("%w: rental %s is %s", ErrNotActive, r.ID, r.Status)
		}

		dest := r.DestinationStationID
		if cmd.DestinationStationID != nil {
			if _, err := tx.Stations().Get(ctx, *cmd.DestinationStationID); err != nil {
				return err
			}
			dest = cmd.DestinationStationID
		}

		ended := s.now().UTC()
		facts := fare.Facts{
			TripType:   r.TripType,
			Duration:   ended.Sub(r.StartedAt.Time),
			OffStation: dest == nil,
		}
		lines, err = s.fares.Breakdown(facts)
		if err != nil {
			return err
		}
		final, err := s.fares.Price(facts)
		if err != nil {
			return err
		}

		settle := ledger.Request{
			Description: fmt.Sprintf("Trip on %s, %.1f min", r.BikeSerial, facts.Minutes()),
			Reference:   r.Reference(),
		}
		var w ledger.Wallet
		if r.PaymentMethod == rental.PaymentWallet {
			settle.Kind, settle.Amount = s.settlement.AtEnd(final, r.PrepaidAmount)
			if settle.Amount > 0 {
				if w, err = s.ledger.WalletFor(ctx, tx.Wallets(), cmd.RiderID); err != nil {
					return err
				}
				if settle.Kind.Debit() && settle.Amount > w.Balance {
					r.Shortfall = settle.Amount - w.Balance
					settle.Amount = w.Balance
				}
			}
		}

		if err := tx.Bikes().SetState(ctx, r.BikeID, bike.StateBlocked, dest); err != nil {
			return err
		}

		r.Status = rental.StatusCompleted
		r.DestinationStationID = dest
		r.OffStation = facts.OffStation
		r.FinalFare = sql.NullInt64{Int64: final, Valid: true}
		r.DurationTenths = sql.NullInt64{Int64: fare.Tenths(facts.Duration), Valid: true}
		r.EndedAt = sql.NullTime{Time: ended, Valid: true}
		if err := tx.Rentals().Update(ctx, &r, rental.StatusActive); err != nil {
			return err
		}

		if settle.Amount > 0 {
			settle.WalletID = w.ID
			e, err := s.ledger.Record(ctx, tx.Wallets(), settle)
			if err != nil {
				return err
			}
			charged = -e.Amount
		}
		if r.Shortfall > 0 {
			return tx.Riders().SetDebt(ctx, rd.ID, rd.Debt+r.Shortfall)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	rec = Receipt{
		RentalID:             r.ID,
		FinalFare:            r.FinalFare.Int64,
		DurationMinutes:      float64(r.DurationTenths.Int64) / 10,
		DestinationStationID: r.DestinationStationID,
		OffStation:           r.OffStation,
		Breakdown:            lines,
		Charged:              charged,
		Shortfall:            r.Shortfall,
		EndedAt:              r.EndedAt.Time,
	}
	s.fareAmount.WithLabelValues(string(r.TripType)).Observe(float64(rec.FinalFare))

	hooks := []Hook{s.notifyHook(notify.Message{
		RiderID:  r.RiderID,
		RentalID: r.ID,
		Kind:     notify.KindReceipt,
		Subject:  "Your trip receipt",
		Fields: map[string]any{
			"finalFare":       rec.FinalFare,
			"durationMinutes": rec.DurationMinutes,
			"offStation":      rec.OffStation,
			"charged":         rec.Charged,
			"shortfall":       rec.Shortfall,
		},
	})}
	if r.PaymentMethod == rental.PaymentCard && s.payments != nil {
		hooks = append(hooks, s.invoiceHook(customerID, r, lines))
	}
	s.hooks.Dispatch(ctx, hooks...)

	return rec, nil
}

func (s *Service) invoiceHook(customerID string, r rental.Rental, lines []fare.Line) Hook {
	in := payment.Invoice{CustomerID: customerID, Reference: r.Reference()}
	for _, l := range lines {
		in.Lines = append(in.Lines, payment.Line{
			Description: fmt.Sprintf("%s (%s)", invoiceLabels[l.Name], r.BikeSerial),
			Amount:      l.Amount,
		})
	}
	return Hook{
		Name: "payment.invoice",
		Run: func(ctx context.Context) error {
			id, err := s.payments.Invoice(ctx, in)
			if err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "Trip invoiced", "rentalId", r.ID, "invoiceId", id, "amount", in.Total())
			return nil
		},
	}
}

var invoiceLabels = map[string]string{
	"base":        "Ride",
	"overtime":    "Overtime",
	"off_station": "Off-station return",
}
