package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/fare"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/rental"
	"github.com/semanticallynull/rentalengine-backend/rider"
)

func TestRoundTripChargesBaseFare(t *testing.T) {
	tests := []struct {
		tripType fare.TripType
		ride     time.Duration
		want     int64
	}{
		{fare.ShortHop, 45 * time.Minute, 17500},
		{fare.ShortHop, 12 * time.Minute, 17500},
		{fare.LongHaul, 75 * time.Minute, 25000},
	}
	for _, tt := range tests {
		t.Run(string(tt.tripType), func(t *testing.T) {
			f := newFixture(t, SettleFull)
			f.fund(f.rider, 100000)
			dest := f.dest

			res := f.reserve(ReserveCommand{
				RiderID: f.rider, OriginStationID: f.origin, DestinationStationID: &dest,
				BikeType: bike.Manual, TripType: tt.tripType, PaymentMethod: rental.PaymentWallet,
			})
			f.start(f.rider, res.UnlockCode)
			f.clock.Advance(tt.ride)

			rec, err := f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID})
			if err != nil {
				t.Fatalf("end: %v", err)
			}
			if rec.FinalFare != tt.want {
				t.Errorf("expected final fare %d, got %d\n%s", tt.want, rec.FinalFare, spew.Sdump(rec))
			}
			if rec.OffStation {
				t.Errorf("expected the preset destination to be used")
			}
			f.reconcile(f.rider)
		})
	}
}

func TestShortHopOvertime(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	if res.EstimatedFare != 17500 || res.Charged != 17500 {
		t.Errorf("expected estimate and charge of 17500, got %d and %d", res.EstimatedFare, res.Charged)
	}
	if res.DockPosition != "A3" {
		t.Errorf("expected dock position A3, got %q", res.DockPosition)
	}
	if f.balance(f.rider) != 82500 {
		t.Errorf("expected balance 82500 after reservation, got %d", f.balance(f.rider))
	}

	f.clock.Advance(2 * time.Minute)
	f.start(f.rider, res.UnlockCode)
	f.clock.Advance(50 * time.Minute)

	dest := f.dest
	rec, err := f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID, DestinationStationID: &dest})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.FinalFare != 18750 {
		t.Errorf("expected 18750, got %d", rec.FinalFare)
	}
	if rec.DurationMinutes != 50 {
		t.Errorf("expected 50.0 minutes, got %v", rec.DurationMinutes)
	}
	if rec.Charged != 18750 {
		t.Errorf("expected the whole final fare to be charged, got %d", rec.Charged)
	}
	if f.balance(f.rider) != 82500-18750 {
		t.Errorf("expected balance %d, got %d", 82500-18750, f.balance(f.rider))
	}

	b := f.bikeState(f.electric)
	if b.State != bike.StateBlocked || b.StationID == nil || *b.StationID != f.dest {
		t.Errorf("expected bike blocked at destination, got %s", spew.Sdump(b))
	}
	f.reconcile(f.rider)
}

func TestLongHaulOffStation(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.LongHaul, PaymentMethod: rental.PaymentWallet,
	})
	f.start(f.rider, res.UnlockCode)
	f.clock.Advance(80 * time.Minute)

	rec, err := f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.FinalFare != 35000 {
		t.Errorf("expected 35000, got %d", rec.FinalFare)
	}
	if !rec.OffStation || rec.DestinationStationID != nil {
		t.Errorf("expected an off-station end, got %s", spew.Sdump(rec))
	}
	want := []fare.Line{{Name: "base", Amount: 25000}, {Name: "overtime", Amount: 5000}, {Name: "off_station", Amount: 5000}}
	for i, l := range want {
		if rec.Breakdown[i] != l {
			t.Errorf("breakdown line %d: expected %v, got %v", i, l, rec.Breakdown[i])
		}
	}

	b := f.bikeState(f.manual)
	if b.State != bike.StateBlocked || *b.StationID != f.origin {
		t.Errorf("expected bike blocked and station unchanged, got %s", spew.Sdump(b))
	}
	f.reconcile(f.rider)
}

func TestReserveInsufficientFunds(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 1000)

	_, err := f.svc.Reserve(context.Background(), ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if Code(err) != "INSUFFICIENT_FUNDS" {
		t.Errorf("expected INSUFFICIENT_FUNDS, got %s", Code(err))
	}

	history, err := f.svc.History(context.Background(), f.rider, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("expected no rental to be created, got %s", spew.Sdump(history))
	}
	if b := f.bikeState(f.electric); b.State != bike.StateAvailable {
		t.Errorf("expected bike to stay available, got %s", b.State)
	}
	if f.balance(f.rider) != 1000 {
		t.Errorf("expected balance to stay 1000, got %d", f.balance(f.rider))
	}
	f.reconcile(f.rider)
}

func TestCancelRefundsReservationCharge(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 20000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})

	c, err := f.svc.Cancel(context.Background(), CancelCommand{RiderID: f.rider, RentalID: res.RentalID, Reason: " changed my mind "})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.Refunded != 17500 || c.Reason != "changed my mind" {
		t.Errorf("unexpected cancellation %s", spew.Sdump(c))
	}
	if f.balance(f.rider) != 20000 {
		t.Errorf("expected balance restored to 20000, got %d", f.balance(f.rider))
	}

	entries := f.wallet(f.rider).Entries
	if entries[0].Kind != ledger.KindRefund || entries[0].Amount != 17500 {
		t.Errorf("expected a REFUND of 17500 as the latest entry, got %s", spew.Sdump(entries[0]))
	}
	if b := f.bikeState(f.electric); b.State != bike.StateAvailable {
		t.Errorf("expected bike available again, got %s", b.State)
	}

	// The rider may reserve again once the reservation is cancelled.
	f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	f.reconcile(f.rider)
}

func TestCancelOutsideReservedChangesNothing(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 50000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	f.start(f.rider, res.UnlockCode)
	before := f.balance(f.rider)

	_, err := f.svc.Cancel(context.Background(), CancelCommand{RiderID: f.rider, RentalID: res.RentalID})
	if !errors.Is(err, ErrNotReservable) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrNotReservable, got %v", err)
	}
	if b := f.bikeState(f.electric); b.State != bike.StateInUse {
		t.Errorf("expected bike to stay in use, got %s", b.State)
	}
	if f.balance(f.rider) != before {
		t.Errorf("expected balance %d, got %d", before, f.balance(f.rider))
	}
	if r, _ := f.store.Rental(res.RentalID); r.Status != rental.StatusActive {
		t.Errorf("expected rental to stay active, got %s", r.Status)
	}

	other := f.addRider(rider.Rider{Auth0ID: "auth0|other"})
	_, err = f.svc.Cancel(context.Background(), CancelCommand{RiderID: other, RentalID: res.RentalID})
	if !errors.Is(err, ErrWrongOwner) {
		t.Errorf("expected ErrWrongOwner, got %v", err)
	}
	_, err = f.svc.Cancel(context.Background(), CancelCommand{RiderID: f.rider, RentalID: uuid.New()})
	if !errors.Is(err, ErrRentalNotFound) {
		t.Errorf("expected ErrRentalNotFound, got %v", err)
	}
}

func TestConcurrentStart(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 50000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})

	const attempts = 10
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Start(context.Background(), StartCommand{RiderID: f.rider, UnlockCode: res.UnlockCode})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidTransition):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one start to succeed, got %d", ok)
	}
	if b := f.bikeState(f.electric); b.State != bike.StateInUse {
		t.Errorf("expected bike in use, got %s", b.State)
	}
}

func TestOneOpenRentalPerRider(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	cmd := ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	}

	const attempts = 5
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := cmd
			if i%2 == 1 {
				c.BikeType = bike.Electric
			}
			_, err := f.svc.Reserve(context.Background(), c)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateReservation):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one reservation, got %d", ok)
	}

	current, err := f.svc.Current(context.Background(), f.rider)
	if err != nil || current == nil {
		t.Fatalf("expected a current rental, got %v, %v", current, err)
	}
	f.start(f.rider, current.UnlockCode)

	if _, err := f.svc.Reserve(context.Background(), cmd); !errors.Is(err, ErrDuplicateReservation) {
		t.Errorf("expected ErrDuplicateReservation while a trip is active, got %v", err)
	}
	if f.balance(f.rider) != 100000-17500 {
		t.Errorf("expected a single reservation charge, got balance %d", f.balance(f.rider))
	}
	f.reconcile(f.rider)
}

func TestReserveRejections(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)
	sanctioned := f.addRider(rider.Rider{Auth0ID: "auth0|fined", HasFines: true})
	origin, dest, unknown := f.origin, f.dest, uuid.New()

	tests := []struct {
		name string
		cmd  ReserveCommand
		want error
		code string
	}{
		{
			name: "sanctioned rider",
			cmd:  ReserveCommand{RiderID: sanctioned, OriginStationID: origin, BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet},
			want: ErrSanctionActive, code: "SANCTION_ACTIVE",
		},
		{
			name: "same stations",
			cmd:  ReserveCommand{RiderID: f.rider, OriginStationID: origin, DestinationStationID: &origin, BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet},
			want: ErrSameStations, code: "SAME_STATIONS",
		},
		{
			name: "unknown origin",
			cmd:  ReserveCommand{RiderID: f.rider, OriginStationID: unknown, BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet},
			want: ErrStationNotFound, code: "STATION_NOT_FOUND",
		},
		{
			name: "unknown destination",
			cmd:  ReserveCommand{RiderID: f.rider, OriginStationID: origin, DestinationStationID: &unknown, BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet},
			want: ErrStationNotFound, code: "STATION_NOT_FOUND",
		},
		{
			name: "no bikes at destination station",
			cmd:  ReserveCommand{RiderID: f.rider, OriginStationID: dest, BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet},
			want: ErrNoAvailability, code: "NO_AVAILABILITY",
		},
		{
			name: "unknown trip type",
			cmd:  ReserveCommand{RiderID: f.rider, OriginStationID: origin, BikeType: bike.Manual, TripType: "scenic", PaymentMethod: rental.PaymentWallet},
			want: fare.ErrUnknownTripType, code: "INVALID_REQUEST",
		},
		{
			name: "unknown payment method",
			cmd:  ReserveCommand{RiderID: f.rider, OriginStationID: origin, BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: "cash"},
			want: ErrNoPaymentMethod, code: "NO_PAYMENT_METHOD",
		},
		{
			name: "card without customer",
			cmd:  ReserveCommand{RiderID: f.rider, OriginStationID: origin, BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentCard},
			want: ErrNoPaymentMethod, code: "NO_PAYMENT_METHOD",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Reserve(context.Background(), tt.cmd)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if Code(err) != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, Code(err))
			}
		})
	}

	if f.balance(f.rider) != 100000 {
		t.Errorf("rejected reservations moved money: balance %d", f.balance(f.rider))
	}
	for _, id := range []uuid.UUID{f.electric, f.drained, f.manual} {
		if b := f.bikeState(id); b.State != bike.StateAvailable {
			t.Errorf("bike %s left in state %s", b.Serial, b.State)
		}
	}
}

func TestLowChargeBikeIsNotOffered(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	if res.BikeSerial != "EB-0001" {
		t.Errorf("expected the charged bike, got %s", res.BikeSerial)
	}

	other := f.addRider(rider.Rider{Auth0ID: "auth0|second"})
	f.fund(other, 100000)
	_, err := f.svc.Reserve(context.Background(), ReserveCommand{
		RiderID: other, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	if !errors.Is(err, ErrNoAvailability) {
		t.Errorf("expected ErrNoAvailability with only a 30%% bike left, got %v", err)
	}
}

func TestStartRejections(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	_, err := f.svc.Start(context.Background(), StartCommand{RiderID: f.rider, UnlockCode: "ABC123"})
	if !errors.Is(err, ErrNoReservation) {
		t.Errorf("expected ErrNoReservation, got %v", err)
	}

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})

	_, err = f.svc.Start(context.Background(), StartCommand{RiderID: f.rider, UnlockCode: "nope"})
	if !errors.Is(err, ErrWrongCode) || Code(err) != "WRONG_CODE" {
		t.Errorf("expected ErrWrongCode, got %v", err)
	}
	if r, _ := f.store.Rental(res.RentalID); r.Status != rental.StatusReserved {
		t.Errorf("expected rental to stay reserved, got %s", r.Status)
	}

	// The bike serial is accepted as well as the generated code.
	trip := f.start(f.rider, "  "+res.BikeSerial+" ")
	if trip.RentalID != res.RentalID || !trip.StartedAt.Equal(f.clock.Now()) {
		t.Errorf("unexpected trip %s", spew.Sdump(trip))
	}
}

func TestStartBikeUnavailable(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	b := f.bikeState(f.manual)
	b.State = bike.StateMaintenance
	f.store.AddBike(b)

	_, err := f.svc.Start(context.Background(), StartCommand{RiderID: f.rider, UnlockCode: res.UnlockCode})
	if !errors.Is(err, ErrBikeUnavailable) {
		t.Errorf("expected ErrBikeUnavailable, got %v", err)
	}
}

func TestEndRejections(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})

	_, err := f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID})
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive for a reserved rental, got %v", err)
	}

	f.start(f.rider, res.UnlockCode)

	other := f.addRider(rider.Rider{Auth0ID: "auth0|other"})
	_, err = f.svc.End(context.Background(), EndCommand{RiderID: other, RentalID: res.RentalID})
	if !errors.Is(err, ErrRentalNotFound) {
		t.Errorf("expected ErrRentalNotFound for another rider's rental, got %v", err)
	}

	unknown := uuid.New()
	_, err = f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID, DestinationStationID: &unknown})
	if !errors.Is(err, ErrStationNotFound) {
		t.Errorf("expected ErrStationNotFound, got %v", err)
	}
	if r, _ := f.store.Rental(res.RentalID); r.Status != rental.StatusActive {
		t.Errorf("expected rental to stay active, got %s", r.Status)
	}
}

func TestEndWithShortfallCompletesTrip(t *testing.T) {
	f := newFixture(t, SettleFull)
	rd := f.addRider(rider.Rider{Auth0ID: "auth0|short", StripeID: nullString("cus_short")})
	f.pay.AddCard("cus_short")
	f.fund(rd, 17500)

	res := f.reserve(ReserveCommand{
		RiderID: rd, OriginStationID: f.origin, DestinationStationID: &f.dest,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	f.start(rd, res.UnlockCode)
	f.clock.Advance(10 * time.Minute)

	rec, err := f.svc.End(context.Background(), EndCommand{RiderID: rd, RentalID: res.RentalID})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.FinalFare != 17500 || rec.Charged != 0 || rec.Shortfall != 17500 {
		t.Errorf("unexpected receipt %s", spew.Sdump(rec))
	}

	r, _ := f.store.Rental(res.RentalID)
	if r.Status != rental.StatusCompleted || r.Shortfall != 17500 {
		t.Errorf("expected completed rental with shortfall 17500, got %s with %d", r.Status, r.Shortfall)
	}
	if b := f.bikeState(f.manual); b.State != bike.StateBlocked || *b.StationID != f.dest {
		t.Errorf("expected bike blocked at destination, got %s", b.State)
	}
	if f.balance(rd) != 0 {
		t.Errorf("expected balance 0, got %d", f.balance(rd))
	}

	owing, err := f.svc.RiderByAuth0ID(context.Background(), "auth0|short")
	if err != nil {
		t.Fatal(err)
	}
	if owing.Debt != 17500 || !owing.NegativeBalance {
		t.Errorf("expected debt 17500 with the sanction raised, got %d %v", owing.Debt, owing.NegativeBalance)
	}

	again := ReserveCommand{
		RiderID: rd, OriginStationID: f.origin,
		BikeType: bike.Electric, TripType: fare.ShortHop, PaymentMethod: rental.PaymentCard,
	}
	if _, err := f.svc.Reserve(context.Background(), again); !errors.Is(err, ErrSanctionActive) {
		t.Fatalf("expected ErrSanctionActive while in debt, got %v", err)
	}

	top, err := f.svc.TopUp(context.Background(), TopUpCommand{RiderID: rd, Amount: 20000})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if top.DebtPaid != 17500 || top.Balance != 2500 {
		t.Errorf("unexpected top-up %s", spew.Sdump(top))
	}
	paid, err := f.svc.RiderByAuth0ID(context.Background(), "auth0|short")
	if err != nil {
		t.Fatal(err)
	}
	if paid.Debt != 0 || paid.NegativeBalance {
		t.Errorf("expected the debt cleared, got %d %v", paid.Debt, paid.NegativeBalance)
	}

	if _, err := f.svc.Reserve(context.Background(), again); err != nil {
		t.Errorf("reserve after paying the debt: %v", err)
	}
	f.reconcile(rd)
}

func TestEndDrainsWalletOnPartialShortfall(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 20000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin, DestinationStationID: &f.dest,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	f.start(f.rider, res.UnlockCode)
	f.clock.Advance(50 * time.Minute)

	rec, err := f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.FinalFare != 18750 || rec.Charged != 2500 || rec.Shortfall != 16250 {
		t.Errorf("unexpected receipt %s", spew.Sdump(rec))
	}

	v := f.wallet(f.rider)
	if v.Wallet.Balance != 0 || len(v.Entries) != 3 || v.Entries[0].Amount != -2500 {
		t.Errorf("unexpected wallet %s", spew.Sdump(v))
	}
	if len(v.Entries) > 0 && !v.Entries[0].CreatedAt.Equal(f.clock.Now()) {
		t.Errorf("expected entries stamped by the service clock, got %s", v.Entries[0].CreatedAt)
	}
	rd, err := f.svc.RiderByAuth0ID(context.Background(), "auth0|rider")
	if err != nil {
		t.Fatal(err)
	}
	if rd.Debt != 16250 || !rd.Sanctioned() {
		t.Errorf("expected debt 16250 and a sanction, got %d", rd.Debt)
	}
	f.reconcile(f.rider)
}

func TestEndWithinFundsLeavesNoDebt(t *testing.T) {
	f := newFixture(t, SettleDelta)
	f.fund(f.rider, 17500)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin, DestinationStationID: &f.dest,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	f.start(f.rider, res.UnlockCode)
	f.clock.Advance(20 * time.Minute)

	rec, err := f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.Charged != 0 || rec.Shortfall != 0 {
		t.Errorf("unexpected receipt %s", spew.Sdump(rec))
	}
	rd, err := f.svc.RiderByAuth0ID(context.Background(), "auth0|rider")
	if err != nil {
		t.Fatal(err)
	}
	if rd.Debt != 0 || rd.Sanctioned() {
		t.Errorf("expected no debt, got %d", rd.Debt)
	}
}

func TestSettlementPolicies(t *testing.T) {
	tests := []struct {
		policy        Settlement
		atReserve     int64
		atEnd         int64
		balanceAfter  int64
		cancelRefund  int64
		cancelBalance int64
	}{
		{SettleFull, 17500, 18750, 100000 - 17500 - 18750, 17500, 100000},
		{SettleDelta, 17500, 1250, 100000 - 18750, 17500, 100000},
		{SettleCompletion, 0, 18750, 100000 - 18750, 0, 100000},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, tt.policy)
			f.fund(f.rider, 100000)
			cmd := ReserveCommand{
				RiderID: f.rider, OriginStationID: f.origin,
				BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
			}

			res := f.reserve(cmd)
			if res.Charged != tt.atReserve {
				t.Errorf("expected %d charged at reservation, got %d", tt.atReserve, res.Charged)
			}
			f.start(f.rider, res.UnlockCode)
			f.clock.Advance(50 * time.Minute)
			rec, err := f.svc.End(context.Background(), EndCommand{RiderID: f.rider, RentalID: res.RentalID, DestinationStationID: &f.dest})
			if err != nil {
				t.Fatal(err)
			}
			if rec.Charged != tt.atEnd {
				t.Errorf("expected %d charged at completion, got %d", tt.atEnd, rec.Charged)
			}
			if f.balance(f.rider) != tt.balanceAfter {
				t.Errorf("expected balance %d, got %d", tt.balanceAfter, f.balance(f.rider))
			}

			f.fund(f.rider, 100000-tt.balanceAfter)
			cmd.BikeType = bike.Electric
			res = f.reserve(cmd)
			c, err := f.svc.Cancel(context.Background(), CancelCommand{RiderID: f.rider, RentalID: res.RentalID})
			if err != nil {
				t.Fatal(err)
			}
			if c.Refunded != tt.cancelRefund || f.balance(f.rider) != tt.cancelBalance {
				t.Errorf("expected refund %d and balance %d, got %d and %d",
					tt.cancelRefund, tt.cancelBalance, c.Refunded, f.balance(f.rider))
			}
			f.reconcile(f.rider)
		})
	}
}

func TestCardRentalIsInvoiced(t *testing.T) {
	f := newFixture(t, SettleFull)
	card := f.addRider(rider.Rider{Auth0ID: "auth0|card", StripeID: nullString("cus_card")})

	_, err := f.svc.Reserve(context.Background(), ReserveCommand{
		RiderID: card, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentCard,
	})
	if !errors.Is(err, ErrNoPaymentMethod) {
		t.Fatalf("expected ErrNoPaymentMethod without a saved card, got %v", err)
	}

	f.pay.AddCard("cus_card")
	res := f.reserve(ReserveCommand{
		RiderID: card, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentCard,
	})
	if res.Charged != 0 {
		t.Errorf("expected no wallet charge for a card rental, got %d", res.Charged)
	}
	f.start(card, res.UnlockCode)
	f.clock.Advance(50 * time.Minute)

	rec, err := f.svc.End(context.Background(), EndCommand{RiderID: card, RentalID: res.RentalID})
	if err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()

	if rec.Charged != 0 || f.balance(card) != 0 {
		t.Errorf("expected the wallet untouched, got charged %d balance %d", rec.Charged, f.balance(card))
	}
	if f.pay.InvoiceCount() != 1 {
		t.Fatalf("expected one invoice, got %d", f.pay.InvoiceCount())
	}
	in := f.pay.Invoices[0]
	if in.CustomerID != "cus_card" || in.Total() != rec.FinalFare || in.Total() != 17500+1250+5000 {
		t.Errorf("unexpected invoice %s", spew.Sdump(in))
	}
}

func TestSideEffectFailuresAreSwallowed(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)
	f.notes.Err = errors.New("mail server down")
	f.sim.err = errors.New("redis down")
	dest := f.dest

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin, DestinationStationID: &dest,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	f.start(f.rider, res.UnlockCode)
	f.svc.Wait()

	if f.sim.count() != 1 {
		t.Errorf("expected telemetry to be attempted once, got %d", f.sim.count())
	}
	if r, _ := f.store.Rental(res.RentalID); r.Status != rental.StatusActive {
		t.Errorf("expected rental active despite failing side effects, got %s", r.Status)
	}
}

func TestTelemetryNeedsBothStations(t *testing.T) {
	f := newFixture(t, SettleFull)
	f.fund(f.rider, 100000)

	res := f.reserve(ReserveCommand{
		RiderID: f.rider, OriginStationID: f.origin,
		BikeType: bike.Manual, TripType: fare.ShortHop, PaymentMethod: rental.PaymentWallet,
	})
	f.start(f.rider, res.UnlockCode)
	f.svc.Wait()

	if f.sim.count() != 0 {
		t.Errorf("expected no telemetry without a destination, got %d", f.sim.count())
	}
	// hooks run concurrently, so only the set of notifications is fixed
	seen := map[notify.Kind]bool{}
	for _, k := range f.notes.Kinds() {
		seen[k] = true
	}
	if len(seen) != 2 || !seen[notify.KindReserved] || !seen[notify.KindStarted] {
		t.Errorf("unexpected notifications %v", f.notes.Kinds())
	}
}

func TestTopUp(t *testing.T) {
	f := newFixture(t, SettleFull)
	card := f.addRider(rider.Rider{Auth0ID: "auth0|card", StripeID: nullString("cus_card")})
	f.pay.AddCard("cus_card")

	res, err := f.svc.TopUp(context.Background(), TopUpCommand{RiderID: card, Amount: 20000, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Balance != 20000 || res.ChargeID == "" {
		t.Errorf("unexpected top-up %s", spew.Sdump(res))
	}
	if len(f.pay.Charges) != 1 || f.pay.Charges[0].IdempotencyKey != "k1" {
		t.Errorf("expected one charge with the idempotency key, got %s", spew.Sdump(f.pay.Charges))
	}

	if _, err := f.svc.TopUp(context.Background(), TopUpCommand{RiderID: f.rider, Amount: 100}); !errors.Is(err, ErrNoPaymentMethod) {
		t.Errorf("expected ErrNoPaymentMethod, got %v", err)
	}
	if _, err := f.svc.TopUp(context.Background(), TopUpCommand{RiderID: card}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	f.reconcile(card)
}

func TestRiderByAuth0IDRegistersOnce(t *testing.T) {
	f := newFixture(t, SettleFull)

	first, err := f.svc.RiderByAuth0ID(context.Background(), "auth0|new")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.RiderByAuth0ID(context.Background(), "auth0|new")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same rider, got %s and %s", first.ID, second.ID)
	}

	id, err := f.svc.PaymentCustomer(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := f.svc.RiderByAuth0ID(context.Background(), "auth0|new")
	if !again.StripeID.Valid || again.StripeID.String != id {
		t.Errorf("expected customer id %s to be saved, got %v", id, again.StripeID)
	}
}
