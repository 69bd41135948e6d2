package lifecycle

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/internal/store/memory"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/payment"
	"github.com/semanticallynull/rentalengine-backend/rider"
	"github.com/semanticallynull/rentalengine-backend/station"
	"github.com/semanticallynull/rentalengine-backend/telemetry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type simRecorder struct {
	mu    sync.Mutex
	trips []telemetry.Trip
	err   error
}

func (s *simRecorder) Simulate(_ context.Context, t telemetry.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips = append(s.trips, t)
	return s.err
}

func (s *simRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trips)
}

type fixture struct {
	t      *testing.T
	store  *memory.Store
	svc    *Service
	ledger *ledger.Ledger
	clock  *clock
	pay    *payment.FakeGateway
	notes  *notify.Recorder
	sim    *simRecorder

	origin, dest uuid.UUID
	electric     uuid.UUID
	drained      uuid.UUID
	manual       uuid.UUID
	rider        uuid.UUID
}

func newFixture(t *testing.T, settlement Settlement) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		store:  memory.New(),
		ledger: ledger.New(nil),
		clock:  &clock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		pay:    payment.NewFakeGateway(),
		notes:  &notify.Recorder{},
		sim:    &simRecorder{},
		origin: uuid.New(),
		dest:   uuid.New(),
		rider:  uuid.New(),
	}

	f.store.AddStation(station.Station{
		ID: f.origin, Name: "Origin",
		Location:         pgtype.Point{P: pgtype.Vec2{X: 53.3498, Y: -6.2603}, Valid: true},
		ElectricCapacity: 10, ManualCapacity: 10,
	})
	f.store.AddStation(station.Station{
		ID: f.dest, Name: "Destination",
		Location:         pgtype.Point{P: pgtype.Vec2{X: 53.3438, Y: -6.2546}, Valid: true},
		ElectricCapacity: 10, ManualCapacity: 10,
	})

	dock := "A3"
	f.electric = f.addBike("EB-0001", bike.Electric, 80, &dock)
	f.drained = f.addBike("EB-0002", bike.Electric, 30, nil)
	f.manual = f.addBike("MB-0001", bike.Manual, 0, nil)

	f.store.AddRider(rider.Rider{ID: f.rider, Auth0ID: "auth0|rider"})

	f.svc = New(Options{
		Store:      f.store,
		Ledger:     f.ledger,
		Payments:   f.pay,
		Notifier:   f.notes,
		Telemetry:  f.sim,
		Settlement: settlement,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
		Now:        f.clock.Now,
	})
	return f
}

func (f *fixture) addBike(serial string, t bike.Type, charge int, dock *string) uuid.UUID {
	id := uuid.New()
	origin := f.origin
	f.store.AddBike(bike.Bike{
		ID: id, Serial: serial, Type: t, State: bike.StateAvailable,
		StationID: &origin, ChargeLevel: charge, DockPosition: dock,
	})
	return id
}

func (f *fixture) addRider(r rider.Rider) uuid.UUID {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	f.store.AddRider(r)
	return r.ID
}

func (f *fixture) fund(riderID uuid.UUID, amount int64) {
	f.t.Helper()
	err := f.store.Do(context.Background(), func(ctx context.Context, tx store.Tx) error {
		w, err := f.ledger.WalletFor(ctx, tx.Wallets(), riderID)
		if err != nil {
			return err
		}
		_, err = f.ledger.Record(ctx, tx.Wallets(), ledger.Request{
			WalletID: w.ID, Kind: ledger.KindTopUp, Amount: amount, Description: "seed",
		})
		return err
	})
	if err != nil {
		f.t.Fatalf("fund wallet: %v", err)
	}
}

func (f *fixture) wallet(riderID uuid.UUID) WalletView {
	f.t.Helper()
	v, err := f.svc.Wallet(context.Background(), riderID, 0)
	if err != nil {
		f.t.Fatalf("wallet: %v", err)
	}
	return v
}

func (f *fixture) balance(riderID uuid.UUID) int64 {
	f.t.Helper()
	return f.wallet(riderID).Wallet.Balance
}

// reconcile fails the test when any wallet's balance drifted from its entries.
func (f *fixture) reconcile(riderIDs ...uuid.UUID) {
	f.t.Helper()
	for _, id := range riderIDs {
		if err := f.svc.Reconcile(context.Background(), id); err != nil {
			f.t.Errorf("reconcile %s: %v\n%s", id, err, spew.Sdump(f.wallet(id)))
		}
	}
}

func (f *fixture) bikeState(id uuid.UUID) bike.Bike {
	f.t.Helper()
	b, ok := f.store.Bike(id)
	if !ok {
		f.t.Fatalf("bike %s not found", id)
	}
	return b
}

func (f *fixture) reserve(cmd ReserveCommand) Reservation {
	f.t.Helper()
	res, err := f.svc.Reserve(context.Background(), cmd)
	if err != nil {
		f.t.Fatalf("reserve: %v", err)
	}
	return res
}

func (f *fixture) start(riderID uuid.UUID, code string) Trip {
	f.t.Helper()
	trip, err := f.svc.Start(context.Background(), StartCommand{RiderID: riderID, UnlockCode: code})
	if err != nil {
		f.t.Fatalf("start: %v", err)
	}
	return trip
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
