// Package memory is an in-process store.Store. Units of work are serialised by one mutex and
// run against a copy of the data that replaces the committed state only when fn succeeds.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/rental"
	"github.com/semanticallynull/rentalengine-backend/rider"
	"github.com/semanticallynull/rentalengine-backend/station"
)

type data struct {
	stations map[uuid.UUID]station.Station
	bikes    map[uuid.UUID]bike.Bike
	riders   map[uuid.UUID]rider.Rider
	rentals  map[uuid.UUID]rental.Rental
	wallets  map[uuid.UUID]ledger.Wallet
	// entries in insertion order
	entries []ledger.Entry
}

func newData() *data {
	return &data{
		stations: make(map[uuid.UUID]station.Station),
		bikes:    make(map[uuid.UUID]bike.Bike),
		riders:   make(map[uuid.UUID]rider.Rider),
		rentals:  make(map[uuid.UUID]rental.Rental),
		wallets:  make(map[uuid.UUID]ledger.Wallet),
	}
}

func (d *data) clone() *data {
	return &data{
		stations: maps.Clone(d.stations),
		bikes:    maps.Clone(d.bikes),
		riders:   maps.Clone(d.riders),
		rentals:  maps.Clone(d.rentals),
		wallets:  maps.Clone(d.wallets),
		entries:  append([]ledger.Entry(nil), d.entries...),
	}
}

type Store struct {
	mu   sync.Mutex
	data *data
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newData(), now: time.Now}
}

func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(ctx, &tx{d: work, now: s.now}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &tx{d: s.data.clone(), now: s.now})
}

func (s *Store) AddStation(st station.Station) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.stations[st.ID] = st
}

func (s *Store) AddBike(b bike.Bike) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = s.now()
	}
	s.data.bikes[b.ID] = b
}

func (s *Store) AddRider(r rider.Rider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.data.riders[r.ID] = r
}

// Bike returns the committed state of a bike.
func (s *Store) Bike(id uuid.UUID) (bike.Bike, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data.bikes[id]
	return b, ok
}

// Rental returns the committed state of a rental.
func (s *Store) Rental(id uuid.UUID) (rental.Rental, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.rentals[id]
	return r, ok
}

type tx struct {
	d   *data
	now func() time.Time
}

func (t *tx) Bikes() bike.Store       { return bikes{t} }
func (t *tx) Stations() station.Store { return stations{t} }
func (t *tx) Riders() rider.Store     { return riders{t} }
func (t *tx) Rentals() rental.Store   { return rentals{t} }
func (t *tx) Wallets() ledger.Store   { return wallets{t} }

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

type stations struct{ *tx }

func (s stations) Get(_ context.Context, id uuid.UUID) (station.Station, error) {
	st, ok := s.d.stations[id]
	if !ok {
		return station.Station{}, station.ErrNotFound
	}
	return st, nil
}

func (s stations) List(_ context.Context) ([]station.Station, error) {
	out := make([]station.Station, 0, len(s.d.stations))
	for _, st := range s.d.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type bikes struct{ *tx }

func (b bikes) FirstAvailable(_ context.Context, stationID uuid.UUID, t bike.Type, minCharge int) (bike.Bike, error) {
	var (
		first bike.Bike
		found bool
	)
	for _, bk := range b.d.bikes {
		if bk.StationID == nil || *bk.StationID != stationID || bk.Type != t || !bk.Offerable(minCharge) {
			continue
		}
		if !found || lessID(bk.ID, first.ID) {
			first, found = bk, true
		}
	}
	if !found {
		return bike.Bike{}, bike.ErrNotAvailable
	}
	return first, nil
}

func (b bikes) GetForUpdate(_ context.Context, id uuid.UUID) (bike.Bike, error) {
	bk, ok := b.d.bikes[id]
	if !ok {
		return bike.Bike{}, bike.ErrNotFound
	}
	return bk, nil
}

func (b bikes) SetState(_ context.Context, id uuid.UUID, s bike.State, stationID *uuid.UUID) error {
	bk, ok := b.d.bikes[id]
	if !ok {
		return bike.ErrNotFound
	}
	if !bike.CanTransition(bk.State, s) {
		return fmt.Errorf("%w: %s to %s", bike.ErrInvalidState, bk.State, s)
	}
	bk.State = s
	if stationID != nil {
		sid := *stationID
		bk.StationID = &sid
	}
	bk.UpdatedAt = b.now()
	b.d.bikes[id] = bk
	return nil
}

func (b bikes) ListByStation(_ context.Context, stationID uuid.UUID) ([]bike.Bike, error) {
	var out []bike.Bike
	for _, bk := range b.d.bikes {
		if bk.StationID != nil && *bk.StationID == stationID {
			out = append(out, bk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

type riders struct{ *tx }

func (r riders) Get(_ context.Context, id uuid.UUID) (rider.Rider, error) {
	rd, ok := r.d.riders[id]
	if !ok {
		return rider.Rider{}, rider.ErrNotFound
	}
	return rd, nil
}

func (r riders) GetForUpdate(ctx context.Context, id uuid.UUID) (rider.Rider, error) {
	return r.Get(ctx, id)
}

func (r riders) GetByAuth0ID(_ context.Context, auth0ID string) (rider.Rider, error) {
	for _, rd := range r.d.riders {
		if rd.Auth0ID == auth0ID {
			return rd, nil
		}
	}
	return rider.Rider{}, rider.ErrNotFound
}

func (r riders) Create(_ context.Context, auth0ID string) (rider.Rider, error) {
	rd := rider.Rider{ID: uuid.New(), Auth0ID: auth0ID, CreatedAt: r.now()}
	r.d.riders[rd.ID] = rd
	return rd, nil
}

func (r riders) UpdateProfile(_ context.Context, id uuid.UUID, email, name string) error {
	rd, ok := r.d.riders[id]
	if !ok {
		return rider.ErrNotFound
	}
	rd.Email.String, rd.Email.Valid = email, email != ""
	rd.Name.String, rd.Name.Valid = name, name != ""
	r.d.riders[id] = rd
	return nil
}

func (r riders) SetStripeID(_ context.Context, id uuid.UUID, stripeID string) error {
	rd, ok := r.d.riders[id]
	if !ok {
		return rider.ErrNotFound
	}
	rd.StripeID.String, rd.StripeID.Valid = stripeID, stripeID != ""
	r.d.riders[id] = rd
	return nil
}

func (r riders) SetDebt(_ context.Context, id uuid.UUID, debt int64) error {
	rd, ok := r.d.riders[id]
	if !ok {
		return rider.ErrNotFound
	}
	rd.Debt = debt
	rd.NegativeBalance = debt > 0
	r.d.riders[id] = rd
	return nil
}

type rentals struct{ *tx }

func (r rentals) Create(_ context.Context, rt *rental.Rental) error {
	for _, other := range r.d.rentals {
		if other.RiderID == rt.RiderID && other.Status.Open() {
			return rental.ErrOpenRentalExists
		}
	}
	rt.UpdatedAt = r.now()
	r.d.rentals[rt.ID] = *rt
	return nil
}

func (r rentals) Get(_ context.Context, id uuid.UUID) (rental.Rental, error) {
	rt, ok := r.d.rentals[id]
	if !ok {
		return rental.Rental{}, rental.ErrNotFound
	}
	return rt, nil
}

func (r rentals) GetForUpdate(ctx context.Context, id uuid.UUID) (rental.Rental, error) {
	return r.Get(ctx, id)
}

func (r rentals) OpenByRiderForUpdate(_ context.Context, riderID uuid.UUID) ([]rental.Rental, error) {
	var out []rental.Rental
	for _, rt := range r.d.rentals {
		if rt.RiderID == riderID && rt.Status.Open() {
			out = append(out, rt)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r rentals) Update(_ context.Context, rt *rental.Rental, from rental.Status) error {
	cur, ok := r.d.rentals[rt.ID]
	if !ok || cur.Status != from {
		return rental.ErrStale
	}
	rt.UpdatedAt = r.now()
	r.d.rentals[rt.ID] = *rt
	return nil
}

func (r rentals) ListByRider(_ context.Context, riderID uuid.UUID, limit int) ([]rental.Rental, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []rental.Rental
	for _, rt := range r.d.rentals {
		if rt.RiderID == riderID {
			out = append(out, rt)
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(rs []rental.Rental) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ReservedAt.Equal(rs[j].ReservedAt) {
			return rs[i].ReservedAt.After(rs[j].ReservedAt)
		}
		return lessID(rs[i].ID, rs[j].ID)
	})
}

type wallets struct{ *tx }

func (w wallets) WalletForUpdate(_ context.Context, walletID uuid.UUID) (ledger.Wallet, error) {
	wl, ok := w.d.wallets[walletID]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return wl, nil
}

func (w wallets) WalletByRiderForUpdate(_ context.Context, riderID uuid.UUID) (ledger.Wallet, error) {
	for _, wl := range w.d.wallets {
		if wl.RiderID == riderID {
			return wl, nil
		}
	}
	return ledger.Wallet{}, ledger.ErrWalletNotFound
}

func (w wallets) CreateWallet(ctx context.Context, riderID uuid.UUID) error {
	if _, err := w.WalletByRiderForUpdate(ctx, riderID); err == nil {
		return nil
	}
	now := w.now()
	wl := ledger.Wallet{ID: uuid.New(), RiderID: riderID, CreatedAt: now, UpdatedAt: now}
	w.d.wallets[wl.ID] = wl
	return nil
}

func (w wallets) Append(_ context.Context, e *ledger.Entry) error {
	wl, ok := w.d.wallets[e.WalletID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	w.d.entries = append(w.d.entries, *e)
	wl.Balance = e.BalanceAfter
	wl.UpdatedAt = w.now()
	w.d.wallets[wl.ID] = wl
	return nil
}

func (w wallets) Entries(_ context.Context, walletID uuid.UUID, limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for i := len(w.d.entries) - 1; i >= 0; i-- {
		if w.d.entries[i].WalletID != walletID {
			continue
		}
		out = append(out, w.d.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
