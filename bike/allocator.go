package bike

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Allocator picks and provisionally locks a bike for a reservation. It never decides payment.
type Allocator struct {
	MinCharge int
}

func NewAllocator(minCharge int) *Allocator {
	if minCharge <= 0 {
		minCharge = DefaultMinCharge
	}
	return &Allocator{MinCharge: minCharge}
}

// Allocate reserves the first offerable bike of type t at the station, by ascending id.
// It must run inside the transaction that creates the rental; on ErrNotAvailable nothing changed.
func (a *Allocator) Allocate(ctx context.Context, s Store, stationID uuid.UUID, t Type) (Bike, error) {
	b, err := s.FirstAvailable(ctx, stationID, t, a.MinCharge)
	if errors.Is(err, ErrNotAvailable) {
		return Bike{}, err
	}
	if err != nil {
		return Bike{}, fmt.Errorf("find available bike: %w", err)
	}
	if b.Type != t || !b.Offerable(a.MinCharge) {
		return Bike{}, ErrNotAvailable
	}

	if err := s.SetState(ctx, b.ID, StateReserved, nil); err != nil {
		return Bike{}, fmt.Errorf("reserve bike %s: %w", b.Serial, err)
	}
	b.State = StateReserved
	return b, nil
}
