// Package bike
package bike

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	Electric Type = "electric"
	Manual   Type = "manual"
)

func (t Type) Valid() bool {
	return t == Electric || t == Manual
}

type State string

const (
	StateAvailable   State = "available"
	StateReserved    State = "reserved"
	StateInUse       State = "in_use"
	StateBlocked     State = "blocked"
	StateMaintenance State = "maintenance"
)

// DefaultMinCharge is the lowest charge level, in percent, at which an electric bike is offered.
const DefaultMinCharge = 40

// Bike represents a bike which can be reserved and ridden.
type Bike struct {
	ID uuid.UUID `db:"id"`
	// Serial is the physical label on the bike (e.g. "EB-0042"). It is also accepted as an unlock credential.
	Serial string `db:"serial"`
	Type   Type   `db:"type"`
	State  State  `db:"state"`

	// StationID is nil when the bike was left off-station.
	StationID *uuid.UUID `db:"station_id"`
	// ChargeLevel is a percentage and only meaningful for electric bikes.
	ChargeLevel  int     `db:"charge_level"`
	DockPosition *string `db:"dock_position"`

	// DisplayName is a user-friendly name for the bike model
	DisplayName *string   `db:"display_name"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Offerable reports whether the bike may be handed out for a new reservation.
func (b Bike) Offerable(minCharge int) bool {
	if b.State != StateAvailable {
		return false
	}
	if b.Type == Electric && b.ChargeLevel < minCharge {
		return false
	}
	return true
}

// Unlockable reports whether a trip may start on the bike.
func (b Bike) Unlockable() bool {
	return b.State == StateAvailable || b.State == StateReserved
}

// AllowedTransitions lists the bike state flow driven by the rental lifecycle.
var AllowedTransitions = map[State][]State{
	StateAvailable:   {StateReserved, StateInUse, StateMaintenance},
	StateReserved:    {StateInUse, StateAvailable},
	StateInUse:       {StateBlocked},
	StateBlocked:     {StateAvailable, StateMaintenance},
	StateMaintenance: {StateAvailable},
}

func CanTransition(from, to State) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
