// Package fare prices trips as an ordered chain of rules folded over a running amount.
package fare

import (
	"errors"
	"math"
	"time"

	"github.com/goccy/go-json"
)

type TripType string

const (
	ShortHop TripType = "short_hop"
	LongHaul TripType = "long_haul"
)

var ErrUnknownTripType = errors.New("unknown trip type")

func (t TripType) Valid() bool {
	return t == ShortHop || t == LongHaul
}

func (t *TripType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	tt := TripType(s)
	if !tt.Valid() {
		return ErrUnknownTripType
	}
	*t = tt
	return nil
}

// Tariff holds the prices of one trip type. Amounts are integer currency units.
type Tariff struct {
	Base int64
	// AllowanceMinutes is the ride time included in Base.
	AllowanceMinutes int64
	// PerMinute is charged for every whole minute beyond the allowance.
	PerMinute int64
}

var DefaultTariffs = map[TripType]Tariff{
	ShortHop: {Base: 17500, AllowanceMinutes: 45, PerMinute: 250},
	LongHaul: {Base: 25000, AllowanceMinutes: 75, PerMinute: 1000},
}

const DefaultOffStationPenalty int64 = 5000

// Facts are the trip facts a fare is computed from. An estimate carries no Duration.
type Facts struct {
	TripType   TripType
	Duration   time.Duration
	OffStation bool
}

// Tenths returns the duration in tenths of a minute, rounded half away from zero.
func Tenths(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Round(d.Minutes() * 10))
}

// Minutes is the one-decimal minute value of the facts' duration.
func (f Facts) Minutes() float64 {
	return float64(Tenths(f.Duration)) / 10
}

// Rule adjusts the running amount. Rules only ever add a non-negative delta.
type Rule func(amount int64, f Facts) int64

type stage struct {
	name string
	rule Rule
}

// Line is one stage's contribution to a fare.
type Line struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

type Calculator struct {
	tariffs map[TripType]Tariff
	stages  []stage
}

// New builds a calculator with the canonical base -> overtime -> off-station chain.
func New(tariffs map[TripType]Tariff, offStationPenalty int64) *Calculator {
	return &Calculator{
		tariffs: tariffs,
		stages: []stage{
			{name: "base", rule: BaseFare(tariffs)},
			{name: "overtime", rule: Overtime(tariffs)},
			{name: "off_station", rule: OffStation(offStationPenalty)},
		},
	}
}

func Default() *Calculator {
	return New(DefaultTariffs, DefaultOffStationPenalty)
}

func BaseFare(tariffs map[TripType]Tariff) Rule {
	return func(amount int64, f Facts) int64 {
		return amount + tariffs[f.TripType].Base
	}
}

func Overtime(tariffs map[TripType]Tariff) Rule {
	return func(amount int64, f Facts) int64 {
		t := tariffs[f.TripType]
		excess := Tenths(f.Duration) - t.AllowanceMinutes*10
		if excess <= 0 {
			return amount
		}
		return amount + (excess/10)*t.PerMinute
	}
}

func OffStation(penalty int64) Rule {
	return func(amount int64, f Facts) int64 {
		if !f.OffStation {
			return amount
		}
		return amount + penalty
	}
}

// Estimate prices a trip before it starts: duration unknown, so base fare only.
func (c *Calculator) Estimate(t TripType) (int64, error) {
	return c.Price(Facts{TripType: t})
}

func (c *Calculator) Price(f Facts) (int64, error) {
	lines, err := c.Breakdown(f)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, l := range lines {
		total += l.Amount
	}
	return total, nil
}

// Breakdown folds the chain and reports the delta each stage added.
func (c *Calculator) Breakdown(f Facts) ([]Line, error) {
	if _, ok := c.tariffs[f.TripType]; !ok {
		return nil, ErrUnknownTripType
	}

	lines := make([]Line, 0, len(c.stages))
	var amount int64
	for _, s := range c.stages {
		next := s.rule(amount, f)
		lines = append(lines, Line{Name: s.name, Amount: next - amount})
		amount = next
	}
	return lines, nil
}
