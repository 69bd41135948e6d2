package rental

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/fare"
)

type Status string

const (
	StatusReserved  Status = "reserved"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Open reports whether the status still counts against the one-rental-per-rider limit.
func (s Status) Open() bool {
	return s == StatusReserved || s == StatusActive
}

type PaymentMethod string

const (
	PaymentWallet PaymentMethod = "wallet"
	PaymentCard   PaymentMethod = "card"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentWallet || p == PaymentCard
}

// AllowedTransitions represents the rental lifecycle. Terminal states have no entry.
var AllowedTransitions = map[Status][]Status{
	StatusReserved: {StatusActive, StatusCancelled},
	StatusActive:   {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Rental struct {
	ID           uuid.UUID      `db:"id"`
	RiderID      uuid.UUID      `db:"rider_id"`
	BikeID       uuid.UUID      `db:"bike_id"`
	BikeSerial   string         `db:"bike_serial"`
	DockPosition sql.NullString `db:"dock_position"`

	OriginStationID      uuid.UUID  `db:"origin_station_id"`
	DestinationStationID *uuid.UUID `db:"destination_station_id"`

	TripType      fare.TripType `db:"trip_type"`
	Status        Status        `db:"status"`
	PaymentMethod PaymentMethod `db:"payment_method"`
	UnlockCode    string        `db:"unlock_code"`

	EstimatedFare int64 `db:"estimated_fare"`
	// PrepaidAmount is what the wallet was charged at reservation time; zero for card rentals.
	PrepaidAmount int64         `db:"prepaid_amount"`
	FinalFare     sql.NullInt64 `db:"final_fare"`
	// Shortfall is the part of the completion charge the wallet could not cover.
	Shortfall      int64         `db:"shortfall"`
	OffStation     bool          `db:"off_station"`
	DurationTenths sql.NullInt64 `db:"duration_tenths"`

	CancelReason sql.NullString `db:"cancel_reason"`

	ReservedAt  time.Time    `db:"reserved_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	EndedAt     sql.NullTime `db:"ended_at"`
	CancelledAt sql.NullTime `db:"cancelled_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// Reference is the external reference ledger entries carry for this rental.
func (r Rental) Reference() string {
	return "rental_" + r.ID.String()
}

// Credentials returns the tokens that unlock the reserved bike: the generated code and the
// bike's serial. Accepting the bare serial is a deliberate relaxation kept for kiosk/demo use.
func (r Rental) Credentials() map[string]struct{} {
	creds := make(map[string]struct{}, 2)
	if c := strings.TrimSpace(r.UnlockCode); c != "" {
		creds[c] = struct{}{}
	}
	if s := strings.TrimSpace(r.BikeSerial); s != "" {
		creds[s] = struct{}{}
	}
	return creds
}

func (r Rental) Accepts(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	_, ok := r.Credentials()[code]
	return ok
}

// NewUnlockCode returns six upper-case hex characters.
func NewUnlockCode() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate unlock code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}
