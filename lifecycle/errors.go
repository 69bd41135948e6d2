package lifecycle

import (
	"errors"
	"fmt"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/fare"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/payment"
	"github.com/semanticallynull/rentalengine-backend/rental"
	"github.com/semanticallynull/rentalengine-backend/rider"
	"github.com/semanticallynull/rentalengine-backend/station"
)

// ErrInvalidTransition is wrapped by every error that rejects a lifecycle step because of the
// rider's or the rental's current state.
var ErrInvalidTransition = errors.New("invalid rental transition")

func precondition(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, msg)
}

var (
	ErrSanctionActive       = precondition("rider has an active sanction")
	ErrDuplicateReservation = precondition("rider already has a reservation or an active trip")
	ErrSameStations         = precondition("origin and destination stations are the same")
	ErrNoReservation        = precondition("rider has no reservation")
	ErrMultipleReservations = precondition("rider has more than one reservation")
	ErrWrongCode            = precondition("unlock code does not match")
	ErrBikeUnavailable      = precondition("bike cannot be unlocked")
	ErrNotActive            = precondition("rental is not active")
	ErrWrongOwner           = precondition("rental belongs to another rider")
	ErrNotReservable        = precondition("rental is no longer reserved")
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoAvailability = errors.New("no bike available")

	ErrRentalNotFound    = rental.ErrNotFound
	ErrStationNotFound   = station.ErrNotFound
	ErrRiderNotFound     = rider.ErrNotFound
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrNoPaymentMethod   = payment.ErrNoPaymentMethod
)

// Code returns a stable identifier for err that callers can branch on.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSanctionActive):
		return "SANCTION_ACTIVE"
	case errors.Is(err, ErrDuplicateReservation):
		return "DUPLICATE_RESERVATION"
	case errors.Is(err, ErrSameStations):
		return "SAME_STATIONS"
	case errors.Is(err, ErrNoReservation):
		return "NO_RESERVATION"
	case errors.Is(err, ErrMultipleReservations):
		return "MULTIPLE_RESERVATIONS"
	case errors.Is(err, ErrWrongCode):
		return "WRONG_CODE"
	case errors.Is(err, ErrBikeUnavailable):
		return "BIKE_UNAVAILABLE"
	case errors.Is(err, ErrNotActive):
		return "NOT_ACTIVE"
	case errors.Is(err, ErrWrongOwner):
		return "WRONG_OWNER"
	case errors.Is(err, ErrNotReservable):
		return "NOT_RESERVABLE"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrStationNotFound):
		return "STATION_NOT_FOUND"
	case errors.Is(err, ErrRentalNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrRiderNotFound):
		return "RIDER_NOT_FOUND"
	case errors.Is(err, ErrNoAvailability), errors.Is(err, bike.ErrNotAvailable):
		return "NO_AVAILABILITY"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrNoPaymentMethod), errors.Is(err, payment.ErrNoCustomer):
		return "NO_PAYMENT_METHOD"
	case errors.Is(err, payment.ErrDeclined):
		return "PAYMENT_DECLINED"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, fare.ErrUnknownTripType),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidKind):
		return "INVALID_REQUEST"
	case IsRetryable(err):
		return "CONFLICT"
	}
	return "INTERNAL"
}

// IsRetryable reports whether the operation failed before committing anything for a reason
// unrelated to the request, so running it again from scratch may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, rental.ErrStale)
}

// IsBusiness reports whether err is an expected outcome of the request rather than a fault.
func IsBusiness(err error) bool {
	code := Code(err)
	return code != "" && code != "INTERNAL" && code != "CONFLICT"
}
