package lifecycle

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/rental"
	"github.com/semanticallynull/rentalengine-backend/rider"
)

// RiderByAuth0ID returns the rider signed in with auth0ID, registering them on first sight.
func (s *Service) RiderByAuth0ID(ctx context.Context, auth0ID string) (rider.Rider, error) {
	var rd rider.Rider
	err := s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rd, err = tx.Riders().GetByAuth0ID(ctx, auth0ID)
		if errors.Is(err, rider.ErrNotFound) {
			rd, err = tx.Riders().Create(ctx, auth0ID)
		}
		return err
	})
	return rd, err
}

func (s *Service) UpdateProfile(ctx context.Context, riderID uuid.UUID, email, name string) error {
	return s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Riders().UpdateProfile(ctx, riderID, email, name)
	})
}

// PaymentCustomer returns the rider's card processor customer id, creating the customer on
// first use.
func (s *Service) PaymentCustomer(ctx context.Context, rd rider.Rider) (string, error) {
	if rd.StripeID.Valid {
		return rd.StripeID.String, nil
	}
	if s.payments == nil {
		return "", ErrNoPaymentMethod
	}
	id, err := s.payments.CreateCustomer(ctx, rd.ID, rd.Auth0ID)
	if err != nil {
		return "", err
	}
	err = s.store.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Riders().SetStripeID(ctx, rd.ID, id)
	})
	return id, err
}

// CustomerSession opens a card processor session in which the rider manages saved cards.
func (s *Service) CustomerSession(ctx context.Context, rd rider.Rider) (customerID, secret string, err error) {
	customerID, err = s.PaymentCustomer(ctx, rd)
	if err != nil {
		return "", "", err
	}
	secret, err = s.payments.CustomerSession(ctx, customerID)
	return customerID, secret, err
}

// SetupIntent starts saving a new card for a rider who is already a card processor customer.
func (s *Service) SetupIntent(ctx context.Context, riderID uuid.UUID) (string, error) {
	if s.payments == nil {
		return "", ErrNoPaymentMethod
	}
	customerID, err := s.customerID(ctx, riderID)
	if err != nil {
		return "", err
	}
	return s.payments.SetupIntent(ctx, customerID)
}

// Current returns the rider's reserved or active rental, or nil when there is none.
func (s *Service) Current(ctx context.Context, riderID uuid.UUID) (*rental.Rental, error) {
	var current *rental.Rental
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		rentals, err := tx.Rentals().ListByRider(ctx, riderID, 0)
		if err != nil {
			return err
		}
		for _, r := range rentals {
			if r.Status.Open() {
				current = &r
				return nil
			}
		}
		return nil
	})
	return current, err
}

// History lists the rider's rentals, newest first.
func (s *Service) History(ctx context.Context, riderID uuid.UUID, limit int) ([]rental.Rental, error) {
	var rentals []rental.Rental
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rentals, err = tx.Rentals().ListByRider(ctx, riderID, limit)
		return err
	})
	return rentals, err
}
