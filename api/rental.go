package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/fare"
	"github.com/semanticallynull/rentalengine-backend/internal/middleware"
	"github.com/semanticallynull/rentalengine-backend/lifecycle"
	"github.com/semanticallynull/rentalengine-backend/rental"
)

type rentalResponse struct {
	ID                   uuid.UUID            `json:"id"`
	BikeID               uuid.UUID            `json:"bikeId"`
	BikeSerial           string               `json:"bikeSerial"`
	DockPosition         string               `json:"dockPosition,omitempty"`
	OriginStationID      uuid.UUID            `json:"originStationId"`
	DestinationStationID *uuid.UUID           `json:"destinationStationId,omitempty"`
	TripType             fare.TripType        `json:"tripType"`
	Status               rental.Status        `json:"status"`
	PaymentMethod        rental.PaymentMethod `json:"paymentMethod"`
	// UnlockCode is only shown while the bike is waiting to be unlocked.
	UnlockCode      string     `json:"unlockCode,omitempty"`
	EstimatedFare   int64      `json:"estimatedFare"`
	FinalFare       *int64     `json:"finalFare,omitempty"`
	Shortfall       int64      `json:"shortfall,omitempty"`
	OffStation      bool       `json:"offStation"`
	DurationMinutes *float64   `json:"durationMinutes,omitempty"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	ReservedAt      time.Time  `json:"reservedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
}

func toRentalResponse(r rental.Rental) rentalResponse {
	resp := rentalResponse{
		ID:                   r.ID,
		BikeID:               r.BikeID,
		BikeSerial:           r.BikeSerial,
		DockPosition:         r.DockPosition.String,
		OriginStationID:      r.OriginStationID,
		DestinationStationID: r.DestinationStationID,
		TripType:             r.TripType,
		Status:               r.Status,
		PaymentMethod:        r.PaymentMethod,
		EstimatedFare:        r.EstimatedFare,
		Shortfall:            r.Shortfall,
		OffStation:           r.OffStation,
		CancelReason:         r.CancelReason.String,
		ReservedAt:           r.ReservedAt,
	}
	if r.Status == rental.StatusReserved {
		resp.UnlockCode = r.UnlockCode
	}
	if r.FinalFare.Valid {
		resp.FinalFare = &r.FinalFare.Int64
	}
	if r.DurationTenths.Valid {
		m := float64(r.DurationTenths.Int64) / 10
		resp.DurationMinutes = &m
	}
	if r.StartedAt.Valid {
		resp.StartedAt = &r.StartedAt.Time
	}
	if r.EndedAt.Valid {
		resp.EndedAt = &r.EndedAt.Time
	}
	if r.CancelledAt.Valid {
		resp.CancelledAt = &r.CancelledAt.Time
	}
	return resp
}

type reserveRequest struct {
	OriginStationID      string        `json:"originStationId" binding:"required"`
	DestinationStationID string        `json:"destinationStationId"`
	BikeType             bike.Type     `json:"bikeType" binding:"required"`
	TripType             fare.TripType `json:"tripType" binding:"required"`
	// PaymentMethod defaults to the wallet.
	PaymentMethod rental.PaymentMethod `json:"paymentMethod"`
}

func (a *API) reserveHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)

	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.invalid(c, err.Error())
		return
	}

	origin, err := uuid.Parse(req.OriginStationID)
	if err != nil {
		a.invalid(c, "invalid originStationId")
		return
	}
	cmd := lifecycle.ReserveCommand{
		RiderID:         riderID,
		OriginStationID: origin,
		BikeType:        req.BikeType,
		TripType:        req.TripType,
		PaymentMethod:   req.PaymentMethod,
	}
	if cmd.PaymentMethod == "" {
		cmd.PaymentMethod = rental.PaymentWallet
	}
	if req.DestinationStationID != "" {
		dest, err := uuid.Parse(req.DestinationStationID)
		if err != nil {
			a.invalid(c, "invalid destinationStationId")
			return
		}
		cmd.DestinationStationID = &dest
	}

	res, err := a.svc.Reserve(c.Request.Context(), cmd)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type startRequest struct {
	// UnlockCode is the reservation code or the bike's serial.
	UnlockCode string `json:"unlockCode" binding:"required"`
}

func (a *API) startHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.invalid(c, err.Error())
		return
	}

	trip, err := a.svc.Start(c.Request.Context(), lifecycle.StartCommand{RiderID: riderID, UnlockCode: req.UnlockCode})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trip)
}

type endRequest struct {
	DestinationStationID string `json:"destinationStationId"`
}

func (a *API) endHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		a.invalid(c, err.Error())
		return
	}
	cmd := lifecycle.EndCommand{RiderID: riderID, RentalID: id}
	if req.DestinationStationID != "" {
		dest, err := uuid.Parse(req.DestinationStationID)
		if err != nil {
			a.invalid(c, "invalid destinationStationId")
			return
		}
		cmd.DestinationStationID = &dest
	}

	rec, err := a.svc.End(c.Request.Context(), cmd)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) cancelHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		a.invalid(c, err.Error())
		return
	}

	res, err := a.svc.Cancel(c.Request.Context(), lifecycle.CancelCommand{RiderID: riderID, RentalID: id, Reason: req.Reason})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) currentRentalHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)

	r, err := a.svc.Current(c.Request.Context(), riderID)
	if err != nil {
		a.fail(c, err)
		return
	}
	if r == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, toRentalResponse(*r))
}

func (a *API) rentalsHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)
	limit, ok := a.queryLimit(c)
	if !ok {
		return
	}

	rentals, err := a.svc.History(c.Request.Context(), riderID, limit)
	if err != nil {
		a.fail(c, err)
		return
	}

	resp := make([]rentalResponse, 0, len(rentals))
	for _, r := range rentals {
		resp = append(resp, toRentalResponse(r))
	}
	c.JSON(http.StatusOK, resp)
}
