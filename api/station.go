package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/station"
)

type stationResponse struct {
	ID               uuid.UUID    `json:"id"`
	Name             string       `json:"name"`
	Address          string       `json:"address"`
	OpeningHours     string       `json:"opening_hours"`
	Lat              float64      `json:"latitude"`
	Lng              float64      `json:"longitude"`
	Type             station.Type `json:"type"`
	ElectricCapacity int          `json:"electricCapacity"`
	ManualCapacity   int          `json:"manualCapacity"`
}

func toStationResponse(s station.Station) stationResponse {
	return stationResponse{
		ID:               s.ID,
		Name:             s.Name,
		Address:          s.Address,
		OpeningHours:     s.OpeningHours,
		Type:             s.Type,
		Lat:              s.Location.P.X,
		Lng:              s.Location.P.Y,
		ElectricCapacity: s.ElectricCapacity,
		ManualCapacity:   s.ManualCapacity,
	}
}

func (a *API) stationsHandler(c *gin.Context) {
	var stations []station.Station
	err := a.store.View(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		var err error
		stations, err = tx.Stations().List(ctx)
		return err
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	resp := make([]stationResponse, 0, len(stations))
	for _, s := range stations {
		resp = append(resp, toStationResponse(s))
	}
	c.JSON(http.StatusOK, resp)
}

type bikeResponse struct {
	ID           uuid.UUID  `json:"id"`
	Serial       string     `json:"serial"`
	Type         bike.Type  `json:"type"`
	State        bike.State `json:"state"`
	ChargeLevel  int        `json:"chargeLevel,omitempty"`
	DockPosition *string    `json:"dockPosition,omitempty"`
	DisplayName  *string    `json:"displayName,omitempty"`
}

func (a *API) stationBikesHandler(c *gin.Context) {
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	var bikes []bike.Bike
	err := a.store.View(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Stations().Get(ctx, id); err != nil {
			return err
		}
		var err error
		bikes, err = tx.Bikes().ListByStation(ctx, id)
		return err
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	resp := make([]bikeResponse, 0, len(bikes))
	for _, b := range bikes {
		r := bikeResponse{
			ID:           b.ID,
			Serial:       b.Serial,
			Type:         b.Type,
			State:        b.State,
			DockPosition: b.DockPosition,
			DisplayName:  b.DisplayName,
		}
		if b.Type == bike.Electric {
			r.ChargeLevel = b.ChargeLevel
		}
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, resp)
}
