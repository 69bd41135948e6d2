package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/internal/store/memory"
	"github.com/semanticallynull/rentalengine-backend/station"
)

// seed fills the in-memory store with a few Dublin stations for local runs.
func seed(m *memory.Store) {
	stations := []struct {
		name     string
		lat, lng float64
	}{
		{"Grand Canal Dock", 53.3398, -6.2376},
		{"Smithfield", 53.3478, -6.2783},
		{"St. Stephen's Green", 53.3382, -6.2591},
	}

	for i, s := range stations {
		id := uuid.New()
		m.AddStation(station.Station{
			ID:               id,
			Name:             s.name,
			OpeningHours:     "24/7",
			Location:         pgtype.Point{P: pgtype.Vec2{X: s.lat, Y: s.lng}, Valid: true},
			ElectricCapacity: 10,
			ManualCapacity:   10,
		})

		for j := range 4 {
			dock := fmt.Sprintf("%c%d", 'A'+rune(j), 1)
			m.AddBike(bike.Bike{
				ID:           uuid.New(),
				Serial:       fmt.Sprintf("EB-%d%03d", i+1, j),
				Type:         bike.Electric,
				State:        bike.StateAvailable,
				StationID:    &id,
				ChargeLevel:  100 - j*20,
				DockPosition: &dock,
			})
			m.AddBike(bike.Bike{
				ID:        uuid.New(),
				Serial:    fmt.Sprintf("MB-%d%03d", i+1, j),
				Type:      bike.Manual,
				State:     bike.StateAvailable,
				StationID: &id,
			})
		}
	}
}
