// Package telemetry publishes simulated position reports for a trip between two stations.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoRoute is returned when a trip lacks an origin or a destination.
var ErrNoRoute = errors.New("telemetry: trip has no origin or destination")

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Trip struct {
	RentalID    uuid.UUID
	BikeID      uuid.UUID
	BikeSerial  string
	Origin      *Point
	Destination *Point
	StartedAt   time.Time
}

// Report is one simulated position message.
type Report struct {
	BikeID    uuid.UUID `json:"bike_id"`
	RentalID  uuid.UUID `json:"rental_id"`
	Serial    string    `json:"serial"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Battery   float64   `json:"battery"`
	SpeedKMH  int       `json:"speed_kmh"`
	Timestamp time.Time `json:"timestamp"`
}

type Simulator interface {
	Simulate(ctx context.Context, t Trip) error
}

// Route interpolates a straight line of steps+1 points from origin to destination.
func Route(origin, dest Point, steps int) []Point {
	if steps < 1 {
		steps = 1
	}
	points := make([]Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		points = append(points, Point{
			Lat: origin.Lat + (dest.Lat-origin.Lat)*f,
			Lon: origin.Lon + (dest.Lon-origin.Lon)*f,
		})
	}
	return points
}

// Reports builds the position messages for a trip, one every interval from StartedAt.
func Reports(t Trip, steps int, interval time.Duration) ([]Report, error) {
	if t.Origin == nil || t.Destination == nil {
		return nil, ErrNoRoute
	}
	route := Route(*t.Origin, *t.Destination, steps)
	reports := make([]Report, 0, len(route))
	for i, p := range route {
		reports = append(reports, Report{
			BikeID:    t.BikeID,
			RentalID:  t.RentalID,
			Serial:    t.BikeSerial,
			Lat:       p.Lat,
			Lon:       p.Lon,
			Battery:   math.Max(10, 100-float64(i)*0.2),
			SpeedKMH:  15 + i%4,
			Timestamp: t.StartedAt.Add(time.Duration(i) * interval).UTC(),
		})
	}
	return reports, nil
}

// RedisSimulator appends a trip's reports to a Redis stream.
type RedisSimulator struct {
	client   *redis.Client
	stream   string
	steps    int
	interval time.Duration
	maxLen   int64
}

func NewRedisSimulator(client *redis.Client, stream string) *RedisSimulator {
	return &RedisSimulator{
		client:   client,
		stream:   stream,
		steps:    20,
		interval: time.Second,
		maxLen:   100000,
	}
}

func (s *RedisSimulator) Simulate(ctx context.Context, t Trip) error {
	reports, err := Reports(t, s.steps, s.interval)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	for _, r := range reports {
		payload, err := json.Marshal(r)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"rental_id": r.RentalID.String(),
				"payload":   payload,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish telemetry for rental %s: %w", t.RentalID, err)
	}
	return nil
}
