// Package notify tells riders about their rentals.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindReserved  Kind = "reservation_confirmed"
	KindStarted   Kind = "trip_started"
	KindReceipt   Kind = "trip_receipt"
	KindCancelled Kind = "reservation_cancelled"
	KindTopUp     Kind = "wallet_topped_up"
)

type Message struct {
	RiderID  uuid.UUID
	RentalID uuid.UUID
	Kind     Kind
	Subject  string
	// Fields are rendered into the message body.
	Fields map[string]any
}

type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Log writes notifications to a structured logger instead of delivering them.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, m Message) error {
	attrs := []any{
		"riderId", m.RiderID,
		"kind", m.Kind,
		"subject", m.Subject,
	}
	if m.RentalID != uuid.Nil {
		attrs = append(attrs, "rentalId", m.RentalID)
	}
	for k, v := range m.Fields {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "Notification", attrs...)
	return nil
}

// Recorder keeps every message in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

func (r *Recorder) Notify(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Messages = append(r.Messages, m)
	return nil
}

// Kinds returns the kinds of the recorded messages in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.Messages))
	for _, m := range r.Messages {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}
