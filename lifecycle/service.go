// Package lifecycle moves a rental through reserved -> active -> completed and
// reserved -> cancelled. Each step runs as one unit of work over the rental, its bike and
// the rider's wallet; notifications, telemetry and card invoices run after commit.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/fare"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/payment"
	"github.com/semanticallynull/rentalengine-backend/telemetry"
)

type Options struct {
	Store      store.Store
	Fares      *fare.Calculator
	Allocator  *bike.Allocator
	Ledger     *ledger.Ledger
	Payments   payment.Gateway
	Notifier   notify.Notifier
	Telemetry  telemetry.Simulator
	Settlement Settlement
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// HookTimeout bounds each post-commit side effect. Defaults to 30s.
	HookTimeout time.Duration
	Now         func() time.Time
}

type Service struct {
	store      store.Store
	fares      *fare.Calculator
	alloc      *bike.Allocator
	ledger     *ledger.Ledger
	payments   payment.Gateway
	notifier   notify.Notifier
	telemetry  telemetry.Simulator
	settlement Settlement
	hooks      *Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	fareAmount *prometheus.HistogramVec
}

func New(o Options) *Service {
	if o.Fares == nil {
		o.Fares = fare.Default()
	}
	if o.Allocator == nil {
		o.Allocator = bike.NewAllocator(bike.DefaultMinCharge)
	}
	if o.Ledger == nil {
		o.Ledger = ledger.New(nil)
	}
	if o.Settlement == "" {
		o.Settlement = SettleFull
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HookTimeout <= 0 {
		o.HookTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Ledger.WithClock(o.Now)

	s := &Service{
		store:      o.Store,
		fares:      o.Fares,
		alloc:      o.Allocator,
		ledger:     o.Ledger,
		payments:   o.Payments,
		notifier:   o.Notifier,
		telemetry:  o.Telemetry,
		settlement: o.Settlement,
		hooks:      NewDispatcher(o.Logger, o.HookTimeout),
		logger:     o.Logger,
		tracer:     otel.Tracer("lifecycle"),
		now:        o.Now,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rental_operations_total",
				Help: "Rental lifecycle operations by outcome code",
			},
			[]string{"operation", "code"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rental_operation_duration_seconds",
				Help:    "Rental lifecycle operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		fareAmount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fare_amount",
				Help:    "Final fares of completed rentals",
				Buckets: []float64{17500, 20000, 25000, 30000, 40000, 60000, 100000},
			},
			[]string{"trip_type"},
		),
	}
	if o.Registerer != nil {
		o.Registerer.MustRegister(s.operations, s.latency, s.fareAmount, s.hooks.failed)
	}
	return s
}

// Wait blocks until all post-commit side effects scheduled so far have finished.
func (s *Service) Wait() {
	s.hooks.Wait()
}

// observe starts a span for op and returns a func that records its outcome.
func (s *Service) observe(ctx context.Context, op string) (context.Context, func(err error)) {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+op)
	start := time.Now()
	return ctx, func(err error) {
		code := Code(err)
		if code == "" {
			code = "OK"
		}
		s.operations.WithLabelValues(op, code).Inc()
		s.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())

		span.SetAttributes(attribute.String("rental.result", code))
		switch {
		case err == nil:
		case IsBusiness(err):
			s.logger.InfoContext(ctx, "Rental operation rejected", "operation", op, "code", code, "error", err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.ErrorContext(ctx, "Rental operation failed", "operation", op, "error", err)
		}
		span.End()
	}
}

func (s *Service) notifyHook(m notify.Message) Hook {
	return Hook{
		Name: "notify." + string(m.Kind),
		Run: func(ctx context.Context) error {
			if s.notifier == nil {
				return nil
			}
			return s.notifier.Notify(ctx, m)
		},
	}
}

// wallet debits or credits the rider's wallet inside the unit of work.
func (s *Service) wallet(ctx context.Context, tx store.Tx, req ledger.Request, riderID uuid.UUID) (ledger.Entry, error) {
	w, err := s.ledger.WalletFor(ctx, tx.Wallets(), riderID)
	if err != nil {
		return ledger.Entry{}, err
	}
	req.WalletID = w.ID
	return s.ledger.Record(ctx, tx.Wallets(), req)
}
