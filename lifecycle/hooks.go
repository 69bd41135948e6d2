package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Hook is a side effect that runs after a lifecycle operation committed.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher runs hooks in the background. A failed hook is logged and counted; it never
// reaches the caller of the operation that scheduled it.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration
	failed  *prometheus.CounterVec
	wg      sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:  logger,
		timeout: timeout,
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rental_hook_failures_total",
				Help: "Post-commit side effects that failed",
			},
			[]string{"hook"},
		),
	}
}

// Dispatch starts every hook. The hooks outlive ctx's cancellation but keep its values.
func (d *Dispatcher) Dispatch(ctx context.Context, hooks ...Hook) {
	base := context.WithoutCancel(ctx)
	for _, h := range hooks {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(base, h)
		}()
	}
}

func (d *Dispatcher) run(ctx context.Context, h Hook) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.failed.WithLabelValues(h.Name).Inc()
			d.logger.ErrorContext(ctx, "Post-commit hook panicked", "hook", h.Name, "panic", r)
		}
	}()

	if err := h.Run(ctx); err != nil {
		d.failed.WithLabelValues(h.Name).Inc()
		d.logger.ErrorContext(ctx, "Post-commit hook failed", "hook", h.Name, "error", err)
	}
}

// Wait blocks until every dispatched hook returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
