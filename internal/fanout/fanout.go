// Package fanout writes processed entities to every destination attached to a
// sync, concurrently, with a bounded retry budget per write.
package fanout

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nucleus/sync-core/internal/reconcile"
	"github.com/nucleus/sync-core/pkg/destination"
	"github.com/nucleus/sync-core/pkg/engine"
	"github.com/nucleus/sync-core/pkg/entity"
)

// Writer fans one entity operation out to a set of destination handles.
// Writes to distinct destinations run concurrently; failures on required
// destinations are fatal, failures on optional ones are logged and dropped.
type Writer struct {
	handles []destination.Handle
	logger  log.Logger

	retryBudget  int
	retryBackoff time.Duration
	limiter      *rate.Limiter
}

// Option configures a Writer.
type Option func(*Writer)

// WithRetry sets how many attempts each write gets and the base backoff
// between them. Budget counts attempts, so 1 means no retry.
func WithRetry(budget int, backoff time.Duration) Option {
	return func(w *Writer) {
		w.retryBudget = budget
		w.retryBackoff = backoff
	}
}

// WithRateLimit throttles writes across all destinations to n per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(w *Writer) {
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewWriter creates a fan-out writer over the given handles.
func NewWriter(handles []destination.Handle, logger log.Logger, opts ...Option) *Writer {
	w := &Writer{
		handles:      handles,
		logger:       logger,
		retryBudget:  3,
		retryBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.retryBudget < 1 {
		w.retryBudget = 1
	}
	return w
}

// EnsureCollections creates every handle's target collection up front so a
// misconfigured destination fails the run before any entity is written.
func (w *Writer) EnsureCollections(ctx context.Context) error {
	for _, h := range w.handles {
		if err := h.Dest.EnsureCollection(ctx, h.Collection); err != nil {
			if !h.Required {
				w.logger.Warn("optional destination unavailable, skipping",
					"destination", h.Dest.ID(), "collection", h.Collection.Name, "error", err)
				continue
			}
			return engine.Coded(engine.CodeDestUnavailable, true,
				fmt.Errorf("ensure collection %s on %s: %w", h.Collection.Name, h.Dest.ID(), err))
		}
	}
	return nil
}

// Apply performs the destination-side effect of one reconciliation decision.
// KEEP and SKIP write nothing. DELETE needs only the key; INSERT and UPDATE
// upsert the full entity.
func (w *Writer) Apply(ctx context.Context, disp reconcile.Disposition, key destination.Key, ent *entity.Entity) error {
	switch disp {
	case reconcile.Keep, reconcile.Skip:
		return nil
	case reconcile.Delete:
		return w.each(ctx, func(ctx context.Context, h destination.Handle) error {
			return h.Dest.Delete(ctx, key)
		})
	case reconcile.Insert, reconcile.Update:
		if ent == nil {
			return fmt.Errorf("fanout: %s requires an entity", disp)
		}
		return w.each(ctx, func(ctx context.Context, h destination.Handle) error {
			return h.Dest.Upsert(ctx, key, ent)
		})
	default:
		return fmt.Errorf("fanout: unknown disposition %q", disp)
	}
}

// each runs op against every handle concurrently, retrying each handle up to
// the budget. A required handle that exhausts its budget fails the call.
func (w *Writer) each(ctx context.Context, op func(context.Context, destination.Handle) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range w.handles {
		h := h
		g.Go(func() error {
			err := w.withRetry(ctx, h, op)
			if err == nil {
				return nil
			}
			if !h.Required {
				w.logger.Warn("optional destination write failed",
					"destination", h.Dest.ID(), "collection", h.Collection.Name, "error", err)
				return nil
			}
			return engine.Coded(engine.CodeDestUnavailable, true,
				fmt.Errorf("write to %s: %w", h.Dest.ID(), err))
		})
	}
	return g.Wait()
}

func (w *Writer) withRetry(ctx context.Context, h destination.Handle, op func(context.Context, destination.Handle) error) error {
	var lastErr error
	for attempt := 1; attempt <= w.retryBudget; attempt++ {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// A write that has started is allowed to finish even if the job is
		// cancelled; half-applied upserts are worse than a late one.
		lastErr = op(context.WithoutCancel(ctx), h)
		if lastErr == nil {
			return nil
		}
		if attempt < w.retryBudget {
			select {
			case <-time.After(w.retryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
