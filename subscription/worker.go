package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/logger"
	"github.com/mailtriage/mailtriage/pkg/metrics"
)

// RenewalWorker periodically renews every subscription whose expiration
// falls within the safety margin. Transient renewal failures retry with
// backoff inside EnsureWatch; once the retry budget is exhausted (or the
// user's credentials have expired) the subscription is marked degraded for
// the UI layer rather than failing silently.
type RenewalWorker struct {
	manager  *Manager
	store    Store
	interval time.Duration
	stopCh   chan struct{}
}

func NewRenewalWorker(manager *Manager, store Store, interval time.Duration) *RenewalWorker {
	return &RenewalWorker{
		manager:  manager,
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (w *RenewalWorker) Start(ctx context.Context) {
	logger.Info("subscription: renewal worker starting",
		"interval", w.interval, "safety_margin", w.manager.safetyMargin)

	interval := w.interval
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("subscription: configured renewal interval below minimum, using minimum",
			"configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("subscription: renewal worker stopped")
				return
			case <-w.stopCh:
				logger.Info("subscription: renewal worker stopped via stop signal")
				return
			case <-ticker.C:
				w.runOnce(ctx)
			}
		}
	}()
}

// Stop signals the renewal worker to stop
func (w *RenewalWorker) Stop() {
	close(w.stopCh)
}

func (w *RenewalWorker) runOnce(ctx context.Context) {
	expiring, err := w.store.ListExpiringSubscriptions(ctx, time.Now().Add(w.manager.safetyMargin))
	if err != nil {
		logger.Error("subscription: failed to list expiring subscriptions", "error", err)
		return
	}

	for _, sub := range expiring {
		if _, err := w.manager.EnsureWatch(ctx, sub.UserID); err != nil {
			reason := "renewal retries exhausted"
			if errors.Is(err, consts.ErrAuthExpired) {
				reason = "provider reauthorization required"
			}
			logger.Error("subscription: renewal failed, marking degraded",
				"user_id", sub.UserID, "reason", reason, "error", err)
			if err := w.store.MarkDegraded(ctx, sub.UserID, reason); err != nil {
				logger.Error("subscription: failed to mark degraded", "user_id", sub.UserID, "error", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}

	if total, degraded, err := w.store.CountSubscriptions(ctx); err == nil {
		metrics.ActiveWatches.Set(float64(total - degraded))
		metrics.DegradedWatches.Set(float64(degraded))
	}
}
