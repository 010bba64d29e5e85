// Package subscription owns the push-notification subscription lifecycle:
// idempotent establishment, renewal inside a safety margin, and a background
// worker that renews expiring watches and marks exhausted ones degraded.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/logger"
	"github.com/mailtriage/mailtriage/pkg/retry"
	"github.com/mailtriage/mailtriage/provider"
)

// Store is the subscription persistence the manager needs; implemented by
// *db.Database.
type Store interface {
	GetSubscription(ctx context.Context, userID string) (*db.Subscription, error)
	UpsertSubscription(ctx context.Context, userID, resourceID string, expiration time.Time, checkpoint uint64) error
	RenewSubscription(ctx context.Context, userID string, expiration time.Time) error
	ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]db.Subscription, error)
	MarkDegraded(ctx context.Context, userID, reason string) error
	CountSubscriptions(ctx context.Context) (total int64, degraded int64, err error)
}

type Manager struct {
	store        Store
	gateway      provider.Gateway
	safetyMargin time.Duration
	retryCfg     retry.BackoffConfig
}

func NewManager(store Store, gateway provider.Gateway, safetyMargin time.Duration, retryCfg retry.BackoffConfig) *Manager {
	return &Manager{
		store:        store,
		gateway:      gateway,
		safetyMargin: safetyMargin,
		retryCfg:     retryCfg,
	}
}

// EnsureWatch idempotently establishes or renews the push subscription for
// one user. A subscription with more than the safety margin remaining is
// returned as-is without a provider call. A fresh or expired subscription
// anchors its checkpoint at the provider's current history cursor; a live
// one keeps its checkpoint across renewal.
func (m *Manager) EnsureWatch(ctx context.Context, userID string) (time.Time, error) {
	sub, err := m.store.GetSubscription(ctx, userID)
	if err != nil && !errors.Is(err, consts.ErrSubscriptionNotFound) {
		return time.Time{}, err
	}

	if sub != nil && time.Until(sub.Expiration) > m.safetyMargin {
		return sub.Expiration, nil
	}

	var info *provider.WatchInfo
	err = retry.WithRetry(ctx, func() error {
		var err error
		info, err = m.gateway.CreateWatch(ctx, userID)
		if errors.Is(err, consts.ErrAuthExpired) {
			return retry.Stop(err)
		}
		return err
	}, m.retryCfg)
	if err != nil {
		return time.Time{}, err
	}

	// Renewal of a still-valid subscription keeps the checkpoint. Anything
	// else (first watch, lapsed expiration, resource id change) is a fresh
	// subscription and re-anchors at the provider's current cursor; a stale
	// checkpoint must never be resurrected.
	if sub != nil && sub.Expiration.After(time.Now()) && sub.MailboxResourceID == info.ResourceID {
		if err := m.store.RenewSubscription(ctx, userID, info.Expiration); err != nil {
			return time.Time{}, err
		}
	} else {
		if err := m.store.UpsertSubscription(ctx, userID, info.ResourceID, info.Expiration, info.HistoryID); err != nil {
			return time.Time{}, err
		}
	}

	logger.Info("subscription: watch established",
		"user_id", userID, "resource_id", info.ResourceID, "expiration", info.Expiration)
	return info.Expiration, nil
}

// Get returns the stored subscription for the API layer.
func (m *Manager) Get(ctx context.Context, userID string) (*db.Subscription, error) {
	return m.store.GetSubscription(ctx, userID)
}

// ValidateNotification checks an inbound notification's mailbox resource id
// against the user's current subscription. A mismatch means the notification
// belongs to a superseded subscription and must be discarded as a no-op.
func (m *Manager) ValidateNotification(ctx context.Context, userID, resourceID string) error {
	sub, err := m.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, consts.ErrSubscriptionNotFound) {
			return consts.ErrStaleNotification
		}
		return err
	}
	if sub.MailboxResourceID != resourceID {
		return consts.ErrStaleNotification
	}
	return nil
}
