package db

import (
	"context"
	"errors"
	"time"

	"github.com/mailtriage/mailtriage/consts"
)

// Subscription is the push-notification registration state for one user's
// mailbox. One row per user. LastHistoryCheckpoint is the opaque cursor
// (Gmail history id) marking the last fully processed point in the mailbox's
// change history; it only ever moves forward.
type Subscription struct {
	UserID                string
	MailboxResourceID     string
	Expiration            time.Time
	LastHistoryCheckpoint uint64
	Degraded              bool
	DegradedReason        string
	UpdatedAt             time.Time
}

func (db *Database) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var s Subscription
	err := db.Pool.QueryRow(ctx, `
		SELECT user_id, mailbox_resource_id, expiration, last_history_checkpoint, degraded, degraded_reason, updated_at
		FROM subscriptions
		WHERE user_id = $1
	`, userID).Scan(&s.UserID, &s.MailboxResourceID, &s.Expiration, &s.LastHistoryCheckpoint, &s.Degraded, &s.DegradedReason, &s.UpdatedAt)
	if err != nil {
		if errors.Is(mapError(err), consts.ErrDBNotFound) {
			return nil, consts.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpsertSubscription records a freshly created watch: resource id,
// expiration, and the provider's current cursor as the new checkpoint. Used
// only when no valid subscription exists; renewal goes through
// RenewSubscription so an established checkpoint is never overwritten.
func (db *Database) UpsertSubscription(ctx context.Context, userID, resourceID string, expiration time.Time, checkpoint uint64) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO subscriptions (user_id, mailbox_resource_id, expiration, last_history_checkpoint, degraded, degraded_reason, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, '', now())
		ON CONFLICT (user_id) DO UPDATE SET
			mailbox_resource_id = EXCLUDED.mailbox_resource_id,
			expiration = EXCLUDED.expiration,
			last_history_checkpoint = EXCLUDED.last_history_checkpoint,
			degraded = FALSE,
			degraded_reason = '',
			updated_at = now()
	`, userID, resourceID, expiration, checkpoint)
	return mapError(err)
}

// RenewSubscription updates the expiration of an existing subscription,
// leaving the checkpoint untouched, and clears any degraded marker.
func (db *Database) RenewSubscription(ctx context.Context, userID string, expiration time.Time) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE subscriptions
		SET expiration = $2, degraded = FALSE, degraded_reason = '', updated_at = now()
		WHERE user_id = $1
	`, userID, expiration)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrSubscriptionNotFound
	}
	return nil
}

// AdvanceCheckpoint moves the history checkpoint forward. The WHERE clause
// makes redelivered or out-of-order passes harmless: a cursor that is not
// strictly newer leaves the row unchanged.
func (db *Database) AdvanceCheckpoint(ctx context.Context, userID string, newCheckpoint uint64) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		UPDATE subscriptions
		SET last_history_checkpoint = $2, updated_at = now()
		WHERE user_id = $1 AND last_history_checkpoint < $2
	`, userID, newCheckpoint)
	return mapError(err)
}

// MarkDegraded flags a subscription whose renewal retries are exhausted so
// the UI layer can surface it. The flag clears on the next successful renewal.
func (db *Database) MarkDegraded(ctx context.Context, userID, reason string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE subscriptions
		SET degraded = TRUE, degraded_reason = $2, updated_at = now()
		WHERE user_id = $1
	`, userID, reason)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrSubscriptionNotFound
	}
	return nil
}

// ListExpiringSubscriptions returns subscriptions whose expiration falls
// before the given instant, for the renewal worker.
func (db *Database) ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]Subscription, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT user_id, mailbox_resource_id, expiration, last_history_checkpoint, degraded, degraded_reason, updated_at
		FROM subscriptions
		WHERE expiration < $1
		ORDER BY expiration
	`, before)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.UserID, &s.MailboxResourceID, &s.Expiration, &s.LastHistoryCheckpoint, &s.Degraded, &s.DegradedReason, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// CountSubscriptions returns total and degraded counts for metrics.
func (db *Database) CountSubscriptions(ctx context.Context) (total int64, degraded int64, err error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	err = db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE degraded)
		FROM subscriptions
	`).Scan(&total, &degraded)
	return total, degraded, mapError(err)
}
