// Package ingest turns inbound push notifications into per-sender affected
// message events. Each pass resolves the mailbox delta strictly after the
// stored checkpoint, hands grouped events to the rule engine, and advances
// the checkpoint only once the whole batch has been applied. A failed pass
// leaves the checkpoint alone so the delta is redelivered; the engine's
// actions are idempotent, which makes that redelivery safe.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/logger"
	"github.com/mailtriage/mailtriage/pkg/metrics"
	"github.com/mailtriage/mailtriage/pkg/retry"
	"github.com/mailtriage/mailtriage/provider"
)

// Store is the checkpoint and sender-set persistence the pipeline needs;
// implemented by *db.Database.
type Store interface {
	GetSubscription(ctx context.Context, userID string) (*db.Subscription, error)
	AdvanceCheckpoint(ctx context.Context, userID string, newCheckpoint uint64) error
	KnownHandledSenders(ctx context.Context, userID string) (map[string]struct{}, error)
}

// RuleApplier consumes one sender's grouped events; implemented by
// *engine.Engine.
type RuleApplier interface {
	ApplyAutomation(ctx context.Context, userID, sender string, affected []provider.MessageChange) error
}

type Pipeline struct {
	store    Store
	gateway  provider.Gateway
	applier  RuleApplier
	retryCfg retry.BackoffConfig
}

func NewPipeline(store Store, gateway provider.Gateway, applier RuleApplier, retryCfg retry.BackoffConfig) *Pipeline {
	return &Pipeline{
		store:    store,
		gateway:  gateway,
		applier:  applier,
		retryCfg: retryCfg,
	}
}

// Ingest processes one notification for a user's mailbox. A notification
// whose resource id does not match the current subscription belongs to a
// superseded watch and is discarded as a no-op, not an error.
func (p *Pipeline) Ingest(ctx context.Context, userID, resourceID string) error {
	start := time.Now()
	defer func() {
		metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	}()

	sub, err := p.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, consts.ErrSubscriptionNotFound) {
			metrics.NotificationsTotal.WithLabelValues("stale").Inc()
			logger.Debug("ingest: notification for unknown subscription discarded", "user_id", userID)
			return nil
		}
		return err
	}
	if sub.MailboxResourceID != resourceID {
		metrics.NotificationsTotal.WithLabelValues("stale").Inc()
		logger.Debug("ingest: stale notification discarded",
			"user_id", userID, "got", resourceID, "want", sub.MailboxResourceID)
		return nil
	}
	metrics.NotificationsTotal.WithLabelValues("accepted").Inc()

	var delta *provider.HistoryDelta
	err = retry.WithRetry(ctx, func() error {
		var err error
		delta, err = p.gateway.FetchHistorySince(ctx, userID, sub.LastHistoryCheckpoint)
		if errors.Is(err, consts.ErrAuthExpired) || errors.Is(err, consts.ErrHistoryPruned) {
			return retry.Stop(err)
		}
		return err
	}, p.retryCfg)
	if errors.Is(err, consts.ErrHistoryPruned) {
		return p.resync(ctx, userID)
	}
	if err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := p.applyGroups(ctx, userID, delta.Changes); err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return err
	}

	// Only now, with every derived action applied, does the checkpoint move.
	if err := p.store.AdvanceCheckpoint(ctx, userID, delta.NewCheckpoint); err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	metrics.IngestionPassesTotal.WithLabelValues("ok").Inc()
	return nil
}

// resync is the degraded path taken when the provider has pruned history
// behind our checkpoint. Every inbox message from a sender that is not yet
// handled counts as newly affected, and the checkpoint re-anchors at the
// provider's current cursor.
func (p *Pipeline) resync(ctx context.Context, userID string) error {
	logger.Warn("ingest: history pruned behind checkpoint, running full resync", "user_id", userID)

	cursor, err := p.gateway.CurrentHistoryID(ctx, userID)
	if err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return err
	}

	changes, err := p.gateway.ListInboxMessages(ctx, userID)
	if err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return err
	}

	handled, err := p.store.KnownHandledSenders(ctx, userID)
	if err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return err
	}

	var affected []provider.MessageChange
	for _, change := range changes {
		if _, ok := handled[change.SenderIdentity]; ok {
			continue
		}
		affected = append(affected, change)
	}

	if err := p.applyGroups(ctx, userID, affected); err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := p.store.AdvanceCheckpoint(ctx, userID, cursor); err != nil {
		metrics.IngestionPassesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("advance checkpoint after resync: %w", err)
	}

	metrics.IngestionPassesTotal.WithLabelValues("resync").Inc()
	return nil
}

// applyGroups groups changes by sender identity, deduplicates message ids
// within a group, and hands each group to the rule engine. Senders are
// processed in deterministic order so a replayed pass behaves identically.
func (p *Pipeline) applyGroups(ctx context.Context, userID string, changes []provider.MessageChange) error {
	groups := make(map[string][]provider.MessageChange)
	seen := make(map[string]struct{})
	for _, change := range changes {
		if _, dup := seen[change.MessageID]; dup {
			continue
		}
		seen[change.MessageID] = struct{}{}
		groups[change.SenderIdentity] = append(groups[change.SenderIdentity], change)
	}

	metrics.AffectedSendersPerPass.Observe(float64(len(groups)))

	senders := make([]string, 0, len(groups))
	for sender := range groups {
		senders = append(senders, sender)
	}
	sort.Strings(senders)

	for _, sender := range senders {
		if err := p.applier.ApplyAutomation(ctx, userID, sender, groups[sender]); err != nil {
			return fmt.Errorf("apply automation for sender %s: %w", sender, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
