// Package engine implements the rule engine: it consumes affected-message
// events, consults and mutates per-sender automation state, and drives the
// provider's filter and archive primitives.
//
// The provider-side filter is treated as a derived cache of the decision
// recorded in the store. Every transition routes through one reconciliation
// point (syncFilter) so the "ref set iff status is AUTO_ARCHIVED" invariant
// is enforced in a single place, and divergence self-heals there.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/helpers"
	"github.com/mailtriage/mailtriage/logger"
	"github.com/mailtriage/mailtriage/pkg/metrics"
	"github.com/mailtriage/mailtriage/pkg/retry"
	"github.com/mailtriage/mailtriage/provider"
)

// casAttempts bounds the optimistic-concurrency retry loop. Conflicts are
// rare (two triggers racing on one sender), so a short budget suffices.
const casAttempts = 3

// Store is the sender-state persistence the engine needs; implemented by
// *db.Database.
type Store interface {
	GetSenderState(ctx context.Context, userID, sender string) (*db.SenderState, error)
	GetOrCreateSenderState(ctx context.Context, userID, sender string) (*db.SenderState, error)
	UpdateSenderStateCAS(ctx context.Context, state *db.SenderState) error
	ListSenderStates(ctx context.Context, userID string) ([]db.SenderState, error)
}

// Suggester produces a suggested status from message text; implemented by
// *classifier.Service.
type Suggester interface {
	SuggestStatus(ctx context.Context, userID, text string) (db.AutomationStatus, error)
}

type Engine struct {
	store     Store
	gateway   provider.Gateway
	suggester Suggester // nil when classification is disabled
	retryCfg  retry.BackoffConfig
}

func New(store Store, gateway provider.Gateway, suggester Suggester, retryCfg retry.BackoffConfig) *Engine {
	return &Engine{
		store:     store,
		gateway:   gateway,
		suggester: suggester,
		retryCfg:  retryCfg,
	}
}

// providerCall retries transient provider failures with backoff; expired
// credentials stop immediately since only reauthorization can help.
func (e *Engine) providerCall(ctx context.Context, fn func() error) error {
	return retry.WithRetry(ctx, func() error {
		err := fn()
		if errors.Is(err, consts.ErrAuthExpired) {
			return retry.Stop(err)
		}
		return err
	}, e.retryCfg)
}

// mutate runs the optimistic read-modify-write loop for one sender key. The
// callback adjusts the freshly read state; returning false skips the write.
// Filter side effects happen inside the callback, before the commit, so a
// status is never durably reported ahead of its provider-side effect.
func (e *Engine) mutate(ctx context.Context, userID, sender string, fn func(state *db.SenderState) (bool, error)) (*db.SenderState, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := e.store.GetOrCreateSenderState(ctx, userID, sender)
		if err != nil {
			return nil, err
		}

		changed, err := fn(state)
		if err != nil {
			return nil, err
		}
		if !changed {
			return state, nil
		}

		err = e.store.UpdateSenderStateCAS(ctx, state)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, consts.ErrDBVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("sender %s: concurrent updates exhausted retries: %w", sender, lastErr)
}

// syncFilter reconciles the provider-side filter with the state's desired
// status. It mutates state.AutoArchiveRuleRef in place; the caller commits.
// Only entry into and exit from AUTO_ARCHIVED have side effects.
func (e *Engine) syncFilter(ctx context.Context, state *db.SenderState, labelID string) error {
	wantFilter := state.Status == db.StatusAutoArchived

	if wantFilter && state.AutoArchiveRuleRef == nil {
		var ref string
		err := e.providerCall(ctx, func() error {
			var err error
			ref, err = e.gateway.CreateOrUpdateArchiveFilter(ctx, state.UserID, state.SenderIdentity, labelID)
			return err
		})
		if err != nil {
			return err
		}
		state.AutoArchiveRuleRef = &ref
		return nil
	}

	if !wantFilter && state.AutoArchiveRuleRef != nil {
		ref := *state.AutoArchiveRuleRef
		err := e.providerCall(ctx, func() error {
			return e.gateway.DeleteFilter(ctx, state.UserID, ref)
		})
		if err != nil {
			return err
		}
		state.AutoArchiveRuleRef = nil
	}
	return nil
}

// SetStatus applies an idempotent status transition for one sender. Any
// status may transition to any other; entering AUTO_ARCHIVED creates (or
// reuses) the provider filter first, leaving it removes the filter first.
func (e *Engine) SetStatus(ctx context.Context, userID, sender string, status db.AutomationStatus) (*db.SenderState, error) {
	if _, err := db.ParseAutomationStatus(string(status)); err != nil {
		return nil, err
	}

	state, err := e.mutate(ctx, userID, sender, func(state *db.SenderState) (bool, error) {
		refConsistent := (state.AutoArchiveRuleRef != nil) == (state.Status == db.StatusAutoArchived)
		if state.Status == status && refConsistent {
			return false, nil
		}
		state.Status = status
		if err := e.syncFilter(ctx, state, ""); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.StatusTransitionsTotal.WithLabelValues(string(status)).Inc()
	return state, nil
}

// EnableAutoArchive creates or reuses the provider filter routing future
// mail from sender out of the inbox (optionally applying labelID), records
// its reference, and sets status AUTO_ARCHIVED. Safe to call repeatedly.
func (e *Engine) EnableAutoArchive(ctx context.Context, userID, sender, labelID string) (*db.SenderState, error) {
	state, err := e.mutate(ctx, userID, sender, func(state *db.SenderState) (bool, error) {
		if state.Status == db.StatusAutoArchived && state.AutoArchiveRuleRef != nil {
			return false, nil
		}
		state.Status = db.StatusAutoArchived
		if err := e.syncFilter(ctx, state, labelID); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.StatusTransitionsTotal.WithLabelValues(string(db.StatusAutoArchived)).Inc()
	return state, nil
}

// DisableAutoArchive removes the sender's filter if present, clears the
// reference, and resets status to UNHANDLED. A filter already deleted on
// the provider side is treated as satisfied.
func (e *Engine) DisableAutoArchive(ctx context.Context, userID, sender string) (*db.SenderState, error) {
	return e.SetStatus(ctx, userID, sender, db.StatusUnhandled)
}

// ApplyAutomation handles one sender's slice of an ingestion pass: it
// ensures the state row exists, captures unsubscribe links, self-heals
// filter divergence, archives pre-existing inbox mail for auto-archived
// senders, and (for unhandled senders) surfaces a classification suggestion
// without applying it.
func (e *Engine) ApplyAutomation(ctx context.Context, userID, sender string, affected []provider.MessageChange) error {
	if len(affected) == 0 {
		return nil
	}

	state, err := e.mutate(ctx, userID, sender, func(state *db.SenderState) (bool, error) {
		changed := false

		if link := latestUnsubscribeLink(affected); link != "" {
			if state.LastUnsubscribeLink == nil || *state.LastUnsubscribeLink != link {
				link = helpers.SanitizeUTF8(link)
				state.LastUnsubscribeLink = &link
				changed = true
			}
		}

		// Divergence self-heal: the store is authoritative, the filter is
		// a reconstructible cache.
		if (state.AutoArchiveRuleRef != nil) != (state.Status == db.StatusAutoArchived) {
			logger.Warn("rule engine: filter state diverged, reconciling",
				"user_id", userID, "sender", sender, "status", state.Status)
			if err := e.syncFilter(ctx, state, ""); err != nil {
				return false, err
			}
			metrics.FilterReconciliationsTotal.WithLabelValues("healed").Inc()
			changed = true
		}

		return changed, nil
	})
	if err != nil {
		return err
	}

	switch state.Status {
	case db.StatusAutoArchived:
		// The filter handles future mail; archive the specific messages
		// that arrived before it took effect.
		ids := inboxMessageIDs(affected)
		if len(ids) == 0 {
			return nil
		}
		return e.providerCall(ctx, func() error {
			return e.gateway.ArchiveMessages(ctx, userID, ids)
		})

	case db.StatusUnsubscribed, db.StatusApproved:
		// A user decision stands; new mail is left for the user.
		return nil

	case db.StatusUnhandled:
		return e.suggest(ctx, state, affected)
	}
	return nil
}

// suggest runs the classifier over the newest affected message and records
// the suggested status. Suggestions are surfaced only; applying a status is
// always an explicit caller action. Quota exhaustion is a skip, not an
// ingestion failure.
func (e *Engine) suggest(ctx context.Context, state *db.SenderState, affected []provider.MessageChange) error {
	if e.suggester == nil || state.SuggestedStatus != nil {
		return nil
	}

	content, err := e.gateway.GetMessageContent(ctx, state.UserID, affected[len(affected)-1].MessageID)
	if err != nil {
		return err
	}

	text := content.Text
	suggestion, err := e.suggester.SuggestStatus(ctx, state.UserID, text)
	if err != nil {
		if errors.Is(err, consts.ErrQuotaExceeded) {
			logger.Info("rule engine: classification quota exceeded, sender left unhandled",
				"user_id", state.UserID, "sender", state.SenderIdentity)
			return nil
		}
		logger.Warn("rule engine: classification failed",
			"user_id", state.UserID, "sender", state.SenderIdentity, "error", err)
		return nil
	}
	if suggestion == "" {
		return nil
	}

	// Opportunistically capture an unsubscribe link from the HTML body for
	// senders that omit the List-Unsubscribe header.
	var bodyLink string
	if latestUnsubscribeLink(affected) == "" && content.HTML != "" {
		bodyLink = helpers.ExtractUnsubscribeURLFromHTML(content.HTML)
	}

	_, err = e.mutate(ctx, state.UserID, state.SenderIdentity, func(s *db.SenderState) (bool, error) {
		if s.Status != db.StatusUnhandled {
			return false, nil // a user acted meanwhile; their decision wins
		}
		s.SuggestedStatus = &suggestion
		if bodyLink != "" && s.LastUnsubscribeLink == nil {
			link := helpers.SanitizeUTF8(bodyLink)
			s.LastUnsubscribeLink = &link
		}
		return true, nil
	})
	return err
}

// ListSenders exposes the per-sender automation state for the API layer.
func (e *Engine) ListSenders(ctx context.Context, userID string) ([]db.SenderState, error) {
	return e.store.ListSenderStates(ctx, userID)
}

func latestUnsubscribeLink(affected []provider.MessageChange) string {
	for i := len(affected) - 1; i >= 0; i-- {
		if affected[i].UnsubscribeURL != "" {
			return affected[i].UnsubscribeURL
		}
	}
	return ""
}

func inboxMessageIDs(affected []provider.MessageChange) []string {
	var ids []string
	for _, m := range affected {
		for _, label := range m.Labels {
			if label == "INBOX" {
				ids = append(ids, m.MessageID)
				break
			}
		}
	}
	return ids
}
