package db

import (
	"context"
	"errors"
	"time"

	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/helpers"
)

// AutomationStatus is the durable per-sender handling decision. UNHANDLED is
// the initial state; none of the states is terminal, all are user-revisable.
type AutomationStatus string

const (
	StatusUnhandled    AutomationStatus = "UNHANDLED"
	StatusAutoArchived AutomationStatus = "AUTO_ARCHIVED"
	StatusUnsubscribed AutomationStatus = "UNSUBSCRIBED"
	StatusApproved     AutomationStatus = "APPROVED"
)

// ParseAutomationStatus validates a status string from an API caller.
func ParseAutomationStatus(s string) (AutomationStatus, error) {
	switch AutomationStatus(s) {
	case StatusUnhandled, StatusAutoArchived, StatusUnsubscribed, StatusApproved:
		return AutomationStatus(s), nil
	}
	return "", consts.ErrInvalidStatus
}

// SenderState is one (user, sender identity) automation record. Version
// backs the optimistic compare-and-swap: every mutation carries the version
// it read, and the UPDATE only commits if the row still has it.
type SenderState struct {
	ID                  int64
	UserID              string
	SenderIdentity      string
	Status              AutomationStatus
	AutoArchiveRuleRef  *string
	LastUnsubscribeLink *string
	SuggestedStatus     *AutomationStatus
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const senderStateColumns = `
	id, user_id, sender_identity, status, auto_archive_rule_ref,
	last_unsubscribe_link, suggested_status, version, created_at, updated_at`

func scanSenderState(row interface{ Scan(...any) error }) (*SenderState, error) {
	var s SenderState
	err := row.Scan(&s.ID, &s.UserID, &s.SenderIdentity, &s.Status, &s.AutoArchiveRuleRef,
		&s.LastUnsubscribeLink, &s.SuggestedStatus, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *Database) GetSenderState(ctx context.Context, userID, sender string) (*SenderState, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	s, err := scanSenderState(db.Pool.QueryRow(ctx, `
		SELECT `+senderStateColumns+`
		FROM sender_rules
		WHERE user_id = $1 AND sender_identity = $2
	`, userID, sender))
	if err != nil {
		if errors.Is(mapError(err), consts.ErrDBNotFound) {
			return nil, consts.ErrSenderNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetOrCreateSenderState lazily creates the UNHANDLED record on first
// observation of a sender. The insert ignores conflicts so concurrent
// triggers for the same sender converge on one row.
func (db *Database) GetOrCreateSenderState(ctx context.Context, userID, sender string) (*SenderState, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	sender = helpers.SanitizeUTF8(sender)
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sender_rules (user_id, sender_identity, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, sender_identity) DO NOTHING
	`, userID, sender, StatusUnhandled)
	if err != nil {
		return nil, mapError(err)
	}
	return db.GetSenderState(ctx, userID, sender)
}

// UpdateSenderStateCAS commits a mutation read at state.Version. Returns
// ErrDBVersionConflict when another writer got there first; callers re-read
// and retry (bounded).
func (db *Database) UpdateSenderStateCAS(ctx context.Context, state *SenderState) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE sender_rules
		SET status = $1, auto_archive_rule_ref = $2, last_unsubscribe_link = $3,
		    suggested_status = $4, version = version + 1, updated_at = now()
		WHERE id = $5 AND version = $6
	`, state.Status, state.AutoArchiveRuleRef, state.LastUnsubscribeLink,
		state.SuggestedStatus, state.ID, state.Version)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBVersionConflict
	}
	state.Version++
	return nil
}

// ListSenderStates returns all automation records for a user, newest first.
func (db *Database) ListSenderStates(ctx context.Context, userID string) ([]SenderState, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT `+senderStateColumns+`
		FROM sender_rules
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var states []SenderState
	for rows.Next() {
		s, err := scanSenderState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, rows.Err()
}

// KnownHandledSenders returns the set of senders for a user whose status is
// anything other than UNHANDLED. Used by the full-resync path to decide
// which mailbox senders count as newly affected.
func (db *Database) KnownHandledSenders(ctx context.Context, userID string) (map[string]struct{}, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT sender_identity
		FROM sender_rules
		WHERE user_id = $1 AND status <> $2
	`, userID, StatusUnhandled)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	handled := make(map[string]struct{})
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, err
		}
		handled[sender] = struct{}{}
	}
	return handled, rows.Err()
}
