// Package provider defines the capability interface to the external mail
// provider and its Gmail implementation. The automation engine only ever
// talks to the Gateway interface; tests substitute fakes.
package provider

import (
	"context"
	"time"
)

// WatchInfo describes a freshly established push subscription.
type WatchInfo struct {
	// ResourceID identifies the watched mailbox; inbound notifications are
	// matched against it to discard stale deliveries.
	ResourceID string
	Expiration time.Time
	// HistoryID is the provider's history cursor at watch creation time.
	// A fresh subscription anchors its checkpoint here, never at a
	// client-supplied value.
	HistoryID uint64
}

// MessageChange is one inbox message surfaced by a history delta or a full
// resync scan.
type MessageChange struct {
	MessageID      string
	SenderIdentity string // canonicalized address
	Labels         []string
	UnsubscribeURL string // from the List-Unsubscribe header, if any
}

// HistoryDelta is the set of changes strictly after a checkpoint, plus the
// cursor to advance to once the whole delta has been applied.
type HistoryDelta struct {
	Changes       []MessageChange
	NewCheckpoint uint64
}

// MessageContent is the classifier-ready view of one message.
type MessageContent struct {
	Text string // plain text body (HTML converted if no text part)
	HTML string // raw HTML body, when present
}

// Gateway wraps the mail provider's filter, label, archive, and history
// primitives. All operations are idempotent from the caller's perspective:
// creating a filter that exists returns the existing reference, deleting an
// absent filter is a no-op.
type Gateway interface {
	// CreateWatch registers (or re-registers) the push subscription for a
	// user's mailbox.
	CreateWatch(ctx context.Context, userID string) (*WatchInfo, error)

	// StopWatch tears the subscription down. Absent watch is not an error.
	StopWatch(ctx context.Context, userID string) error

	// CurrentHistoryID returns the provider's present history cursor.
	CurrentHistoryID(ctx context.Context, userID string) (uint64, error)

	// FetchHistorySince returns inbox additions strictly after checkpoint.
	// Returns consts.ErrHistoryPruned when the provider no longer holds
	// history that far back.
	FetchHistorySince(ctx context.Context, userID string, checkpoint uint64) (*HistoryDelta, error)

	// ListInboxMessages scans the current inbox; the full-resync fallback.
	ListInboxMessages(ctx context.Context, userID string) ([]MessageChange, error)

	// CreateOrUpdateArchiveFilter ensures exactly one provider-side filter
	// routes future mail from sender out of the inbox (optionally applying
	// labelID), and returns its reference. Re-invoking with identical
	// arguments returns the existing reference without creating a second
	// filter.
	CreateOrUpdateArchiveFilter(ctx context.Context, userID, sender, labelID string) (string, error)

	// DeleteFilter removes a filter by reference; already gone is fine.
	DeleteFilter(ctx context.Context, userID, filterRef string) error

	// FindArchiveFilter reports the reference of an existing archive filter
	// for sender, or "" when none exists. Used for divergence checks.
	FindArchiveFilter(ctx context.Context, userID, sender string) (string, error)

	// ArchiveMessages removes the given messages from the inbox.
	ArchiveMessages(ctx context.Context, userID string, messageIDs []string) error

	// GetMessageContent fetches one message body for classification.
	GetMessageContent(ctx context.Context, userID, messageID string) (*MessageContent, error)
}
