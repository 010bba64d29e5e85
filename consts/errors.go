package consts

import "errors"

var (
	// Provider error taxonomy. The retry layer treats ErrAuthExpired as
	// terminal (requires external reauthorization) and everything wrapped
	// in ErrProviderUnavailable as transient.
	ErrAuthExpired         = errors.New("provider credentials expired")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrHistoryPruned       = errors.New("history checkpoint too old")

	ErrStaleNotification = errors.New("notification for superseded subscription")
	ErrQuotaExceeded     = errors.New("daily classification quota exceeded")

	ErrConflictingFilterState = errors.New("provider filter state diverged from store")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrRuleNotFound         = errors.New("rule not found")
	ErrSenderNotFound       = errors.New("sender not found")
	ErrInvalidStatus        = errors.New("invalid automation status")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBVersionConflict         = errors.New("version conflict")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
)
