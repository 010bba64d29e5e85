package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/pkg/retry"
	"github.com/mailtriage/mailtriage/provider"
)

func testRetryConfig() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
		MaxRetries:      2,
	}
}

// fakeStore is an in-memory sender-state store with real optimistic
// versioning, so CAS conflict behavior can be exercised.
type fakeStore struct {
	mu        sync.Mutex
	states    map[string]*db.SenderState
	nextID    int64
	conflicts int // number of injected version conflicts remaining
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*db.SenderState)}
}

func stateKey(userID, sender string) string {
	return userID + "|" + sender
}

func copyState(s *db.SenderState) *db.SenderState {
	c := *s
	return &c
}

func (f *fakeStore) GetSenderState(ctx context.Context, userID, sender string) (*db.SenderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[stateKey(userID, sender)]
	if !ok {
		return nil, consts.ErrSenderNotFound
	}
	return copyState(s), nil
}

func (f *fakeStore) GetOrCreateSenderState(ctx context.Context, userID, sender string) (*db.SenderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stateKey(userID, sender)
	if s, ok := f.states[key]; ok {
		return copyState(s), nil
	}
	f.nextID++
	s := &db.SenderState{
		ID:             f.nextID,
		UserID:         userID,
		SenderIdentity: sender,
		Status:         db.StatusUnhandled,
		Version:        1,
	}
	f.states[key] = s
	return copyState(s), nil
}

func (f *fakeStore) UpdateSenderStateCAS(ctx context.Context, state *db.SenderState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return consts.ErrDBVersionConflict
	}
	key := stateKey(state.UserID, state.SenderIdentity)
	stored, ok := f.states[key]
	if !ok || stored.Version != state.Version {
		return consts.ErrDBVersionConflict
	}
	state.Version++
	f.states[key] = copyState(state)
	return nil
}

func (f *fakeStore) ListSenderStates(ctx context.Context, userID string) ([]db.SenderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.SenderState
	for _, s := range f.states {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

// fakeGateway tracks provider-side filters and archive calls.
type fakeGateway struct {
	mu            sync.Mutex
	filters       map[string]string // sender -> filter ref
	nextRef       int
	createCalls   int
	deleteCalls   int
	archived      [][]string
	content       map[string]*provider.MessageContent
	contentErr    error
	createErr     error
	archiveErr    error
	archiveErrors int // fail this many ArchiveMessages calls, then succeed
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		filters: make(map[string]string),
		content: make(map[string]*provider.MessageContent),
	}
}

func (f *fakeGateway) CreateWatch(ctx context.Context, userID string) (*provider.WatchInfo, error) {
	panic("not used")
}

func (f *fakeGateway) StopWatch(ctx context.Context, userID string) error { panic("not used") }

func (f *fakeGateway) CurrentHistoryID(ctx context.Context, userID string) (uint64, error) {
	panic("not used")
}

func (f *fakeGateway) FetchHistorySince(ctx context.Context, userID string, checkpoint uint64) (*provider.HistoryDelta, error) {
	panic("not used")
}

func (f *fakeGateway) ListInboxMessages(ctx context.Context, userID string) ([]provider.MessageChange, error) {
	panic("not used")
}

func (f *fakeGateway) CreateOrUpdateArchiveFilter(ctx context.Context, userID, sender, labelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createCalls++
	if ref, ok := f.filters[sender]; ok {
		return ref, nil
	}
	f.nextRef++
	ref := fmt.Sprintf("filter-%d", f.nextRef)
	f.filters[sender] = ref
	return ref, nil
}

func (f *fakeGateway) DeleteFilter(ctx context.Context, userID, filterRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	for sender, ref := range f.filters {
		if ref == filterRef {
			delete(f.filters, sender)
		}
	}
	return nil // absent filter is satisfied
}

func (f *fakeGateway) FindArchiveFilter(ctx context.Context, userID, sender string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[sender], nil
}

func (f *fakeGateway) ArchiveMessages(ctx context.Context, userID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErrors > 0 {
		f.archiveErrors--
		return consts.ErrProviderUnavailable
	}
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archived = append(f.archived, messageIDs)
	return nil
}

func (f *fakeGateway) GetMessageContent(ctx context.Context, userID, messageID string) (*provider.MessageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contentErr != nil {
		return nil, f.contentErr
	}
	if c, ok := f.content[messageID]; ok {
		return c, nil
	}
	return &provider.MessageContent{Text: "hello"}, nil
}

type fakeSuggester struct {
	status db.AutomationStatus
	err    error
	calls  int
}

func (f *fakeSuggester) SuggestStatus(ctx context.Context, userID, text string) (db.AutomationStatus, error) {
	f.calls++
	return f.status, f.err
}

func TestEnableAutoArchiveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	first, err := eng.EnableAutoArchive(ctx, "user1", "news@example.com", "")
	require.NoError(t, err)
	require.NotNil(t, first.AutoArchiveRuleRef)
	assert.Equal(t, db.StatusAutoArchived, first.Status)

	second, err := eng.EnableAutoArchive(ctx, "user1", "news@example.com", "")
	require.NoError(t, err)
	require.NotNil(t, second.AutoArchiveRuleRef)

	assert.Equal(t, *first.AutoArchiveRuleRef, *second.AutoArchiveRuleRef)
	assert.Equal(t, 1, gw.createCalls, "second enable must not create another filter")
	assert.Len(t, gw.filters, 1)
}

func TestSetStatusRemovesFilterOnLeavingAutoArchived(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	_, err := eng.EnableAutoArchive(ctx, "user1", "news@example.com", "")
	require.NoError(t, err)
	require.Len(t, gw.filters, 1)

	state, err := eng.SetStatus(ctx, "user1", "news@example.com", db.StatusUnsubscribed)
	require.NoError(t, err)

	assert.Equal(t, db.StatusUnsubscribed, state.Status)
	assert.Nil(t, state.AutoArchiveRuleRef, "leaving AUTO_ARCHIVED must clear the filter reference")
	assert.Empty(t, gw.filters, "no orphaned provider filter may remain")
}

func TestSetStatusSameStatusIsNoOp(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	_, err := eng.SetStatus(ctx, "user1", "news@example.com", db.StatusApproved)
	require.NoError(t, err)
	before := store.states[stateKey("user1", "news@example.com")].Version

	_, err = eng.SetStatus(ctx, "user1", "news@example.com", db.StatusApproved)
	require.NoError(t, err)
	after := store.states[stateKey("user1", "news@example.com")].Version

	assert.Equal(t, before, after, "repeated transition must not write")
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	eng := New(newFakeStore(), newFakeGateway(), nil, testRetryConfig())

	_, err := eng.SetStatus(context.Background(), "user1", "news@example.com", db.AutomationStatus("BOGUS"))
	assert.ErrorIs(t, err, consts.ErrInvalidStatus)
}

func TestDisableAutoArchiveResetsToUnhandled(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	_, err := eng.EnableAutoArchive(ctx, "user1", "news@example.com", "")
	require.NoError(t, err)

	state, err := eng.DisableAutoArchive(ctx, "user1", "news@example.com")
	require.NoError(t, err)

	assert.Equal(t, db.StatusUnhandled, state.Status)
	assert.Nil(t, state.AutoArchiveRuleRef)
	assert.Empty(t, gw.filters)
}

func TestApplyAutomationArchivesInboxMailForAutoArchivedSender(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	_, err := eng.EnableAutoArchive(ctx, "user1", "news@example.com", "")
	require.NoError(t, err)

	affected := []provider.MessageChange{
		{MessageID: "m1", SenderIdentity: "news@example.com", Labels: []string{"INBOX", "UNREAD"}},
		{MessageID: "m2", SenderIdentity: "news@example.com", Labels: []string{"UNREAD"}},
		{MessageID: "m3", SenderIdentity: "news@example.com", Labels: []string{"INBOX"}},
	}
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))

	require.Len(t, gw.archived, 1)
	assert.Equal(t, []string{"m1", "m3"}, gw.archived[0], "only messages still in the inbox are archived")
}

func TestApplyAutomationLeavesUserDecisionsAlone(t *testing.T) {
	for _, status := range []db.AutomationStatus{db.StatusUnsubscribed, db.StatusApproved} {
		t.Run(string(status), func(t *testing.T) {
			store := newFakeStore()
			gw := newFakeGateway()
			sug := &fakeSuggester{status: db.StatusAutoArchived}
			eng := New(store, gw, sug, testRetryConfig())
			ctx := context.Background()

			_, err := eng.SetStatus(ctx, "user1", "news@example.com", status)
			require.NoError(t, err)

			affected := []provider.MessageChange{
				{MessageID: "m1", SenderIdentity: "news@example.com", Labels: []string{"INBOX"}},
			}
			require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))

			assert.Empty(t, gw.archived, "no archival for a user-decided sender")
			assert.Zero(t, sug.calls, "no classification for a user-decided sender")
		})
	}
}

func TestApplyAutomationHealsFilterDivergence(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	// Simulate a historic partial failure: the status committed but the
	// filter reference was lost.
	s, err := store.GetOrCreateSenderState(ctx, "user1", "news@example.com")
	require.NoError(t, err)
	s.Status = db.StatusAutoArchived
	require.NoError(t, store.UpdateSenderStateCAS(ctx, s))

	affected := []provider.MessageChange{
		{MessageID: "m1", SenderIdentity: "news@example.com", Labels: []string{"INBOX"}},
	}
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))

	healed, err := store.GetSenderState(ctx, "user1", "news@example.com")
	require.NoError(t, err)
	require.NotNil(t, healed.AutoArchiveRuleRef)
	assert.Equal(t, gw.filters["news@example.com"], *healed.AutoArchiveRuleRef)
}

func TestApplyAutomationCapturesUnsubscribeLink(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	affected := []provider.MessageChange{
		{MessageID: "m1", SenderIdentity: "news@example.com", UnsubscribeURL: "https://example.com/unsub/old"},
		{MessageID: "m2", SenderIdentity: "news@example.com", UnsubscribeURL: "https://example.com/unsub/new"},
	}
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))

	state, err := store.GetSenderState(ctx, "user1", "news@example.com")
	require.NoError(t, err)
	require.NotNil(t, state.LastUnsubscribeLink)
	assert.Equal(t, "https://example.com/unsub/new", *state.LastUnsubscribeLink, "newest link wins")
}

func TestSuggestionIsRecordedButNotApplied(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	sug := &fakeSuggester{status: db.StatusAutoArchived}
	eng := New(store, gw, sug, testRetryConfig())
	ctx := context.Background()

	affected := []provider.MessageChange{
		{MessageID: "m1", SenderIdentity: "news@example.com", Labels: []string{"INBOX"}},
	}
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))

	state, err := store.GetSenderState(ctx, "user1", "news@example.com")
	require.NoError(t, err)
	assert.Equal(t, db.StatusUnhandled, state.Status, "a suggestion never changes the effective status")
	require.NotNil(t, state.SuggestedStatus)
	assert.Equal(t, db.StatusAutoArchived, *state.SuggestedStatus)
	assert.Empty(t, gw.filters, "no filter is created for a mere suggestion")
}

func TestSuggestionSkippedWhenAlreadyPresent(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	sug := &fakeSuggester{status: db.StatusAutoArchived}
	eng := New(store, gw, sug, testRetryConfig())
	ctx := context.Background()

	affected := []provider.MessageChange{
		{MessageID: "m1", SenderIdentity: "news@example.com", Labels: []string{"INBOX"}},
	}
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))

	assert.Equal(t, 1, sug.calls, "a recorded suggestion is not recomputed")
}

func TestQuotaExhaustionSkipsSuggestionWithoutFailing(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	sug := &fakeSuggester{err: consts.ErrQuotaExceeded}
	eng := New(store, gw, sug, testRetryConfig())
	ctx := context.Background()

	affected := []provider.MessageChange{
		{MessageID: "m1", SenderIdentity: "news@example.com", Labels: []string{"INBOX"}},
	}
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))

	state, err := store.GetSenderState(ctx, "user1", "news@example.com")
	require.NoError(t, err)
	assert.Nil(t, state.SuggestedStatus)
}

func TestMutateRetriesVersionConflict(t *testing.T) {
	store := newFakeStore()
	store.conflicts = 1
	gw := newFakeGateway()
	eng := New(store, gw, nil, testRetryConfig())

	state, err := eng.SetStatus(context.Background(), "user1", "news@example.com", db.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, db.StatusApproved, state.Status)
}

func TestProviderFailureLeavesStatusUncommitted(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.createErr = consts.ErrAuthExpired
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	_, err := eng.EnableAutoArchive(ctx, "user1", "news@example.com", "")
	require.ErrorIs(t, err, consts.ErrAuthExpired)

	state, err := store.GetSenderState(ctx, "user1", "news@example.com")
	require.NoError(t, err)
	assert.Equal(t, db.StatusUnhandled, state.Status, "status must not commit ahead of the provider effect")
}

func TestArchiveRetriesTransientProviderFailure(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.archiveErrors = 1
	eng := New(store, gw, nil, testRetryConfig())
	ctx := context.Background()

	_, err := eng.EnableAutoArchive(ctx, "user1", "news@example.com", "")
	require.NoError(t, err)

	affected := []provider.MessageChange{
		{MessageID: "m1", SenderIdentity: "news@example.com", Labels: []string{"INBOX"}},
	}
	require.NoError(t, eng.ApplyAutomation(ctx, "user1", "news@example.com", affected))
	require.Len(t, gw.archived, 1)
}
