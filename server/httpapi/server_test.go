package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtriage/mailtriage/config"
	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
)

type fakeEngine struct {
	mu     sync.Mutex
	states map[string]*db.SenderState
	err    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: make(map[string]*db.SenderState)}
}

func (f *fakeEngine) state(userID, sender string) *db.SenderState {
	key := userID + "|" + sender
	if s, ok := f.states[key]; ok {
		return s
	}
	s := &db.SenderState{UserID: userID, SenderIdentity: sender, Status: db.StatusUnhandled}
	f.states[key] = s
	return s
}

func (f *fakeEngine) SetStatus(ctx context.Context, userID, sender string, status db.AutomationStatus) (*db.SenderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := f.state(userID, sender)
	s.Status = status
	if status != db.StatusAutoArchived {
		s.AutoArchiveRuleRef = nil
	}
	return s, nil
}

func (f *fakeEngine) EnableAutoArchive(ctx context.Context, userID, sender, labelID string) (*db.SenderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := f.state(userID, sender)
	s.Status = db.StatusAutoArchived
	ref := "filter-1"
	s.AutoArchiveRuleRef = &ref
	return s, nil
}

func (f *fakeEngine) DisableAutoArchive(ctx context.Context, userID, sender string) (*db.SenderState, error) {
	return f.SetStatus(ctx, userID, sender, db.StatusUnhandled)
}

func (f *fakeEngine) ListSenders(ctx context.Context, userID string) ([]db.SenderState, error) {
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

type fakeWatches struct {
	expiration time.Time
	err        error
	sub        *db.Subscription
}

func (f *fakeWatches) EnsureWatch(ctx context.Context, userID string) (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.expiration, nil
}

func (f *fakeWatches) Get(ctx context.Context, userID string) (*db.Subscription, error) {
	if f.sub == nil {
		return nil, consts.ErrSubscriptionNotFound
	}
	return f.sub, nil
}

type fakeRules struct {
	mu    sync.Mutex
	rules map[uuid.UUID]*db.Rule
}

func newFakeRules() *fakeRules {
	return &fakeRules{rules: make(map[uuid.UUID]*db.Rule)}
}

func (f *fakeRules) CreateRule(ctx context.Context, rule *db.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	c := *rule
	f.rules[rule.ID] = &c
	return nil
}

func (f *fakeRules) GetRule(ctx context.Context, userID string, id uuid.UUID) (*db.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok || r.UserID != userID {
		return nil, consts.ErrRuleNotFound
	}
	c := *r
	return &c, nil
}

func (f *fakeRules) UpdateRule(ctx context.Context, rule *db.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[rule.ID]
	if !ok || r.UserID != rule.UserID {
		return consts.ErrRuleNotFound
	}
	c := *rule
	f.rules[rule.ID] = &c
	return nil
}

func (f *fakeRules) DeleteRule(ctx context.Context, userID string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok || r.UserID != userID {
		return consts.ErrRuleNotFound
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeRules) ListRules(ctx context.Context, userID string) ([]db.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Rule
	for _, r := range f.rules {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][2]string
}

func (f *fakeNotifier) Notify(userID, resourceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{userID, resourceID})
}

const testAPIKey = "test-api-key"

type testEnv struct {
	server   *httptest.Server
	engine   *fakeEngine
	watches  *fakeWatches
	rules    *fakeRules
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, mutate func(*ServerOptions)) *testEnv {
	env := &testEnv{
		engine:   newFakeEngine(),
		watches:  &fakeWatches{expiration: time.Now().Add(7 * 24 * time.Hour)},
		rules:    newFakeRules(),
		notifier: &fakeNotifier{},
	}
	opts := ServerOptions{
		Config: config.HTTPAPIConfig{
			Addr:   ":0",
			APIKey: testAPIKey,
		},
		Engine:   env.engine,
		Watches:  env.watches,
		Rules:    env.rules,
		Notifier: env.notifier,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	env.server = httptest.NewServer(s.setupRoutes())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("X-User-ID", "user1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]json.RawMessage
	if resp.ContentLength != 0 && resp.StatusCode != http.StatusNoContent {
		dec := json.NewDecoder(resp.Body)
		var generic interface{}
		if err := dec.Decode(&generic); err == nil {
			raw, _ := json.Marshal(generic)
			if obj, ok := generic.(map[string]interface{}); ok {
				decoded = make(map[string]json.RawMessage, len(obj))
				for k := range obj {
					v, _ := json.Marshal(obj[k])
					decoded[k] = v
				}
			} else {
				decoded = map[string]json.RawMessage{"_list": raw}
			}
		}
	}
	return resp, decoded
}

func errorField(body map[string]json.RawMessage) string {
	var s string
	if raw, ok := body["error"]; ok {
		json.Unmarshal(raw, &s)
	}
	return s
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/rules", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMissingUserYieldsNotAuthenticated(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/rules", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Not authenticated", body["error"])
}

func TestRuleLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.request(t, http.MethodPost, "/api/v1/rules", map[string]interface{}{
		"name":         "Archive newsletters",
		"instructions": "Archive anything that looks like a newsletter",
		"actions":      []map[string]string{{"type": "ARCHIVE"}},
		"automate":     true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, errorField(body))

	var id string
	require.NoError(t, json.Unmarshal(body["id"], &id))
	ruleID, err := uuid.Parse(id)
	require.NoError(t, err)

	resp, body = env.request(t, http.MethodGet, "/api/v1/rules/"+ruleID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var name string
	require.NoError(t, json.Unmarshal(body["name"], &name))
	assert.Equal(t, "Archive newsletters", name)

	resp, body = env.request(t, http.MethodPost, "/api/v1/rules/"+ruleID.String(), map[string]interface{}{
		"name": "Archive all newsletters",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, errorField(body))

	resp, _ = env.request(t, http.MethodDelete, "/api/v1/rules/"+ruleID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = env.request(t, http.MethodGet, "/api/v1/rules/"+ruleID.String(), nil, nil)
	assert.Equal(t, "Rule not found", errorField(body))
}

func TestCreateRuleRequiresName(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := env.request(t, http.MethodPost, "/api/v1/rules", map[string]interface{}{
		"instructions": "no name",
	}, nil)
	assert.Equal(t, "Missing name", errorField(body))
}

func TestGetRuleWithBadID(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := env.request(t, http.MethodGet, "/api/v1/rules/not-a-uuid", nil, nil)
	assert.Equal(t, "Missing id", errorField(body))
}

func TestSetNewsletterStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.request(t, http.MethodPost, "/api/v1/newsletters/status", map[string]string{
		"senderIdentity": "Weekly News <News@Example.com>",
		"status":         "UNSUBSCRIBED",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, errorField(body))

	var status string
	require.NoError(t, json.Unmarshal(body["status"], &status))
	assert.Equal(t, "UNSUBSCRIBED", status)

	var sender string
	require.NoError(t, json.Unmarshal(body["senderIdentity"], &sender))
	assert.Equal(t, "news@example.com", sender, "sender identity is canonicalized at the boundary")
}

func TestSetNewsletterStatusRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := env.request(t, http.MethodPost, "/api/v1/newsletters/status", map[string]string{
		"senderIdentity": "news@example.com",
		"status":         "BOGUS",
	}, nil)
	assert.Equal(t, "Invalid status", errorField(body))
}

func TestEnableAutoArchiveEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.request(t, http.MethodPost, "/api/v1/newsletters/archive", map[string]string{
		"senderIdentity": "news@example.com",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var archived bool
	require.NoError(t, json.Unmarshal(body["autoArchived"], &archived))
	assert.True(t, archived)
}

func TestAuthExpiredSurfacesReconnectMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.err = consts.ErrAuthExpired

	resp, body := env.request(t, http.MethodPost, "/api/v1/newsletters/archive", map[string]string{
		"senderIdentity": "news@example.com",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Mailbox authorization expired, please reconnect", errorField(body))
}

func TestTriggerWatch(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.request(t, http.MethodPost, "/api/v1/watch", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["expiration"])
}

func TestTriggerWatchError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.watches.err = fmt.Errorf("pubsub topic misconfigured")

	_, body := env.request(t, http.MethodPost, "/api/v1/watch", nil, nil)
	assert.Equal(t, "Error watching inbox", errorField(body))
}

func TestGetWatchStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.watches.sub = &db.Subscription{
		UserID:                "user1",
		MailboxResourceID:     "user1@example.com",
		Expiration:            time.Now().Add(24 * time.Hour),
		LastHistoryCheckpoint: 42,
		Degraded:              true,
		DegradedReason:        "provider reauthorization required",
	}

	resp, body := env.request(t, http.MethodGet, "/api/v1/watch", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var active, degraded bool
	require.NoError(t, json.Unmarshal(body["active"], &active))
	require.NoError(t, json.Unmarshal(body["degraded"], &degraded))
	assert.True(t, active)
	assert.True(t, degraded)

	var reason string
	require.NoError(t, json.Unmarshal(body["degradedReason"], &reason))
	assert.Equal(t, "provider reauthorization required", reason)
}

func TestGetWatchStatusAbsent(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.request(t, http.MethodGet, "/api/v1/watch", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var active bool
	require.NoError(t, json.Unmarshal(body["active"], &active))
	assert.False(t, active)
}

func pushBody(t *testing.T, emailAddress string, historyID uint64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"emailAddress": emailAddress,
		"historyId":    historyID,
	})
	require.NoError(t, err)
	envelope := map[string]interface{}{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(payload),
			"messageId": "pubsub-1",
		},
		"subscription": "projects/p/subscriptions/s",
	}
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	return raw
}

func TestWebhookDispatchesNotification(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.server.URL+"/webhook/gmail", "application/json",
		bytes.NewReader(pushBody(t, "User1@Example.com", 4711)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Len(t, env.notifier.calls, 1)
	assert.Equal(t, "user1@example.com", env.notifier.calls[0][0], "mailbox address is lowercased")
}

func TestWebhookRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, func(opts *ServerOptions) {
		opts.Config.WebhookToken = "hook-secret"
	})

	resp, err := http.Post(env.server.URL+"/webhook/gmail?token=wrong", "application/json",
		bytes.NewReader(pushBody(t, "user1@example.com", 4711)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, env.notifier.calls)

	resp, err = http.Post(env.server.URL+"/webhook/gmail?token=hook-secret", "application/json",
		bytes.NewReader(pushBody(t, "user1@example.com", 4711)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, env.notifier.calls, 1)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.server.URL+"/webhook/gmail", "application/json",
		bytes.NewReader([]byte(`{"message":{"data":"!!not-base64!!"}}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.notifier.calls)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(ServerOptions{Config: config.HTTPAPIConfig{Addr: ":0"}})
	assert.Error(t, err)
}
