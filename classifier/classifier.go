// Package classifier wraps the external sender-classification service. The
// model itself is a black box behind an HTTP JSON endpoint; this package
// adds the per-call timeout, the per-user daily quota, and the mapping from
// classifier categories to suggested automation statuses.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailtriage/mailtriage/config"
	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/pkg/metrics"
)

// Classifier assigns a category to message text.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// QuotaStore is the durable per-user/day call counter; implemented by
// *db.Database.
type QuotaStore interface {
	ConsumeClassifierQuota(ctx context.Context, userID string, day time.Time, limit int) (bool, error)
}

// HTTPClassifier talks to the classification service over HTTP JSON:
// request {"text": "..."}, response {"category": "..."} or {"error": "..."}.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPClassifier(cfg config.ClassifierConfig) (*HTTPClassifier, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}
	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, raw)
	}

	var result struct {
		Category string `json:"category"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("classifier response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("classifier error: %s", result.Error)
	}
	return result.Category, nil
}

// Service is the quota-enforcing front the rule engine calls. A nil *Service
// means classification is disabled.
type Service struct {
	classifier Classifier
	quota      QuotaStore
	limit      int
	mapping    map[string]db.AutomationStatus
}

// NewService builds the classification service, or nil when disabled.
func NewService(cfg config.ClassifierConfig, quota QuotaStore) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cls, err := NewHTTPClassifier(cfg)
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]db.AutomationStatus, len(cfg.Mapping))
	for category, status := range cfg.Mapping {
		parsed, err := db.ParseAutomationStatus(status)
		if err != nil {
			return nil, fmt.Errorf("classifier mapping for %q: %w", category, err)
		}
		mapping[category] = parsed
	}
	return &Service{
		classifier: cls,
		quota:      quota,
		limit:      cfg.GetDailyQuota(),
		mapping:    mapping,
	}, nil
}

// NewServiceWith wires an explicit classifier implementation; used by tests.
func NewServiceWith(cls Classifier, quota QuotaStore, limit int, mapping map[string]db.AutomationStatus) *Service {
	return &Service{classifier: cls, quota: quota, limit: limit, mapping: mapping}
}

// SuggestStatus classifies message text and maps the category to a suggested
// automation status. The quota is checked before the classifier is invoked,
// so an over-quota user never consumes a call; that condition surfaces as
// consts.ErrQuotaExceeded, which callers treat as a skip, not a failure.
// Unmapped categories yield an empty suggestion.
func (s *Service) SuggestStatus(ctx context.Context, userID, text string) (db.AutomationStatus, error) {
	allowed, err := s.quota.ConsumeClassifierQuota(ctx, userID, time.Now(), s.limit)
	if err != nil {
		return "", err
	}
	if !allowed {
		metrics.ClassifierCallsTotal.WithLabelValues("quota_exceeded").Inc()
		return "", consts.ErrQuotaExceeded
	}

	category, err := s.classifier.Classify(ctx, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ClassifierCallsTotal.WithLabelValues("timeout").Inc()
		} else {
			metrics.ClassifierCallsTotal.WithLabelValues("error").Inc()
		}
		return "", err
	}
	metrics.ClassifierCallsTotal.WithLabelValues("success").Inc()

	return s.mapping[category], nil
}
