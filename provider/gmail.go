package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mailtriage/mailtriage/config"
	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/helpers"
	"github.com/mailtriage/mailtriage/logger"
	"github.com/mailtriage/mailtriage/pkg/metrics"
)

const inboxLabel = "INBOX"

// GmailGateway implements Gateway against the Gmail API. Per-user services
// are built from cached OAuth tokens under token_dir/<userID>.json and
// memoized for the process lifetime.
type GmailGateway struct {
	cfg      config.GmailConfig
	oauthCfg *oauth2.Config
	timeout  time.Duration

	mu       sync.Mutex
	services map[string]*gmailv1.Service
}

func NewGmailGateway(cfg config.GmailConfig) (*GmailGateway, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", cfg.CredentialsFile, err)
	}

	oauthCfg, err := google.ConfigFromJSON(b,
		gmailv1.GmailModifyScope,
		gmailv1.GmailSettingsBasicScope,
	)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}

	timeout, err := cfg.GetRequestTimeout()
	if err != nil {
		return nil, err
	}

	return &GmailGateway{
		cfg:      cfg,
		oauthCfg: oauthCfg,
		timeout:  timeout,
		services: make(map[string]*gmailv1.Service),
	}, nil
}

func (g *GmailGateway) service(ctx context.Context, userID string) (*gmailv1.Service, error) {
	g.mu.Lock()
	if svc, ok := g.services[userID]; ok {
		g.mu.Unlock()
		return svc, nil
	}
	g.mu.Unlock()

	tokPath := filepath.Join(g.cfg.TokenDir, userID+".json")
	tok, err := readToken(tokPath)
	if err != nil {
		return nil, fmt.Errorf("no provider token for user %s: %w", userID, consts.ErrAuthExpired)
	}

	client := g.oauthCfg.Client(context.Background(), tok)
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	g.mu.Lock()
	g.services[userID] = svc
	g.mu.Unlock()
	return svc, nil
}

// call bounds one API invocation with the configured timeout and records
// provider metrics by operation and outcome.
func (g *GmailGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	metrics.ProviderCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	mapped := mapGoogleError(err)
	switch {
	case mapped == nil:
		metrics.ProviderCallsTotal.WithLabelValues(op, "success").Inc()
	case errors.Is(mapped, consts.ErrAuthExpired):
		metrics.ProviderCallsTotal.WithLabelValues(op, "auth").Inc()
	default:
		metrics.ProviderCallsTotal.WithLabelValues(op, "transient").Inc()
	}
	return mapped
}

func (g *GmailGateway) CreateWatch(ctx context.Context, userID string) (*WatchInfo, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	var info *WatchInfo
	err = g.call(ctx, "watch", func(ctx context.Context) error {
		profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		resp, err := svc.Users.Watch("me", &gmailv1.WatchRequest{
			TopicName:           g.cfg.PubSubTopic,
			LabelIds:            []string{inboxLabel},
			LabelFilterBehavior: "INCLUDE",
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		info = &WatchInfo{
			ResourceID: strings.ToLower(profile.EmailAddress),
			Expiration: time.UnixMilli(resp.Expiration),
			HistoryID:  resp.HistoryId,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (g *GmailGateway) StopWatch(ctx context.Context, userID string) error {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return err
	}
	return g.call(ctx, "stop", func(ctx context.Context) error {
		err := svc.Users.Stop("me").Context(ctx).Do()
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

func (g *GmailGateway) CurrentHistoryID(ctx context.Context, userID string) (uint64, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return 0, err
	}
	var hid uint64
	err = g.call(ctx, "profile", func(ctx context.Context) error {
		profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		hid = profile.HistoryId
		return nil
	})
	return hid, err
}

func (g *GmailGateway) FetchHistorySince(ctx context.Context, userID string, checkpoint uint64) (*HistoryDelta, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	added := make(map[string]struct{})
	var newCheckpoint uint64

	err = g.call(ctx, "history", func(ctx context.Context) error {
		call := svc.Users.History.List("me").
			StartHistoryId(checkpoint).
			LabelId(inboxLabel).
			HistoryTypes("messageAdded").
			MaxResults(500)
		for {
			resp, err := call.Context(ctx).Do()
			if err != nil {
				// Gmail reports a pruned startHistoryId as 404.
				if isNotFound(err) {
					return consts.ErrHistoryPruned
				}
				return err
			}
			if resp.HistoryId > newCheckpoint {
				newCheckpoint = resp.HistoryId
			}
			for _, h := range resp.History {
				for _, ma := range h.MessagesAdded {
					if ma.Message == nil {
						continue
					}
					added[ma.Message.Id] = struct{}{}
				}
			}
			if resp.NextPageToken == "" {
				return nil
			}
			call = call.PageToken(resp.NextPageToken)
		}
	})
	if err != nil {
		return nil, err
	}
	if newCheckpoint == 0 {
		newCheckpoint = checkpoint
	}

	delta := &HistoryDelta{NewCheckpoint: newCheckpoint}
	for id := range added {
		change, err := g.fetchChange(ctx, svc, id)
		if err != nil {
			return nil, err
		}
		if change == nil {
			continue // unparsable sender, skip
		}
		delta.Changes = append(delta.Changes, *change)
	}
	return delta, nil
}

func (g *GmailGateway) ListInboxMessages(ctx context.Context, userID string) ([]MessageChange, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = g.call(ctx, "list", func(ctx context.Context) error {
		call := svc.Users.Messages.List("me").LabelIds(inboxLabel).MaxResults(500)
		for {
			resp, err := call.Context(ctx).Do()
			if err != nil {
				return err
			}
			for _, m := range resp.Messages {
				ids = append(ids, m.Id)
			}
			if resp.NextPageToken == "" {
				return nil
			}
			call = call.PageToken(resp.NextPageToken)
		}
	})
	if err != nil {
		return nil, err
	}

	var changes []MessageChange
	for _, id := range ids {
		change, err := g.fetchChange(ctx, svc, id)
		if err != nil {
			return nil, err
		}
		if change == nil {
			continue
		}
		changes = append(changes, *change)
	}
	return changes, nil
}

// fetchChange loads the metadata headers of one message and builds the
// MessageChange. Returns (nil, nil) for messages whose sender cannot be
// canonicalized; those cannot be keyed and are left alone.
func (g *GmailGateway) fetchChange(ctx context.Context, svc *gmailv1.Service, messageID string) (*MessageChange, error) {
	var change *MessageChange
	err := g.call(ctx, "metadata", func(ctx context.Context) error {
		msg, err := svc.Users.Messages.Get("me", messageID).
			Format("metadata").
			MetadataHeaders("From", "List-Unsubscribe").
			Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				return nil // message deleted meanwhile
			}
			return err
		}
		var from, listUnsub string
		if msg.Payload != nil {
			for _, h := range msg.Payload.Headers {
				switch strings.ToLower(h.Name) {
				case "from":
					from = h.Value
				case "list-unsubscribe":
					listUnsub = h.Value
				}
			}
		}
		sender, err := helpers.CanonicalizeSender(from)
		if err != nil {
			logger.Debug("Gmail: skipping message with unparsable sender", "message_id", messageID, "from", from)
			return nil
		}
		change = &MessageChange{
			MessageID:      msg.Id,
			SenderIdentity: sender,
			Labels:         msg.LabelIds,
			UnsubscribeURL: helpers.ExtractUnsubscribeURL(listUnsub),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (g *GmailGateway) CreateOrUpdateArchiveFilter(ctx context.Context, userID, sender, labelID string) (string, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return "", err
	}

	// Check-then-act so retries after a lost response never create a
	// duplicate filter.
	existing, err := g.FindArchiveFilter(ctx, userID, sender)
	if err != nil {
		return "", err
	}
	if existing != "" {
		metrics.FilterReconciliationsTotal.WithLabelValues("reused").Inc()
		return existing, nil
	}

	filter := &gmailv1.Filter{
		Criteria: &gmailv1.FilterCriteria{From: sender},
		Action:   &gmailv1.FilterAction{RemoveLabelIds: []string{inboxLabel}},
	}
	if labelID != "" {
		filter.Action.AddLabelIds = []string{labelID}
	}

	var ref string
	err = g.call(ctx, "filter_create", func(ctx context.Context) error {
		created, err := svc.Users.Settings.Filters.Create("me", filter).Context(ctx).Do()
		if err != nil {
			return err
		}
		ref = created.Id
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.FilterReconciliationsTotal.WithLabelValues("created").Inc()
	return ref, nil
}

func (g *GmailGateway) DeleteFilter(ctx context.Context, userID, filterRef string) error {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return err
	}
	err = g.call(ctx, "filter_delete", func(ctx context.Context) error {
		err := svc.Users.Settings.Filters.Delete("me", filterRef).Context(ctx).Do()
		if isNotFound(err) {
			return nil // already gone, treated as satisfied
		}
		return err
	})
	if err != nil {
		return err
	}
	metrics.FilterReconciliationsTotal.WithLabelValues("deleted").Inc()
	return nil
}

func (g *GmailGateway) FindArchiveFilter(ctx context.Context, userID, sender string) (string, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return "", err
	}
	var ref string
	err = g.call(ctx, "filter_list", func(ctx context.Context) error {
		resp, err := svc.Users.Settings.Filters.List("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, f := range resp.Filter {
			if f.Criteria == nil || f.Action == nil {
				continue
			}
			if !strings.EqualFold(f.Criteria.From, sender) {
				continue
			}
			for _, removed := range f.Action.RemoveLabelIds {
				if removed == inboxLabel {
					ref = f.Id
					return nil
				}
			}
		}
		return nil
	})
	return ref, err
}

func (g *GmailGateway) ArchiveMessages(ctx context.Context, userID string, messageIDs []string) error {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return err
	}
	req := &gmailv1.ModifyMessageRequest{RemoveLabelIds: []string{inboxLabel}}
	for _, id := range messageIDs {
		err := g.call(ctx, "archive", func(ctx context.Context) error {
			_, err := svc.Users.Messages.Modify("me", id, req).Context(ctx).Do()
			if isNotFound(err) {
				return nil // archiving a deleted message is already satisfied
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("archive message %s: %w", id, err)
		}
	}
	return nil
}

func (g *GmailGateway) GetMessageContent(ctx context.Context, userID, messageID string) (*MessageContent, error) {
	svc, err := g.service(ctx, userID)
	if err != nil {
		return nil, err
	}
	var content *MessageContent
	err = g.call(ctx, "content", func(ctx context.Context) error {
		msg, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		content = extractContent(msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// mapGoogleError translates Gmail API failures into the engine's taxonomy:
// credential problems are terminal, everything else transient.
func mapGoogleError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, consts.ErrHistoryPruned) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", consts.ErrAuthExpired, err)
		case http.StatusForbidden:
			// 403 is also what Gmail uses for rate limiting; only treat
			// explicit auth reasons as terminal.
			for _, e := range apiErr.Errors {
				if e.Reason == "authError" || e.Reason == "accountDisabled" {
					return fmt.Errorf("%w: %v", consts.ErrAuthExpired, err)
				}
			}
			return fmt.Errorf("%w: %v", consts.ErrProviderUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", consts.ErrProviderUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	// Lower-level transport failures (connection reset, DNS).
	return fmt.Errorf("%w: %v", consts.ErrProviderUnavailable, err)
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := decodeToken(f, tok); err != nil {
		return nil, err
	}
	return tok, nil
}
