package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/helpers"
	"github.com/mailtriage/mailtriage/logger"
	"github.com/mailtriage/mailtriage/pkg/metrics"
)

// Rule management handlers

type ruleRequest struct {
	Name         string          `json:"name"`
	Instructions string          `json:"instructions"`
	Actions      json.RawMessage `json:"actions"`
	Automate     bool            `json:"automate"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.writeError(w, "Missing name")
		return
	}

	rule := &db.Rule{
		UserID:       user,
		Name:         req.Name,
		Instructions: req.Instructions,
		Actions:      req.Actions,
		Automate:     req.Automate,
	}
	if err := s.rules.CreateRule(r.Context(), rule); err != nil {
		logger.Error("HTTP API: failed to create rule", "user", user, "error", err)
		s.writeError(w, "Error creating rule")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	rules, err := s.rules.ListRules(r.Context(), user)
	if err != nil {
		logger.Error("HTTP API: failed to list rules", "user", user, "error", err)
		s.writeError(w, "Error listing rules")
		return
	}
	if rules == nil {
		rules = []db.Rule{}
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Missing id")
		return
	}

	rule, err := s.rules.GetRule(r.Context(), user, id)
	if err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to get rule", "user", user, "rule", id, "error", err)
		s.writeError(w, "Error fetching rule")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Missing id")
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.writeError(w, "Missing name")
		return
	}

	rule := &db.Rule{
		ID:           id,
		UserID:       user,
		Name:         req.Name,
		Instructions: req.Instructions,
		Actions:      req.Actions,
		Automate:     req.Automate,
	}
	if len(rule.Actions) == 0 {
		rule.Actions = json.RawMessage("[]")
	}
	if err := s.rules.UpdateRule(r.Context(), rule); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to update rule", "user", user, "rule", id, "error", err)
		s.writeError(w, "Error updating rule")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Missing id")
		return
	}

	if err := s.rules.DeleteRule(r.Context(), user, id); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to delete rule", "user", user, "rule", id, "error", err)
		s.writeError(w, "Error deleting rule")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Newsletter automation handlers

type newsletterView struct {
	SenderIdentity  string  `json:"senderIdentity"`
	Status          string  `json:"status"`
	SuggestedStatus *string `json:"suggestedStatus,omitempty"`
	UnsubscribeLink *string `json:"unsubscribeLink,omitempty"`
	AutoArchived    bool    `json:"autoArchived"`
	UpdatedAt       string  `json:"updatedAt"`
}

func (s *Server) handleListNewsletters(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	states, err := s.engine.ListSenders(r.Context(), user)
	if err != nil {
		logger.Error("HTTP API: failed to list senders", "user", user, "error", err)
		s.writeError(w, "Error listing newsletters")
		return
	}

	views := make([]newsletterView, 0, len(states))
	for i := range states {
		views = append(views, senderStateView(&states[i]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

type statusRequest struct {
	SenderIdentity string `json:"senderIdentity"`
	Status         string `json:"status"`
}

func (s *Server) handleSetNewsletterStatus(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body")
		return
	}
	sender, err := helpers.CanonicalizeSender(req.SenderIdentity)
	if err != nil {
		s.writeError(w, "Invalid sender")
		return
	}
	status, err := db.ParseAutomationStatus(req.Status)
	if err != nil {
		s.writeError(w, "Invalid status")
		return
	}

	state, err := s.engine.SetStatus(r.Context(), user, sender, status)
	if err != nil {
		if errors.Is(err, consts.ErrAuthExpired) {
			s.writeError(w, "Mailbox authorization expired, please reconnect")
			return
		}
		logger.Error("HTTP API: failed to set newsletter status",
			"user", user, "sender", sender, "status", status, "error", err)
		s.writeError(w, "Error updating newsletter status")
		return
	}
	s.writeJSON(w, http.StatusOK, senderStateView(state))
}

type archiveRequest struct {
	SenderIdentity string `json:"senderIdentity"`
	LabelID        string `json:"labelId,omitempty"`
}

func (s *Server) handleEnableAutoArchive(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body")
		return
	}
	sender, err := helpers.CanonicalizeSender(req.SenderIdentity)
	if err != nil {
		s.writeError(w, "Invalid sender")
		return
	}

	state, err := s.engine.EnableAutoArchive(r.Context(), user, sender, req.LabelID)
	if err != nil {
		if errors.Is(err, consts.ErrAuthExpired) {
			s.writeError(w, "Mailbox authorization expired, please reconnect")
			return
		}
		logger.Error("HTTP API: failed to enable auto-archive",
			"user", user, "sender", sender, "error", err)
		s.writeError(w, "Error creating filter")
		return
	}
	s.writeJSON(w, http.StatusOK, senderStateView(state))
}

func (s *Server) handleDisableAutoArchive(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	sender, err := helpers.CanonicalizeSender(r.URL.Query().Get("sender"))
	if err != nil {
		s.writeError(w, "Missing sender")
		return
	}

	state, err := s.engine.DisableAutoArchive(r.Context(), user, sender)
	if err != nil {
		if errors.Is(err, consts.ErrAuthExpired) {
			s.writeError(w, "Mailbox authorization expired, please reconnect")
			return
		}
		logger.Error("HTTP API: failed to disable auto-archive",
			"user", user, "sender", sender, "error", err)
		s.writeError(w, "Error deleting filter")
		return
	}
	s.writeJSON(w, http.StatusOK, senderStateView(state))
}

func senderStateView(st *db.SenderState) newsletterView {
	var suggested *string
	if st.SuggestedStatus != nil {
		s := string(*st.SuggestedStatus)
		suggested = &s
	}
	return newsletterView{
		SenderIdentity:  st.SenderIdentity,
		Status:          string(st.Status),
		SuggestedStatus: suggested,
		UnsubscribeLink: st.LastUnsubscribeLink,
		AutoArchived:    st.AutoArchiveRuleRef != nil,
		UpdatedAt:       st.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Watch subscription handlers

func (s *Server) handleTriggerWatch(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	expiration, err := s.watches.EnsureWatch(r.Context(), user)
	if err != nil {
		if errors.Is(err, consts.ErrAuthExpired) {
			s.writeError(w, "Mailbox authorization expired, please reconnect")
			return
		}
		logger.Error("HTTP API: failed to ensure watch", "user", user, "error", err)
		s.writeError(w, "Error watching inbox")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"expiration": expiration.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, "Not authenticated")
		return
	}

	sub, err := s.watches.Get(r.Context(), user)
	if err != nil {
		if errors.Is(err, consts.ErrSubscriptionNotFound) {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
			return
		}
		logger.Error("HTTP API: failed to get watch", "user", user, "error", err)
		s.writeError(w, "Error fetching watch")
		return
	}

	resp := map[string]interface{}{
		"active":     true,
		"expiration": sub.Expiration.UTC().Format(time.RFC3339),
		"checkpoint": sub.LastHistoryCheckpoint,
		"degraded":   sub.Degraded,
	}
	if sub.Degraded && sub.DegradedReason != "" {
		resp["degradedReason"] = sub.DegradedReason
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Push notification handler

// pushEnvelope is the Pub/Sub push wrapper; the data field is a base64
// encoded JSON document naming the mailbox and its latest history id.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleWebhook accepts provider push notifications. It acknowledges
// quickly and hands the mailbox to the ingestion dispatcher; a lost
// notification is harmless because the next one replays from the stored
// checkpoint.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookToken != "" {
		if r.URL.Query().Get("token") != s.webhookToken {
			metrics.NotificationsTotal.WithLabelValues("rejected").Inc()
			s.writeStatusError(w, http.StatusForbidden, "Invalid webhook token")
			return
		}
	}

	var envelope pushEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&envelope); err != nil {
		metrics.NotificationsTotal.WithLabelValues("malformed").Inc()
		s.writeStatusError(w, http.StatusBadRequest, "Invalid push envelope")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("malformed").Inc()
		s.writeStatusError(w, http.StatusBadRequest, "Invalid push payload encoding")
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.EmailAddress == "" {
		metrics.NotificationsTotal.WithLabelValues("malformed").Inc()
		s.writeStatusError(w, http.StatusBadRequest, "Invalid push payload")
		return
	}

	metrics.NotificationsTotal.WithLabelValues("accepted").Inc()
	logger.Debug("HTTP API: push notification received",
		"mailbox", payload.EmailAddress, "historyId", strconv.FormatUint(payload.HistoryID, 10))

	// The mailbox address is the account identity; stored resource ids are
	// lowercased at watch creation.
	mailbox := strings.ToLower(payload.EmailAddress)
	s.notifier.Notify(mailbox, mailbox)

	// Always ack with 204; redelivery is driven by the checkpoint, not by
	// the push acknowledgement.
	w.WriteHeader(http.StatusNoContent)
}
