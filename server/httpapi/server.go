// Package httpapi exposes the automation engine to the UI/API layer and
// receives provider push notifications.
//
// Domain endpoints follow the existing boundary contract: responses are
// JSON, and domain failures are reported as an {"error": "..."} payload in
// a 200 response rather than through transport-level status codes. Only
// the auth and host middleware use HTTP status semantics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailtriage/mailtriage/config"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/logger"
)

// AutomationEngine is the rule engine surface the API calls; implemented by
// *engine.Engine.
type AutomationEngine interface {
	SetStatus(ctx context.Context, userID, sender string, status db.AutomationStatus) (*db.SenderState, error)
	EnableAutoArchive(ctx context.Context, userID, sender, labelID string) (*db.SenderState, error)
	DisableAutoArchive(ctx context.Context, userID, sender string) (*db.SenderState, error)
	ListSenders(ctx context.Context, userID string) ([]db.SenderState, error)
}

// WatchManager is the subscription surface; implemented by
// *subscription.Manager.
type WatchManager interface {
	EnsureWatch(ctx context.Context, userID string) (time.Time, error)
	Get(ctx context.Context, userID string) (*db.Subscription, error)
}

// RuleStore is the rules CRUD persistence; implemented by *db.Database.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *db.Rule) error
	GetRule(ctx context.Context, userID string, id uuid.UUID) (*db.Rule, error)
	UpdateRule(ctx context.Context, rule *db.Rule) error
	DeleteRule(ctx context.Context, userID string, id uuid.UUID) error
	ListRules(ctx context.Context, userID string) ([]db.Rule, error)
}

// Notifier schedules ingestion passes; implemented by *ingest.Dispatcher.
type Notifier interface {
	Notify(userID, resourceID string)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	webhookToken string
	allowedHosts []string
	engine       AutomationEngine
	watches      WatchManager
	rules        RuleStore
	notifier     Notifier
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Config   config.HTTPAPIConfig
	Engine   AutomationEngine
	Watches  WatchManager
	Rules    RuleStore
	Notifier Notifier
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	cfg := options.Config
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if cfg.TLS && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         cfg.Addr,
		apiKey:       cfg.APIKey,
		webhookToken: cfg.WebhookToken,
		allowedHosts: cfg.AllowedHosts,
		engine:       options.Engine,
		watches:      options.Watches,
		rules:        options.Rules,
		notifier:     options.Notifier,
		tls:          cfg.TLS,
		tlsCertFile:  cfg.TLSCertFile,
		tlsKeyFile:   cfg.TLSKeyFile,
	}, nil
}

// Start starts the HTTP API server
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.Config.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting server", "protocol", protocol, "addr", options.Config.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: error shutting down server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// The push endpoint and metrics skip bearer auth: the webhook carries
	// its own shared token and metrics are host-restricted.
	router.HandleFunc("/webhook/gmail", s.handleWebhook).Methods("POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API v1 routes
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.loggingMiddleware)
	v1.Use(s.allowedHostsMiddleware)
	v1.Use(s.authMiddleware)

	// Rule management routes
	v1.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	v1.HandleFunc("/rules", s.handleListRules).Methods("GET")
	v1.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	v1.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("POST")
	v1.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	// Newsletter automation routes
	v1.HandleFunc("/newsletters", s.handleListNewsletters).Methods("GET")
	v1.HandleFunc("/newsletters/status", s.handleSetNewsletterStatus).Methods("POST")
	v1.HandleFunc("/newsletters/archive", s.handleEnableAutoArchive).Methods("POST")
	v1.HandleFunc("/newsletters/archive", s.handleDisableAutoArchive).Methods("DELETE")

	// Watch subscription routes
	v1.HandleFunc("/watch", s.handleTriggerWatch).Methods("POST")
	v1.HandleFunc("/watch", s.handleGetWatch).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request completed",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeStatusError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeStatusError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeStatusError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeStatusError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: error encoding JSON response", "error", err)
	}
}

// writeError reports a domain failure inside a 200 JSON payload, matching
// the boundary contract of the UI layer.
func (s *Server) writeError(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusOK, map[string]string{"error": message})
}

// writeStatusError is for transport-level failures (auth, bad host).
func (s *Server) writeStatusError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// userID extracts the acting user from the request. Session handling lives
// in the excluded auth layer; it forwards the resolved user here.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
