// Package httpapi exposes the OAuth entry points and the token-guarded
// admin surface over plain net/http.
package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pagebridge/pagebridge/internal/facebook"
	"github.com/pagebridge/pagebridge/internal/state"
	"github.com/pagebridge/pagebridge/internal/store"
)

// Authorizer runs the OAuth handshake against the upstream identity
// provider.
type Authorizer interface {
	BeginAuthorization() (string, error)
	CompleteAuthorization(ctx context.Context, stateToken, code string) ([]facebook.GrantedPage, error)
}

// Registry is the slice of the store the API needs.
type Registry interface {
	RecordAuthorizedPage(ctx context.Context, page store.AuthorizedPage) error
	ListAuthorizedPages(ctx context.Context) ([]store.AuthorizedPage, error)
	AssignPage(ctx context.Context, channelID, pageID string) error
	UnassignPage(ctx context.Context, channelID, pageID string) error
	ListChannelPageGroups(ctx context.Context) (map[string][]store.AuthorizedPage, error)
}

// ChannelNamer resolves channel IDs to display names for the state view.
type ChannelNamer interface {
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// SyncTrigger requests an immediate sync cycle.
type SyncTrigger interface {
	TriggerNow() bool
}

type ServerConfig struct {
	AdminToken      string
	LoginPath       string
	CallbackPath    string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	auth        Authorizer
	registry    Registry
	namer       ChannelNamer
	trigger     SyncTrigger
	logger      *logrus.Logger
	cfg         ServerConfig
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(auth Authorizer, registry Registry, namer ChannelNamer, trigger SyncTrigger, logger *logrus.Logger, cfg ServerConfig) *Server {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/oauth/callback"
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		auth:        auth,
		registry:    registry,
		namer:       namer,
		trigger:     trigger,
		logger:      logger,
		cfg:         cfg,
		metrics:     promhttp.Handler(),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	if r.URL.Path == s.cfg.LoginPath && r.Method == http.MethodGet {
		s.handleLogin(w, r)
		return
	}
	if r.URL.Path == s.cfg.CallbackPath && r.Method == http.MethodGet {
		s.handleCallback(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/admin/") {
		if !s.authorizeAdmin(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
			return
		}
		s.serveAdmin(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/admin/state" && r.Method == http.MethodGet {
		s.handleAdminState(w, r)
		return
	}
	if r.URL.Path == "/admin/sync" && r.Method == http.MethodPost {
		s.handleAdminSync(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[1] == "channel-page" {
		channelID, pageID := parts[2], parts[3]
		switch r.Method {
		case http.MethodPost:
			s.handleAssign(w, r, channelID, pageID)
		case http.MethodDelete:
			s.handleUnassign(w, r, channelID, pageID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST or DELETE")
		}
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// authorizeAdmin accepts the token as a bearer header, an Authorization
// header carrying the bare value, or an access_token query parameter.
// Comparison is constant time so the token cannot be probed byte by byte.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	raw = strings.TrimPrefix(raw, "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("access_token")
	}
	return hmac.Equal([]byte(raw), []byte(s.cfg.AdminToken))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	url, err := s.auth.BeginAuthorization()
	if err != nil {
		s.logger.WithError(err).Error("issuing authorization redirect failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not start authorization")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	stateToken := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if stateToken == "" || code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing state or code query parameter")
		return
	}

	pages, err := s.auth.CompleteAuthorization(r.Context(), stateToken, code)
	if err != nil {
		if errors.Is(err, state.ErrInvalidState) {
			writeError(w, http.StatusForbidden, "forbidden", "unknown or expired state token")
			return
		}
		s.logger.WithError(err).Error("oauth handshake failed")
		writeError(w, http.StatusBadGateway, "upstream_error", "authorization handshake failed")
		return
	}

	granted := make([]map[string]string, 0, len(pages))
	for _, page := range pages {
		if err := s.registry.RecordAuthorizedPage(r.Context(), store.AuthorizedPage{
			ID:          page.PageID,
			Name:        page.PageName,
			AccessToken: page.PageAccessToken,
		}); err != nil {
			s.logger.WithError(err).WithField("page", page.PageID).Error("storing authorized page failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "storing authorized page failed")
			return
		}
		granted = append(granted, map[string]string{"id": page.PageID, "name": page.PageName})
	}
	s.logger.WithField("pages", len(granted)).Info("authorization completed")
	writeJSON(w, http.StatusOK, map[string]any{"authorizedPages": granted})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, channelID, pageID string) {
	if channelID == "" || pageID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "channel and page IDs are required")
		return
	}
	if err := s.registry.AssignPage(r.Context(), channelID, pageID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.logger.WithFields(logrus.Fields{"channel": channelID, "page": pageID}).Info("page assigned to channel")
	writeJSON(w, http.StatusCreated, map[string]string{"channelId": channelID, "pageId": pageID})
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request, channelID, pageID string) {
	if err := s.registry.UnassignPage(r.Context(), channelID, pageID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.logger.WithFields(logrus.Fields{"channel": channelID, "page": pageID}).Info("page unassigned from channel")
	writeJSON(w, http.StatusOK, map[string]string{"channelId": channelID, "pageId": pageID})
}

type statePage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type stateChannel struct {
	ChannelID   string      `json:"channelId"`
	ChannelName string      `json:"channelName,omitempty"`
	Pages       []statePage `json:"pages"`
}

func (s *Server) handleAdminState(w http.ResponseWriter, r *http.Request) {
	authorized, err := s.registry.ListAuthorizedPages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	groups, err := s.registry.ListChannelPageGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	pages := make([]statePage, 0, len(authorized))
	for _, page := range authorized {
		pages = append(pages, statePage{ID: page.ID, Name: page.Name})
	}

	channelIDs := make([]string, 0, len(groups))
	for channelID := range groups {
		channelIDs = append(channelIDs, channelID)
	}
	sort.Strings(channelIDs)

	channels := make([]stateChannel, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		entry := stateChannel{ChannelID: channelID}
		// Name resolution is best effort, the assignment itself is the
		// source of truth.
		if s.namer != nil {
			name, err := s.namer.ChannelName(r.Context(), channelID)
			if err != nil {
				s.logger.WithError(err).WithField("channel", channelID).Warn("channel name lookup failed")
			} else {
				entry.ChannelName = name
			}
		}
		for _, page := range groups[channelID] {
			entry.Pages = append(entry.Pages, statePage{ID: page.ID, Name: page.Name})
		}
		channels = append(channels, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authorizedPages": pages,
		"channels":        channels,
	})
}

func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil || !s.trigger.TriggerNow() {
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync cycle is already running or pending")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
