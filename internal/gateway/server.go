package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	scopeRealtime = "realtime"
	scopePublish  = "publish"
	scopeAdmin    = "admin"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server terminates websocket upgrades and the HTTP publish API in front of
// a Hub.
type Server struct {
	hub         *Hub
	cfg         ServerConfig
	logger      *slog.Logger
	metrics     *Metrics
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

func NewServer(hub *Hub, metrics *Metrics, logger *slog.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
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
		hub:         hub,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/notifications" && r.Method == http.MethodPost {
		s.handlePublishNotification(w, r)
		return
	}
	if r.URL.Path == "/v1/system-messages" && r.Method == http.MethodPost {
		s.handlePublishSystemMessage(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "ws" && r.Method == http.MethodGet {
		s.handleWebsocket(w, r, parts[1:])
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// handleWebsocket resolves the channel from the path, authorizes the
// ?token= credential, and hands the connection to the hub.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, parts []string) {
	var channel string
	requiredScope := scopeRealtime
	ownerUserID := ""
	switch {
	case len(parts) == 2 && parts[0] == "notifications" && parts[1] != "":
		channel = NotificationsChannel(parts[1])
		ownerUserID = parts[1]
	case len(parts) == 3 && parts[0] == "projects" && parts[1] != "" && parts[2] == "notifications":
		channel = ProjectChannel(parts[1])
	case len(parts) == 3 && parts[0] == "meetings" && parts[1] != "" && parts[2] == "chat":
		channel = MeetingChatChannel(parts[1])
	case len(parts) == 1 && parts[0] == "system":
		channel = SystemChannel
		requiredScope = scopeAdmin
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown channel")
		return
	}

	claims, authErr := authorizeToken(r.URL.Query().Get("token"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		s.metrics.authFailures.Inc()
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if ownerUserID != "" && claims.UserID != ownerUserID {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusForbidden, "forbidden", "notifications channel belongs to another user")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "channel", channel, "error", err)
		return
	}

	sub := s.hub.Subscribe(channel, claims.UserID)
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		for data := range sub.Send {
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Debug("websocket read ended", "channel", channel, "error", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		s.hub.HandleInbound(sub, raw)
	}
}

func (s *Server) handlePublishNotification(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorizePublish(w, r, scopePublish)
	if !ok {
		return
	}
	var req struct {
		UserID  string         `json:"user_id"`
		Title   string         `json:"title"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}
	payload := map[string]any{}
	for key, value := range req.Data {
		payload[key] = value
	}
	if req.Title != "" {
		payload["title"] = req.Title
	}
	if req.Message != "" {
		payload["message"] = req.Message
	}
	payload["published_by"] = claims.UserID

	id, err := s.hub.PublishNotification(r.Context(), req.UserID, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handlePublishSystemMessage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizePublish(w, r, scopeAdmin); !ok {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message is required")
		return
	}
	s.hub.PublishSystemMessage(req.Message)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "broadcast"})
}

func (s *Server) authorizePublish(w http.ResponseWriter, r *http.Request, scope string) (tokenClaims, bool) {
	raw, authErr := bearerToken(r.Header.Get("Authorization"))
	if authErr == nil {
		var claims tokenClaims
		claims, authErr = authorizeToken(raw, s.cfg.JWTSecret, scope, time.Now().UTC())
		if authErr == nil {
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return tokenClaims{}, false
			}
			return claims, true
		}
	}
	s.metrics.authFailures.Inc()
	writeError(w, authErr.status, authErr.code, authErr.message)
	return tokenClaims{}, false
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
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

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
