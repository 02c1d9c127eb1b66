package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
	"github.com/agentworkforce/applyfeed/internal/broadcast"
	"github.com/agentworkforce/applyfeed/internal/logging"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	CORSOrigins     []string
	// WriteTimeout bounds a single live-update write.
	WriteTimeout time.Duration
}

// Ingester is the ingestion pipeline as the HTTP layer sees it.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (applyfeed.ApplicationRecord, error)
	Records(ctx context.Context) ([]applyfeed.ApplicationRecord, error)
}

type SettingsService interface {
	Settings() applyfeed.Settings
	Update(posted []byte) (applyfeed.Settings, error)
}

type Dependencies struct {
	Ingester Ingester
	Hub      *broadcast.Hub
	Settings SettingsService
	// Publisher carries synthetic test events; it defaults to the hub.
	Publisher applyfeed.Publisher
}

type Server struct {
	ingester    Ingester
	hub         *broadcast.Hub
	settings    SettingsService
	publisher   applyfeed.Publisher
	cfg         ServerConfig
	rateLimiter *rateLimiter
	handler     http.Handler
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

func NewServer(deps Dependencies) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if deps.Hub == nil {
		deps.Hub = broadcast.NewHub(broadcast.HubOptions{})
	}
	if deps.Settings == nil {
		deps.Settings = applyfeed.NewSettingsStore("", nil)
	}
	if deps.Publisher == nil {
		deps.Publisher = deps.Hub
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		ingester:    deps.Ingester,
		hub:         deps.Hub,
		settings:    deps.Settings,
		publisher:   deps.Publisher,
		cfg:         cfg,
		rateLimiter: limiter,
	}
	s.handler = otelhttp.NewHandler(s.routes(), "applyfeed")
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.Len()})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/inbound-email", s.handleInboundEmail)
		r.Post("/test-inbound", s.handleTestInbound)
		r.Get("/get-emails", s.handleGetEmails)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handlePostSettings)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWebSocket)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", nil, getCorrelationID(r))
	})
	return r
}

func (s *Server) handleInboundEmail(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), time.Now()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateLimitWindow.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil, correlationID)
		return
	}
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion is not configured", nil, correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}

	// Ingest runs to completion even if the sender hangs up.
	record, err := s.ingester.Ingest(context.WithoutCancel(r.Context()), body)
	if err != nil {
		logger := logging.From(r.Context()).With(slog.String("correlation_id", correlationID))
		var parseErr *applyfeed.ParseError
		switch {
		case errors.As(err, &parseErr) && parseErr.Kind == applyfeed.ParseMissingFields:
			logger.Warn("webhook payload missing fields", slog.Any("fields", parseErr.Fields))
			writeError(w, http.StatusBadRequest, parseErr.Error(), parseErr.Fields, correlationID)
		case errors.As(err, &parseErr):
			logger.Warn("webhook payload malformed", slog.Any("error", err))
			var details any
			if parseErr.Err != nil {
				details = parseErr.Err.Error()
			}
			writeError(w, http.StatusBadRequest, "Invalid JSON payload", details, correlationID)
		default:
			logger.Error("webhook ingest failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "Failed to process email", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": record.ID})
}

type testInboundRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

func (s *Server) handleTestInbound(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req testInboundRequest
	if strings.TrimSpace(string(body)) != "" {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body", err.Error(), correlationID)
			return
		}
	}
	now := time.Now().UTC()
	s.publisher.PublishRecord(applyfeed.ApplicationRecord{
		ID:      strconv.FormatInt(now.UnixMilli(), 10),
		From:    orDefault(req.From, "test@example.com"),
		To:      orDefault(req.To, "test@example.com"),
		Subject: orDefault(req.Subject, "Test Email"),
		Text:    orDefault(req.Text, "This is a test email"),
		HTML:    orDefault(req.HTML, "<p>This is a test email</p>"),
		Date:    now.Format(time.RFC3339Nano),
		Status:  applyfeed.StatusTest,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Test event sent"})
}

func (s *Server) handleGetEmails(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeJSON(w, http.StatusOK, []applyfeed.ApplicationRecord{})
		return
	}
	records, err := s.ingester.Records(r.Context())
	if err != nil {
		logging.From(r.Context()).Error("record listing failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Failed to read emails", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Settings())
}

func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	settings, err := s.settings.Update(body)
	if err != nil {
		if errors.Is(err, applyfeed.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid settings", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to save settings", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings})
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(correlationHeader)) == "" {
			r.Header.Set(correlationHeader, uuid.NewString())
		}
		w.Header().Set(correlationHeader, r.Header.Get(correlationHeader))
		next.ServeHTTP(w, r)
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(correlationHeader)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit", nil, correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", nil, correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, details any, correlationID string) {
	body := map[string]any{
		"error":         message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
