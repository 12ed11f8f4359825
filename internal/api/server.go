// Package api implements MRAgent's HTTP and WebSocket surface: turns,
// stats, mode and model control, pending approvals, archived chats and
// a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bonzainsights/mragent/internal/agent"
	"github.com/bonzainsights/mragent/internal/approval"
	"github.com/bonzainsights/mragent/internal/buildinfo"
	"github.com/bonzainsights/mragent/internal/connwatch"
	"github.com/bonzainsights/mragent/internal/events"
	"github.com/bonzainsights/mragent/internal/memory"
	"github.com/bonzainsights/mragent/internal/router"
	"github.com/bonzainsights/mragent/internal/usage"
)

// Agent is the conversation core the server drives.
// *agent.Loop satisfies it.
type Agent interface {
	ProcessTurn(ctx context.Context, text string, stream bool) (string, error)
	Stats() agent.Stats
	ChatID() string
	NewChat() string
	SetMode(mode string) error
	SetModel(name string) error
}

// RouterInspector exposes routing statistics and decisions.
// *router.Router satisfies it.
type RouterInspector interface {
	GetStats() router.Stats
	GetAuditLog(limit int) []router.Decision
	Explain(requestID string) *router.Decision
}

// ChatArchive serves archived conversations.
// *memory.ArchiveStore satisfies it.
type ChatArchive interface {
	Chats(ctx context.Context, limit int) ([]memory.Chat, error)
	Messages(ctx context.Context, chatID string) ([]memory.ArchivedMessage, error)
}

// UsageReporter aggregates recorded token usage.
// *usage.Store satisfies it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports provider reachability.
// *connwatch.Manager satisfies it.
type HealthReporter interface {
	Status() []connwatch.Status
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger

	agent   Agent
	router  RouterInspector
	broker  *approval.Broker
	bus     *events.Bus
	archive ChatArchive
	usage   UsageReporter
	health  HealthReporter

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a new API server. broker, when set, receives
// approval decisions posted by clients; its requests are announced on
// the bus.
func NewServer(address string, port int, ag Agent, rtr RouterInspector, broker *approval.Broker, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		logger:  logger,
		agent:   ag,
		router:  rtr,
		broker:  broker,
		bus:     bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if broker != nil {
		broker.OnRequest(func(p approval.Pending) {
			bus.Publish(events.Event{
				Time:   p.Created,
				ChatID: ag.ChatID(),
				Kind:   events.KindApprovalRequired,
				Text:   p.Description,
				Data:   map[string]any{"id": p.ID},
			})
		})
	}
	return s
}

// SetArchive configures the archive for the chat history endpoints.
func (s *Server) SetArchive(a ChatArchive) {
	s.archive = a
}

// SetUsage configures the usage store for the usage endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetHealth configures provider health reporting for /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/mode", s.handleMode)
	mux.HandleFunc("POST /v1/model", s.handleModel)
	mux.HandleFunc("POST /v1/newchat", s.handleNewChat)

	mux.HandleFunc("GET /v1/approvals", s.handleApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleApprovalResolve)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/chats", s.handleChats)
	mux.HandleFunc("GET /v1/chats/{id}", s.handleChatGet)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops;
// a clean Shutdown yields nil.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Turns with several tool rounds take minutes; streaming
		// handlers extend their own deadline as events flow.
		WriteTimeout: 10 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) okJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

// decodeBody decodes a JSON request body into v, answering 400 on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.okJSON(w, map[string]string{
		"name":    "MRAgent",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.okJSON(w, buildinfo.RuntimeInfo())
}

// handleHealth answers 200 even when providers are down so the
// process is not restarted for an upstream outage; status says
// "degraded" instead.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		providers := s.health.Status()
		for _, p := range providers {
			if !p.Ready {
				resp["status"] = "degraded"
			}
		}
		resp["providers"] = providers
	}
	s.okJSON(w, resp)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	s.okJSON(w, s.router.GetStats())
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	limit := parseIntParam(r, "limit", 20)
	decisions := s.router.GetAuditLog(limit)
	s.okJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	})
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decision := s.router.Explain(r.PathValue("requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	s.okJSON(w, decision)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
