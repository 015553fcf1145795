// WAFleet - fleet management API server.
// Serves the /bots REST surface plus a WebSocket feed of lifecycle events.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wafleet/wafleet/pkg/bus"
	"github.com/wafleet/wafleet/pkg/config"
	"github.com/wafleet/wafleet/pkg/cron"
	"github.com/wafleet/wafleet/pkg/dispatch"
	"github.com/wafleet/wafleet/pkg/logger"
	"github.com/wafleet/wafleet/pkg/manager"
)

// Server is the HTTP surface over the fleet manager. It holds no lifecycle
// state of its own: every operation delegates to the manager and reports the
// outcome.
type Server struct {
	config      *config.Config
	fleet       *manager.Manager
	history     *dispatch.History
	cronService *cron.Service
	events      *bus.Bus
	wsHub       *WSHub
	eventBridge *EventBridge
	startTime   time.Time
	server      *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, fleet *manager.Manager, history *dispatch.History, cronSvc *cron.Service, events *bus.Bus) *Server {
	// Secure-by-default: auto-generate an API key if none is configured.
	// Random key per session, printed once at startup; set WAFLEET_API_KEY
	// for a persistent one.
	if cfg.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.APIKey = hex.EncodeToString(raw)
			logger.WarnCF("api", "No API key configured, generated session key", map[string]interface{}{
				"apiKey": cfg.APIKey,
			})
		}
	}

	s := &Server{
		config:      cfg,
		fleet:       fleet,
		history:     history,
		cronService: cronSvc,
		events:      events,
		startTime:   time.Now(),
	}
	s.wsHub = NewWSHub(s)
	s.eventBridge = NewEventBridge(events, s.wsHub)
	return s
}

// Handler builds the routed, middleware-wrapped handler. Split out of Start
// so tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/bots/health", s.handleHealth)
	mux.HandleFunc("/bots/status/all", s.handleStatusAll)
	mux.HandleFunc("/bots/empresas", s.handleTenants)
	mux.HandleFunc("/bots/webhook/respuesta", s.handleExternalReply)
	mux.HandleFunc("/bots/ws", s.wsHub.HandleWebSocket)

	// Per-tenant operations: /bots/{id}/{start|stop|status|send|history}
	mux.HandleFunc("/bots/", s.handleTenantOp)

	return corsMiddleware(authMiddleware(s.config.APIKey, mux))
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Fleet API server starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)
	go s.eventBridge.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
