package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/compare"
	"fleetwatch/internal/devicedata"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/report"
	"fleetwatch/internal/store"
)

// DeviceReader reads device states. *devicedata.Client satisfies it.
type DeviceReader interface {
	FetchState(ctx context.Context, id, scope string, opts devicedata.Options) fleet.State
}

// Watcher is the subscription registry. *monitor.Monitor satisfies it.
type Watcher interface {
	Subscribe(deviceID string, sub fleet.SubscriberID)
	Unsubscribe(deviceID string, sub fleet.SubscriberID)
	UnsubscribeAll(sub fleet.SubscriberID)
	Subscribers(deviceID string) []fleet.SubscriberID
	Watched() []string
	LastState(deviceID string) (fleet.State, bool)
}

// AlertLog exposes recent alerts. *alerts.Engine satisfies it.
type AlertLog interface {
	Recent(limit int) []fleet.Alert
	Acknowledge(id string) error
	Rules() []alerts.RuleInfo
}

// Comparer runs device comparisons. *compare.Engine satisfies it.
type Comparer interface {
	Compare(ctx context.Context, ids []string, scope string) (*compare.Result, error)
}

// Reporter generates reports. *report.Exporter satisfies it.
type Reporter interface {
	Generate(ctx context.Context, ids []string, scope string, opts report.Options) (*report.FullReport, []byte, error)
}

// Services are the components the server exposes.
type Services struct {
	Devices DeviceReader
	Monitor Watcher
	Alerts  AlertLog
	Compare Comparer
	Reports Reporter
	Store   store.Store
}

// ScopeHeader carries the cache scope of a request, usually a user or
// session id. Requests without it bypass the scoped side cache.
const ScopeHeader = "X-Fleet-Scope"

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	svc            Services
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server and starts its WebSocket hub. Events on
// the bus are delivered to the WebSocket clients subscribed to their device.
func NewServer(svc Services, events *fleet.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		svc:    svc,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if events != nil {
		s.unsubEvents = events.OnAll(s.routeEvent)
	}

	s.routes()
	return s
}

// routeEvent sends device updates to the subscribers captured with the
// update and alerts to the current subscribers of the alert's device.
func (s *Server) routeEvent(event fleet.Event) {
	switch data := event.Data.(type) {
	case fleet.Update:
		s.wsHub.Send(event, data.Subscribers)
	case fleet.Alert:
		if s.svc.Monitor == nil {
			return
		}
		s.wsHub.Send(event, s.svc.Monitor.Subscribers(data.DeviceID))
	}
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Devices
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/last", s.handleAPILastState)
	s.mux.HandleFunc("GET /api/devices/{id}/tags", s.handleAPIGetTags)
	s.mux.HandleFunc("PUT /api/devices/{id}/tags", s.handleAPISetTags)

	// Analytics
	s.mux.HandleFunc("POST /api/compare", s.handleAPICompare)
	s.mux.HandleFunc("POST /api/reports", s.handleAPIReport)

	// Alerts
	s.mux.HandleFunc("GET /api/alerts", s.handleAPIListAlerts)
	s.mux.HandleFunc("POST /api/alerts/{id}/ack", s.handleAPIAckAlert)
	s.mux.HandleFunc("GET /api/alerts/rules", s.handleAPIListRules)

	// Groups
	s.mux.HandleFunc("GET /api/groups", s.handleAPIListGroups)
	s.mux.HandleFunc("GET /api/groups/{name}", s.handleAPIGetGroup)
	s.mux.HandleFunc("PUT /api/groups/{name}", s.handleAPISetGroup)
	s.mux.HandleFunc("DELETE /api/groups/{name}", s.handleAPIDeleteGroup)

	s.mux.HandleFunc("GET /api/monitor", s.handleAPIMonitor)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, "+ScopeHeader)
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers from a browser, so
	// only /api/ is key-protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
