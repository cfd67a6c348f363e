// Package api serves the local HTTP interface of the bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"loxonecontrol/internal/accessory"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/metrics"
	"loxonecontrol/internal/platform"

	"go.uber.org/zap"
)

// Platform is the part of the platform the API drives.
type Platform interface {
	DiscoveredIdentifiers() []string
	Identify(ctx context.Context, identifier string) error
	Toggle(ctx context.Context, identifier string) error
	SetOn(ctx context.Context, identifier string) error
	Accessories() []accessory.Accessory
}

// Server provides HTTP API endpoints for the bridge
type Server struct {
	platform Platform
	bus      *events.Bus
	metrics  *metrics.Metrics
	hub      *Hub
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(p Platform, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger, port int) *Server {
	logger = logger.Named("api")
	s := &Server{
		platform: p,
		bus:      bus,
		metrics:  m,
		hub:      NewHub(bus, logger),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/discoverDevices", s.handleDiscoverDevices)
	mux.HandleFunc("/identifyAccessory", s.accessoryAction(p.Identify))
	mux.HandleFunc("/toggle", s.accessoryAction(p.Toggle))
	mux.HandleFunc("/setOn", s.accessoryAction(p.SetOn))
	mux.HandleFunc("/api/accessories", s.handleAccessories)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/ws/events", s.hub.ServeHTTP)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      withCORS(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler including the CORS middleware.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// withCORS allows any origin and answers preflight requests directly.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, PATCH, DELETE")
		h.Set("Access-Control-Allow-Headers", "X-Requested-With,content-type")
		h.Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleDiscoverDevices returns the identifiers of all collected controls
func (s *Server) handleDiscoverDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, s.platform.DiscoveredIdentifiers())
}

// accessoryAction wraps an action taking the identifier from the name
// query parameter.
func (s *Server) accessoryAction(action func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			http.Error(w, "missing name parameter", http.StatusBadRequest)
			return
		}

		err := action(r.Context(), name)
		if err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		status := statusFor(err)
		s.logger.Warn("Accessory request failed",
			zap.String("path", r.URL.Path),
			zap.String("name", name),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, err.Error(), status)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, platform.ErrUnknownAccessory):
		return http.StatusNotFound
	case errors.Is(err, accessory.ErrUnsupported):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// AccessoryResponse is one entry of the accessories endpoint
type AccessoryResponse struct {
	Identifier string         `json:"identifier"`
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	State      map[string]any `json:"state"`
}

// handleAccessories returns the current state of every accessory
func (s *Server) handleAccessories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accessories := s.platform.Accessories()
	response := make([]AccessoryResponse, 0, len(accessories))
	for _, acc := range accessories {
		response = append(response, AccessoryResponse{
			Identifier: acc.Identifier(),
			Name:       acc.Name(),
			Category:   acc.Category(),
			State:      acc.Snapshot(),
		})
	}

	s.writeJSON(w, response)
	s.logger.Debug("Accessories request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("accessories", len(response)))
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, map[string]any{
		"status":            "ok",
		"websocket_clients": s.hub.ClientCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/discoverDevices", Method: "GET", Description: "Identifiers of all controls found in the web interface"},
	{Path: "/identifyAccessory?name=<identifier>", Method: "GET", Description: "Make a control noticeable (move, flash or spin up)"},
	{Path: "/toggle?name=<identifier>", Method: "GET", Description: "Toggle a light or outlet"},
	{Path: "/setOn?name=<identifier>", Method: "GET", Description: "Switch a light or outlet on"},
	{Path: "/api/accessories", Method: "GET", Description: "Current state of every accessory"},
	{Path: "/ws/events", Method: "GET", Description: "Websocket stream of accessory events"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Loxone Control API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Loxone Control API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Loxone Control API\n")
		fmt.Fprintf(w, "==================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-38s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
