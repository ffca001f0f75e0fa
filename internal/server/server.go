// Package server exposes map sessions, track ingestion and change
// notifications over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/smukkama/devicemap/internal/api"
	"github.com/smukkama/devicemap/internal/cluster"
	"github.com/smukkama/devicemap/internal/connection"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/mapview"
	"github.com/smukkama/devicemap/internal/notification"
	"github.com/smukkama/devicemap/internal/pipeline"
	"github.com/smukkama/devicemap/internal/queue"
	"github.com/smukkama/devicemap/pkg/config"
)

// Server is the HTTP front of the map service
type Server struct {
	config   config.HTTPServerConfig
	registry *mapview.Registry
	service  *mapview.Service
	hub      *notification.Hub
	tracks   queue.Publisher
	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server
	log      zerolog.Logger
	now      func() time.Time
}

// NewServer wires the routes. tracks may be nil, in which case track
// ingestion answers 503.
func NewServer(cfg config.HTTPServerConfig, registry *mapview.Registry, service *mapview.Service, hub *notification.Hub, tracks queue.Publisher) *Server {
	s := &Server{
		config:   cfg,
		registry: registry,
		service:  service,
		hub:      hub,
		tracks:   tracks,
		router:   mux.NewRouter(),
		log:      logger.WithComponent("http"),
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWebSocketOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/track", s.handleTrack).Methods(http.MethodPost)

	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/device", s.handleSelectDevice).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/dates", s.handleSetDates).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/hours", s.handleSetHours).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/geolocation", s.handleSetGeolocation).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/viewport", s.handleSetViewport).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/location", s.handleSelectLocation).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/locations", s.handleLocations).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/markers", s.handleMarkers).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/nearest", s.handleNearest).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/bounds", s.handleBounds).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/clusters/{cluster_id:[0-9]+}/zoom", s.handleExpansionZoom).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/navigate/{direction}", s.handleNavigate).Methods(http.MethodPost)
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	s.log.Info().Int("port", s.config.Port).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status      string                  `json:"status"`
	Sessions    int                     `json:"sessions"`
	Subscribers connection.ManagerStats `json:"subscribers"`
	Time        time.Time               `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Sessions:    s.registry.Len(),
		Subscribers: s.hub.Stats(),
		Time:        s.now().UTC(),
	})
}

// checkWebSocketOrigin accepts same-origin requests and configured origins
func (s *Server) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade to websocket")
		return
	}
	s.hub.Serve(ws)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, mapview.ErrSessionNotFound),
		errors.Is(err, mapview.ErrLocationNotFound),
		errors.Is(err, cluster.ErrUnknownCluster):
		return http.StatusNotFound
	case errors.Is(err, mapview.ErrNavigationDisabled),
		errors.Is(err, mapview.ErrNoDeviceSelected),
		errors.Is(err, mapview.ErrNoMarkers):
		return http.StatusConflict
	case errors.Is(err, mapview.ErrInvalidDates),
		errors.Is(err, pipeline.ErrInvalidSpan),
		errors.Is(err, pipeline.ErrInvalidHours):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}
