// Package api exposes zone status and command submission over HTTP, as a
// local alternative to the broker connection.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mediazones/internal/command"
	"mediazones/internal/zone"
)

// Zones is the slice of the zone registry the API needs.
type Zones interface {
	Names() []string
	Get(name string) (zone.Controller, bool)
	SnapshotAll() map[string]zone.Status
	Route(ctx context.Context, cmd command.Command) command.Outcome
}

// Server provides the HTTP endpoints for the controller.
type Server struct {
	zones  Zones
	logger *zap.Logger
	server *http.Server
}

// NewServer creates the API server listening on addr.
func NewServer(zones Zones, logger *zap.Logger, addr string) *Server {
	s := &Server{
		zones:  zones,
		logger: logger.Named("api"),
	}

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Get("/health", s.handleHealth)
	router.Get("/api/zones", s.handleListZones)
	router.Get("/api/zones/{zone}", s.handleZoneStatus)
	router.Post("/api/zones/{zone}/command", s.handleZoneCommand)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ZoneListEntry is one zone in the list response.
type ZoneListEntry struct {
	Name   string      `json:"name"`
	Status zone.Status `json:"status"`
}

func (s *Server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.zones.SnapshotAll()

	entries := make([]ZoneListEntry, 0, len(snapshots))
	for name, status := range snapshots {
		entries = append(entries, ZoneListEntry{Name: name, Status: status})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"zones": entries})
}

func (s *Server) handleZoneStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "zone")
	controller, ok := s.zones.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown zone: " + name})
		return
	}
	writeJSON(w, http.StatusOK, controller.Snapshot())
}

func (s *Server) handleZoneCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "zone")

	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid command body"})
		return
	}
	// The path wins over any zone named in the body.
	cmd.Zone = name

	outcome := s.zones.Route(r.Context(), cmd)
	s.logger.Debug("Command handled over HTTP",
		zap.String("zone", name),
		zap.String("command", string(cmd.Name)),
		zap.String("status", string(outcome.Status)))

	code := http.StatusOK
	if outcome.Status == command.StatusFailed {
		code = http.StatusUnprocessableEntity
		if outcome.Code == command.ErrorCodeValidation {
			code = http.StatusBadRequest
		}
	}
	writeJSON(w, code, outcome)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
