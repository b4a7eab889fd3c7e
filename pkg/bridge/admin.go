// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AdminAPI exposes a small HTTP control surface next to the in-band command
// layer, for scripted operation.
type AdminAPI struct {
	router *Router
	log    zerolog.Logger
	server *http.Server
}

// NewAdminAPI wires the admin handlers onto a fresh mux.
func NewAdminAPI(router *Router, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		router: router,
		log:    log.With().Str("component", "admin-api").Logger(),
	}
}

// Handler builds the admin API route table.
func (a *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/pause", a.handlePause)
	mux.HandleFunc("/api/resume", a.handleResume)
	mux.HandleFunc("/api/purge", a.handlePurge)
	return mux
}

// Start serves the API on addr until Stop is called. A failed listen is
// logged, not fatal; the in-band command layer keeps working.
func (a *AdminAPI) Start(addr string) {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}

// Stop shuts the API down gracefully.
func (a *AdminAPI) Stop(ctx context.Context) {
	if a.server == nil {
		return
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Admin API shutdown error")
	}
}

type statusResponse struct {
	Paused        bool  `json:"paused"`
	Conversations int   `json:"conversations"`
	Inbound       int64 `json:"inbound"`
	Outbound      int64 `json:"outbound"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	inbound, outbound, err := a.router.History.LogStats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mappings, err := a.router.Registry.ListByActivity(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusResponse{
		Paused:        a.router.Paused(),
		Conversations: len(mappings),
		Inbound:       inbound,
		Outbound:      outbound,
	})
}

func (a *AdminAPI) handlePause(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, true)
}

func (a *AdminAPI) handleResume(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, false)
}

func (a *AdminAPI) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.log.Info().Str("remote_addr", r.RemoteAddr).Bool("paused", paused).Msg("Pause state change requested")
	if err := a.router.SetPaused(r.Context(), paused); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"paused": paused})
}

func (a *AdminAPI) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Purge requested")
	deleted, err := a.router.PurgeAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"deleted_channels": deleted})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
