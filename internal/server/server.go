// Package server exposes a small read-only status API for the monitor.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"marketwatch/internal/archive"
	"marketwatch/internal/scheduler"
	"marketwatch/internal/store"
)

type progressSource interface {
	LastProgress() (string, time.Time)
}

type API struct {
	store     *store.Store
	archive   *archive.Archive
	scheduler *scheduler.Scheduler
	progress  progressSource
}

func New(st *store.Store, arc *archive.Archive, sched *scheduler.Scheduler, progress progressSource) *API {
	return &API{store: st, archive: arc, scheduler: sched, progress: progress}
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/reported", a.handleReported)
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	msg, at := a.progress.LastProgress()
	respondJSON(w, http.StatusOK, map[string]any{
		"scheduler":        a.scheduler.Snapshot(),
		"last_progress":    msg,
		"last_progress_at": at,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	reported, err := a.archive.Count(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"store":          a.store.Stats(),
		"reported_total": reported,
	})
}

func (a *API) handleReported(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	items, err := a.archive.Recent(r.Context(), limit)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
