package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cast"
)

// defaultArchivedLimit is the page size of /api/archived.
const defaultArchivedLimit = 100

// Handler handles HTTP requests for the monitor.
type Handler struct {
	src    Source
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(src Source, logger *slog.Logger) *Handler {
	return &Handler{src: src, logger: logger}
}

// Routes returns the monitor routes.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.handleStats)
		r.Get("/types", h.handleTypes)
		r.Get("/servers", h.handleServers)
		r.Get("/archived", h.handleArchived)
	})
	return r
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := GetDashboardStats(r.Context(), h.src)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, stats)
}

func (h *Handler) handleTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.src.Types(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, map[string]interface{}{"mode": h.src.Mode().String(), "types": types})
}

func (h *Handler) handleServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.src.Servers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, map[string]interface{}{"servers": servers})
}

func (h *Handler) handleArchived(w http.ResponseWriter, r *http.Request) {
	limit := defaultArchivedLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := cast.ToIntE(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	tasks, err := h.src.Archived(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, map[string]interface{}{"tasks": tasks})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("monitor query failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *Handler) render(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
