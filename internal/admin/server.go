package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"steward/internal/observability"
	"steward/internal/realtime"
	"steward/internal/saga"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Server exposes the read-only admin surface: saga inspection, status stats,
// metrics, health, and the realtime lifecycle feed. It carries no
// orchestration logic; everything here is a pure query over the saga store.
type Server struct {
	store    saga.Store
	metrics  *observability.Metrics
	hub      *realtime.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs the admin server. metrics and hub may be nil.
func NewServer(store saga.Store, metrics *observability.Metrics, hub *realtime.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, metrics: metrics, hub: hub, logger: logger}
}

// Router builds the chi router for the admin API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", observability.Handler(s.metrics))
	}
	if s.hub != nil {
		r.Get("/ws", s.handleFeed)
	}

	r.Route("/api/v1/admin/sagas", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/stats", s.handleStats)
		r.Get("/order/{orderID}", s.handleGetByOrderID)
		r.Get("/{id}", s.handleGetByID)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listResponse struct {
	Items []*saga.Saga `json:"items"`
	Page  int          `json:"page"`
	Size  int          `json:"size"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page := parseQueryInt(r, "page", 0)
	size := parseQueryInt(r, "size", defaultPageSize)
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if page < 0 {
		page = 0
	}

	sagas, err := s.store.List(r.Context(), size, page*size)
	if err != nil {
		s.logger.Error("list sagas failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list sagas")
		return
	}
	if sagas == nil {
		sagas = []*saga.Saga{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: sagas, Page: page, Size: size})
}

func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sg, err := s.store.FindByID(r.Context(), id)
	s.writeSaga(w, sg, err)
}

func (s *Server) handleGetByOrderID(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	sg, err := s.store.FindByOrderID(r.Context(), orderID)
	s.writeSaga(w, sg, err)
}

func (s *Server) writeSaga(w http.ResponseWriter, sg *saga.Saga, err error) {
	if errors.Is(err, saga.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "saga not found")
		return
	}
	if err != nil {
		s.logger.Error("fetch saga failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch saga")
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]int64, len(saga.AllStatuses))
	for _, status := range saga.AllStatuses {
		count, err := s.store.CountByStatus(r.Context(), status)
		if err != nil {
			s.logger.Error("count sagas failed", "status", status, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to count sagas")
			return
		}
		stats[string(status)] = count
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Register <- conn

	// Drain client messages to notice disconnects; the feed is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister <- conn
				return
			}
		}
	}()
}

func parseQueryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
