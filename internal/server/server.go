package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxsub/voxsub/internal/archive"
	"github.com/voxsub/voxsub/internal/health"
	"github.com/voxsub/voxsub/internal/observe"
	"github.com/voxsub/voxsub/internal/pipeline"
)

// TranscriptStore is the durable transcript backend queried by the API.
// [*archive.Store] satisfies it.
type TranscriptStore interface {
	Recent(ctx context.Context, room string, limit int) ([]archive.Entry, error)
	SearchSimilar(ctx context.Context, room, query string, limit int) ([]archive.Entry, error)
}

// Config holds HTTP server parameters.
type Config struct {
	// Addr is the listen address, e.g. ":8081".
	Addr string

	// OriginPatterns are the origins allowed to open websocket
	// connections. Empty means same-origin only.
	OriginPatterns []string

	// ReadHeaderTimeout guards against slow-header clients. Defaults to
	// 10s.
	ReadHeaderTimeout time.Duration
}

// Server is the voxsub HTTP frontend.
type Server struct {
	cfg     Config
	manager *pipeline.Manager
	hub     *Hub
	store   TranscriptStore
	healthH *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger

	httpSrv *http.Server
}

// New assembles the server. store may be nil, in which case the transcript
// API responds 404.
func New(cfg Config, manager *pipeline.Manager, hub *Hub, store TranscriptStore, healthH *health.Handler, metrics *observe.Metrics, log *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8081"
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if healthH == nil {
		healthH = health.New()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		hub:     hub,
		store:   store,
		healthH: healthH,
		metrics: metrics,
		log:     log,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the full route tree wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.healthH.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/{room}", s.handleWS)
	mux.HandleFunc("GET /api/rooms/{room}/transcripts", s.handleTranscripts)
	mux.HandleFunc("GET /api/rooms/{room}/search", s.handleSearch)
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// transcriptsResponse is the JSON body of the transcript endpoints.
type transcriptsResponse struct {
	Room    string          `json:"room"`
	Entries []archive.Entry `json:"entries"`
}

// handleTranscripts serves GET /api/rooms/{room}/transcripts?limit=N from
// the archive.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "transcript archive not configured", http.StatusNotFound)
		return
	}
	roomID := r.PathValue("room")
	limit := queryInt(r, "limit", 50)

	entries, err := s.store.Recent(r.Context(), roomID, limit)
	if err != nil {
		observe.Logger(r.Context()).Error("listing transcripts failed",
			"room", roomID, "error", err)
		http.Error(w, "listing transcripts failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, transcriptsResponse{Room: roomID, Entries: orEmpty(entries)})
}

// handleSearch serves GET /api/rooms/{room}/search?q=...&limit=N using
// embedding similarity over archived utterances.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "transcript archive not configured", http.StatusNotFound)
		return
	}
	roomID := r.PathValue("room")
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 10)

	entries, err := s.store.SearchSimilar(r.Context(), roomID, query, limit)
	if err != nil {
		observe.Logger(r.Context()).Error("transcript search failed",
			"room", roomID, "error", err)
		http.Error(w, "transcript search failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, transcriptsResponse{Room: roomID, Entries: orEmpty(entries)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func orEmpty(entries []archive.Entry) []archive.Entry {
	if entries == nil {
		return []archive.Entry{}
	}
	return entries
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response failed", http.StatusInternalServerError)
	}
}
