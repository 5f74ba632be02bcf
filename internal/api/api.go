// Package api serves the order intake API and the admin/read endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/keeper"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/metrics"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/session"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// Server provides the REST endpoints.
type Server struct {
	keeper  *keeper.Keeper
	journal settlement.Journal
	feed    *session.Manager
	log     *zap.Logger
	metrics *metrics.Metrics
	startAt time.Time
}

// NewServer creates an API server. feed, logger and m may be nil.
func NewServer(k *keeper.Keeper, journal settlement.Journal, feed *session.Manager, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Server{
		keeper:  k,
		journal: journal,
		feed:    feed,
		log:     logger,
		metrics: m,
		startAt: time.Now(),
	}
}

// Register attaches API routes to the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("POST /orders", s.handleSubmit)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancel)
	mux.HandleFunc("POST /match", s.handleMatch)
	mux.HandleFunc("GET /settlements", s.handleSettlements)
	mux.HandleFunc("GET /settlements/{matchId}", s.handleSettlement)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.feed != nil {
		mux.Handle("GET /feed", session.Handler(s.feed))
	}
}

// Handler returns a mux with every route registered, wrapped in CORS for
// origins.
func (s *Server) Handler(origins []string) http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
