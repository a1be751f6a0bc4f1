// Package api exposes the cached requests and aggregates over REST/JSON.
// All reads go straight to the state store; this layer adds routing, the
// API-key gate, and the "all" pseudo-city.
package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/civiclens/backend/internal/store"
)

const (
	pseudoCityAll      = "all"
	defaultRecentLimit = 100
	maxRecentLimit     = 500
)

// Server serves the read surface over the state store.
type Server struct {
	store   *store.Store
	cities  map[string]string
	apiKeys map[string]struct{}
	metrics http.Handler
}

// NewServer wires the read API. metricsHandler serves GET /metrics
// (typically promhttp); pass nil to disable.
func NewServer(st *store.Store, cities map[string]string, apiKeys []string, metricsHandler http.Handler) *Server {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = struct{}{}
	}
	return &Server{store: st, cities: cities, apiKeys: keys, metrics: metricsHandler}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(apiKeyMiddleware(s.apiKeys))
	v1.HandleFunc("/cities", s.handleCities).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{city}", s.handleRequests).Methods(http.MethodGet)
	v1.HandleFunc("/stats/{city}", s.handleStats).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "connected"
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		redisStatus = "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status": "healthy",
		"redis":  redisStatus,
	})
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.cities))
	for name := range s.cities {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"cities": names})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]

	if city == pseudoCityAll {
		records, err := s.store.GetRecentRequests(r.Context(), recentLimit(r))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(records)})
		return
	}

	if _, ok := s.cities[city]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown city"})
		return
	}

	records, err := s.store.MGetRequests(r.Context(), city)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(records)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]

	var (
		stats store.Stats
		err   error
	)
	if city == pseudoCityAll {
		stats, err = s.store.GetGlobalStats(r.Context())
	} else {
		if _, ok := s.cities[city]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown city"})
			return
		}
		stats, err = s.store.GetCityStats(r.Context(), city)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func recentLimit(r *http.Request) int {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			limit = n
		}
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return limit
}

// nonNil keeps empty result sets rendering as [] instead of null.
func nonNil(records []store.Record) []store.Record {
	if records == nil {
		return []store.Record{}
	}
	return records
}
