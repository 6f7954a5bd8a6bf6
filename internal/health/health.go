// Package health serves /health and /stats, reporting cache reachability,
// rebuild freshness, and reputation budget usage the way the original
// service's health endpoint reports database connectivity and API usage.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/preprocessor"
	"ioctaxii/internal/reputation"
)

// Status mirrors the original service's three-state health model:
// healthy, degraded (budget exhausted, a failed last rebuild, or a stale
// rebuild), unhealthy (cache unreachable).
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// RebuildStats is an alias of preprocessor.Stats, the rebuild outcome
// the health and stats endpoints report from.
type RebuildStats = preprocessor.Stats

// Reporter supplies the preprocessor's latest rebuild outcome.
type Reporter interface {
	Stats() RebuildStats
}

// Server answers /health and /stats from the cache, the reputation
// client's budget state, and the preprocessor's last rebuild stats.
type Server struct {
	cache      cache.Cache
	reputation *reputation.Client
	preproc    Reporter
	interval   time.Duration
}

func New(c cache.Cache, rep *reputation.Client, preproc Reporter, interval time.Duration) *Server {
	return &Server{cache: c, reputation: rep, preproc: preproc, interval: interval}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
}

type healthResponse struct {
	Status            Status    `json:"status"`
	CacheReachable    bool      `json:"cache_reachable"`
	Timestamp         time.Time `json:"timestamp"`
	LastRebuildAt     time.Time `json:"last_rebuild_at,omitempty"`
	DailyRequestsUsed int       `json:"daily_requests_used"`
	DailyRequestsCap  int       `json:"daily_requests_limit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.cache.Get(ctx, "health:probe"); err != nil && err != cache.ErrMiss {
		resp.Status = StatusUnhealthy
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.CacheReachable = true

	if s.reputation != nil {
		if budget, err := s.reputation.BudgetState(ctx); err == nil {
			resp.DailyRequestsUsed = budget.RequestsUsed
			resp.DailyRequestsCap = budget.Limit
			if budget.Exhausted() {
				resp.Status = StatusDegraded
			}
		}
	}

	if s.preproc != nil {
		stats := s.preproc.Stats()
		resp.LastRebuildAt = stats.FinishedAt
		if stats.Err != nil {
			resp.Status = StatusDegraded
		} else if !stats.FinishedAt.IsZero() && time.Since(stats.FinishedAt) > 3*s.interval {
			resp.Status = StatusDegraded
		}
	}

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statsResponse struct {
	Indicators struct {
		Total          int     `json:"total"`
		HighConfidence int     `json:"high_confidence"`
		GeoEnrichedPct float64 `json:"geo_enriched_percentage"`
	} `json:"indicators"`
	Reputation struct {
		DailyRequestsUsed int  `json:"daily_requests_used"`
		DailyRequestsCap  int  `json:"daily_requests_limit"`
		BudgetExhausted   bool `json:"budget_exhausted"`
	} `json:"reputation"`
	LastRebuild struct {
		StartedAt  time.Time     `json:"started_at"`
		FinishedAt time.Time     `json:"finished_at"`
		Duration   time.Duration `json:"duration_ms"`
	} `json:"last_rebuild"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse

	if s.preproc != nil {
		stats := s.preproc.Stats()
		resp.Indicators.Total = stats.IndicatorCount
		resp.Indicators.HighConfidence = stats.HighConfidence
		resp.Indicators.GeoEnrichedPct = roundPct(stats.GeoSuccessRatio * 100)
		resp.LastRebuild.StartedAt = stats.StartedAt
		resp.LastRebuild.FinishedAt = stats.FinishedAt
		resp.LastRebuild.Duration = stats.FinishedAt.Sub(stats.StartedAt) / time.Millisecond
		resp.Reputation.BudgetExhausted = stats.BudgetExhausted
	}

	if s.reputation != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if budget, err := s.reputation.BudgetState(ctx); err == nil {
			resp.Reputation.DailyRequestsUsed = budget.RequestsUsed
			resp.Reputation.DailyRequestsCap = budget.Limit
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func roundPct(v float64) float64 {
	return float64(int(v*100)) / 100
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
