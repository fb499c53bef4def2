package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"wata/internal/domain"
)

// StatsSource is the reporting side of the ledger.
type StatsSource interface {
	GetDayStats(ctx context.Context, day time.Time) (domain.DayStats, error)
	GetPercentOfLastNDays(ctx context.Context, n int) ([]domain.DayPercent, error)
}

const maxStatsDays = 90

type statsResponse struct {
	Today domain.DayStats     `json:"today"`
	Days  []domain.DayPercent `json:"days"`
}

// handleHealthz answers 200 while the trader is serving, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.health.Serving() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "NOT_SERVING"})
}

// handleStats returns today's closed-position statistics and the compounded
// percent of the last ?days= days (default 7).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stats unavailable"})
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxStatsDays {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be between 1 and 90"})
			return
		}
		days = n
	}

	ctx := r.Context()
	today, err := s.stats.GetDayStats(ctx, s.now())
	if err != nil {
		s.logger.Error("stats request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	percents, err := s.stats.GetPercentOfLastNDays(ctx, days)
	if err != nil {
		s.logger.Error("stats request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Today: today, Days: percents})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
