package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/metrics"
)

type stubStats struct {
	err error
	n   int
}

func (s *stubStats) GetDayStats(_ context.Context, day time.Time) (domain.DayStats, error) {
	return domain.DayStats{Day: day.Format(time.DateOnly), Count: 2, AvgPerformance: 1.5}, s.err
}

func (s *stubStats) GetPercentOfLastNDays(_ context.Context, n int) ([]domain.DayPercent, error) {
	s.n = n
	return []domain.DayPercent{{Day: "2026-03-10", Percent: 1.2}}, s.err
}

func newTestServer(stats StatsSource) (*Server, *Health) {
	h := NewHealth()
	s := NewServer(config.Server{}, h, metrics.New(), stats, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return s, h
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, h := newTestServer(nil)

	if rec := get(t, s.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}

	h.SetServing(false)
	if h.Serving() {
		t.Fatal("Serving() = true after SetServing(false)")
	}
	if rec := get(t, s.Handler(), "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", rec.Code)
	}
}

func TestStats(t *testing.T) {
	stats := &stubStats{}
	s, _ := newTestServer(stats)

	rec := get(t, s.Handler(), "/stats?days=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Today.Day != "2026-03-10" || body.Today.Count != 2 {
		t.Errorf("today = %+v", body.Today)
	}
	if stats.n != 3 || len(body.Days) != 1 {
		t.Errorf("days = %d requested, %d returned", stats.n, len(body.Days))
	}

	if rec := get(t, s.Handler(), "/stats?days=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("days=0 status = %d, want 400", rec.Code)
	}

	stats.err = errors.New("db closed")
	if rec := get(t, s.Handler(), "/stats"); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing stats status = %d, want 500", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(nil)
	if rec := get(t, s.Handler(), "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", rec.Code)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	h := NewHealth()
	s := NewServer(config.Server{MetricsAddr: "127.0.0.1:0"}, h, metrics.New(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
