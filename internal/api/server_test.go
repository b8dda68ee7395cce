package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"binance-signal-engine/internal/engine"
	"binance-signal-engine/internal/market"
	"binance-signal-engine/internal/risk"
)

type fakeService struct {
	status engine.StatusSnapshot
}

func (f *fakeService) Status() engine.StatusSnapshot { return f.status }

type fakeRisk struct {
	summary risk.Summary
	err     error
}

func (f *fakeRisk) TodaySummary() (risk.Summary, error) { return f.summary, f.err }

type fakeBuffers struct{}

func (fakeBuffers) BufferSizes(symbol string) (int, int) { return 42, 240 }

func newTestServer(clockState string, riskErr error) *Server {
	svc := &fakeService{status: engine.StatusSnapshot{
		RunID:     "run-1",
		StartedAt: time.Now().UTC().Add(-time.Minute),
		Ticks:     7,
		Mode:      market.ModeWS,
		Clock:     market.ClockStatus{State: clockState, SkewMS: 120},
	}}
	rk := &fakeRisk{
		summary: risk.Summary{Date: "2026-08-26", CardsCount: 3, RealizedLossUSDT: 12.5},
		err:     riskErr,
	}
	return NewServer(
		ServerConfig{ListenAddr: "127.0.0.1:0", ProductionMode: true},
		[]string{"BTCUSDT"},
		svc, rk, fakeBuffers{}, prometheus.NewRegistry(), zerolog.Nop(),
	)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzSynced(t *testing.T) {
	s := newTestServer(market.ClockSynced, nil)
	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["mode"] != market.ModeWS {
		t.Fatalf("body = %v", body)
	}
	buffers, ok := body["buffers"].(map[string]any)
	if !ok || buffers["BTCUSDT"] == nil {
		t.Fatalf("buffers = %v", body["buffers"])
	}
}

func TestHealthzDegradedClock(t *testing.T) {
	s := newTestServer(market.ClockDegraded, nil)
	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(market.ClockSynced, nil)
	rec := get(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status engine.StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.RunID != "run-1" || status.Ticks != 7 {
		t.Fatalf("status = %+v", status)
	}
}

func TestRiskEndpoint(t *testing.T) {
	s := newTestServer(market.ClockSynced, nil)
	rec := get(t, s, "/risk")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var summary risk.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.CardsCount != 3 || summary.RealizedLossUSDT != 12.5 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRiskEndpointStateError(t *testing.T) {
	s := newTestServer(market.ClockSynced, errors.New("corrupt state"))
	rec := get(t, s, "/risk")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(market.ClockSynced, nil)
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
