package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordRunStatus("failed")
	if got := testutil.ToFloat64(a.RunTerminalStatusTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(b.RunTerminalStatusTotal.WithLabelValues("failed")); got != 0 {
		t.Fatalf("expected registries to be independent, got %v", got)
	}
}

func TestRecordProviderCall_Status(t *testing.T) {
	m := NewMetrics()
	m.RecordProviderCall("complete", time.Millisecond, nil)
	m.RecordProviderCall("complete", time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.ProviderCallsTotal.WithLabelValues("complete", "ok")); got != 1 {
		t.Errorf("expected 1 ok call, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderCallsTotal.WithLabelValues("complete", "error")); got != 1 {
		t.Errorf("expected 1 failed call, got %v", got)
	}
}

func TestTurnStarted_InFlightGauge(t *testing.T) {
	m := NewMetrics()
	done := m.TurnStarted()
	if got := testutil.ToFloat64(m.TurnsInFlight); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	done()
	if got := testutil.ToFloat64(m.TurnsInFlight); got != 0 {
		t.Fatalf("expected 0 in flight, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTurn("replay", "text", "ok", time.Second)
	m.RecordStoreOperation("messages", "insert", time.Millisecond, nil)
	m.TurnStarted()()
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordTurn("replay", "text", "ok", time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `relay_turns_total{kind="text",outcome="ok",strategy="replay"} 1`) {
		t.Fatalf("expected turn counter in exposition, got:\n%s", body)
	}
}
