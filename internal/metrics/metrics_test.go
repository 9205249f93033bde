package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/g960059/devhook/internal/model"
)

func TestCountersTrackLoopActivity(t *testing.T) {
	m := New()
	m.TickCompleted(3*time.Millisecond, 4)
	m.TickCompleted(2*time.Millisecond, 5)
	m.ProviderFailed()
	m.Transition(model.TransitionAttach)
	m.Transition(model.TransitionAttach)
	m.Transition(model.TransitionDetach)
	m.Action(string(model.ActionLaunch), model.OutcomeSucceeded)
	m.Action("Format drive", model.OutcomeSkipped)
	m.Health(model.HealthDegraded)
	m.NotificationDropped()

	if got := testutil.ToFloat64(m.ticks); got != 2 {
		t.Fatalf("ticks = %v", got)
	}
	if got := testutil.ToFloat64(m.knownDevices); got != 5 {
		t.Fatalf("known devices = %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("connect")); got != 2 {
		t.Fatalf("attach transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.actions.WithLabelValues("unrecognized", "skipped")); got != 1 {
		t.Fatalf("skipped actions = %v", got)
	}
	if got := testutil.ToFloat64(m.degraded); got != 1 {
		t.Fatalf("degraded gauge = %v", got)
	}
	m.Health(model.HealthOK)
	if got := testutil.ToFloat64(m.degraded); got != 0 {
		t.Fatalf("degraded gauge after recovery = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ProviderFailed()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "devhook_provider_failures_total 1") {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}

func TestUnrecognizedActionTypesShareOneSeries(t *testing.T) {
	m := New()
	m.Action("Format drive", model.OutcomeSkipped)
	m.Action("Lancer", model.OutcomeSkipped)
	m.Action("rm -rf", model.OutcomeSkipped)
	m.Action(string(model.ActionTerminate), model.OutcomeSucceeded)

	if got := testutil.CollectAndCount(m.actions); got != 2 {
		t.Fatalf("action series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.actions.WithLabelValues("unrecognized", "skipped")); got != 3 {
		t.Fatalf("unrecognized skipped = %v", got)
	}
}
