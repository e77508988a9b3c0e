package telemetry

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsRecording tests that run and remote metrics are recorded
func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", Path: "/metrics"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRunStarted("deploy")
	m.RecordRunCompleted("deploy", "succeeded", 3*time.Second)
	m.RecordRemoteCall("build", "task_status", 10*time.Millisecond, nil)
	m.RecordRemoteCall("build", "task_status", 10*time.Millisecond, errors.New("boom"))
	m.RecordReconciliationFailure("failed")

	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("deploy", "succeeded")); got != 1 {
		t.Errorf("expected 1 completed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("expected 0 active runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.remoteErrors.WithLabelValues("build", "task_status")); got != 1 {
		t.Errorf("expected 1 remote error, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_deploy_runs_completed_total") {
		t.Error("metrics endpoint does not expose run counter")
	}
}

// TestMetricsNilSafe tests that disabled and nil metrics never panic
func TestMetricsNilSafe(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordRunStarted("deploy")
	nilMetrics.RecordPollAttempts("completed", 3)
	nilMetrics.RecordPolicyDecision("allow")

	disabled, _ := NewMetrics(MetricsConfig{Enabled: false})
	disabled.RecordRunCompleted("deploy", "failed", time.Second)
	disabled.RecordStageTransition("polling")

	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 from disabled metrics, got %d", rec.Code)
	}
}
