package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderObserveRun(t *testing.T) {
	r := NewRecorder()
	finished := time.Date(2026, 5, 27, 15, 4, 2, 0, time.UTC)

	r.ObserveRun(&models.RunReport{Status: models.RunStatusBlocked, ExitCode: 2, FinishedAt: finished})
	r.ObserveRun(&models.RunReport{Status: models.RunStatusBlocked, ExitCode: 2, FinishedAt: finished})

	if got := testutil.ToFloat64(r.runsTotal.WithLabelValues("Blocked", "2")); got != 2 {
		t.Errorf("runs{Blocked,2} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.lastRunSeconds); got != float64(finished.Unix()) {
		t.Errorf("last run = %v, want %d", got, finished.Unix())
	}
}

func TestRecorderObserveAttempt(t *testing.T) {
	r := NewRecorder()

	r.ObserveAttempt(&models.DeploymentAttempt{Environment: "staging", Outcome: models.AttemptOutcomeSucceeded, Retries: 2})
	r.ObserveAttempt(&models.DeploymentAttempt{Environment: "staging", Outcome: models.AttemptOutcomeSucceeded, Reused: true})

	if got := testutil.ToFloat64(r.attemptsTotal.WithLabelValues("staging", "succeeded", "false")); got != 1 {
		t.Errorf("deployed attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.attemptsTotal.WithLabelValues("staging", "succeeded", "true")); got != 1 {
		t.Errorf("reused attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.retriesTotal.WithLabelValues("staging")); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestRecorderObserveStageAndArtifact(t *testing.T) {
	r := NewRecorder()

	r.ObserveStage(models.StageOutcome{Stage: models.StageBuild, Status: models.StageStatusPassed, Duration: 3 * time.Second})
	r.ObserveArtifact("api", "develop", &models.Artifact{Size: 4096})

	if got := testutil.CollectAndCount(r.stageDuration); got != 1 {
		t.Errorf("stage duration series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(r.artifactBytes.WithLabelValues("api", "develop")); got != 4096 {
		t.Errorf("artifact bytes = %v, want 4096", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveRun(&models.RunReport{})
	r.ObserveAttempt(&models.DeploymentAttempt{})
	r.ObserveStage(models.StageOutcome{})
	r.ObserveArtifact("a", "b", &models.Artifact{})

	if r.Registry() != nil {
		t.Error("Registry() on a nil recorder is not nil")
	}
	if err := r.Push(context.Background(), "http://unused", "api"); err != nil {
		t.Errorf("Push() on a nil recorder error = %v", err)
	}
}

func TestRecorderPush(t *testing.T) {
	var (
		method string
		path   string
		body   string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		method = req.Method
		path = req.URL.Path
		b, _ := io.ReadAll(req.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	r := NewRecorder()
	r.ObserveRun(&models.RunReport{Status: models.RunStatusPassed, FinishedAt: time.Now()})

	if err := r.Push(context.Background(), gateway.URL, "api"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if method != http.MethodPost {
		t.Errorf("method = %s, want POST", method)
	}
	if !strings.HasPrefix(path, "/metrics/job/deployctl") || !strings.Contains(path, "/component/api") {
		t.Errorf("path = %q, want the deployctl job grouped by component", path)
	}
	if body == "" {
		t.Error("pushed an empty body")
	}

	if err := r.Push(context.Background(), "", "api"); err != nil {
		t.Errorf("Push() without a gateway error = %v", err)
	}
}
