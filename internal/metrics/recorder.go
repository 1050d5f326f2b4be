// Package metrics records pipeline run metrics with Prometheus and optionally
// pushes them to a Pushgateway at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "deployctl"

// Recorder stores the metrics of pipeline runs.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	attemptsTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	artifactBytes  *prometheus.GaugeVec
	lastRunSeconds prometheus.Gauge
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by overall status and exit code.",
		}, []string{"status", "exit_code"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "status"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_attempts_total",
			Help:      "Deployment attempts by environment and outcome.",
		}, []string{"environment", "outcome", "reused"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_retries_total",
			Help:      "Transient platform errors retried, by environment.",
		}, []string{"environment"}),
		artifactBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_size_bytes",
			Help:      "Size of the last built artifact.",
		}, []string{"component", "environment"}),
		lastRunSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}

	r.registry.MustRegister(
		r.runsTotal,
		r.stageDuration,
		r.attemptsTotal,
		r.retriesTotal,
		r.artifactBytes,
		r.lastRunSeconds,
	)
	return r
}

// Registry returns the registry the metrics are registered with.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveStage records the outcome of one stage.
func (r *Recorder) ObserveStage(outcome models.StageOutcome) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(string(outcome.Stage), string(outcome.Status)).Observe(outcome.Duration.Seconds())
}

// ObserveAttempt records a finalized deployment attempt.
func (r *Recorder) ObserveAttempt(attempt *models.DeploymentAttempt) {
	if r == nil || attempt == nil {
		return
	}
	reused := "false"
	if attempt.Reused {
		reused = "true"
	}
	r.attemptsTotal.WithLabelValues(attempt.Environment, string(attempt.Outcome), reused).Inc()
	if attempt.Retries > 0 {
		r.retriesTotal.WithLabelValues(attempt.Environment).Add(float64(attempt.Retries))
	}
}

// ObserveArtifact records the size of a built artifact.
func (r *Recorder) ObserveArtifact(component, environment string, artifact *models.Artifact) {
	if r == nil || artifact == nil {
		return
	}
	r.artifactBytes.WithLabelValues(component, environment).Set(float64(artifact.Size))
}

// ObserveRun records the end of a run.
func (r *Recorder) ObserveRun(report *models.RunReport) {
	if r == nil || report == nil {
		return
	}
	r.runsTotal.WithLabelValues(string(report.Status), strconv.Itoa(report.ExitCode)).Inc()
	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	r.lastRunSeconds.Set(float64(finished.Unix()))
}

// Push sends the collected metrics to a Pushgateway, grouped by component.
// An empty url is a no-op.
func (r *Recorder) Push(ctx context.Context, url, component string) error {
	if r == nil || url == "" {
		return nil
	}
	pusher := push.New(url, namespace).
		Gatherer(r.registry).
		Grouping("component", component)
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}
