// Package dispatch runs webhook-triggered pipelines in the background, one
// goroutine per run, cancelling an older run when a newer push arrives for
// the same repository and ref.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/deployctl/internal/checkout"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/pipeline"
)

// ErrClosed is returned by Dispatch after Shutdown has started.
var ErrClosed = errors.New("dispatcher is shutting down")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) *models.RunReport
}

// CheckoutFunc fetches a commit into dest and returns its SHA.
type CheckoutFunc func(ctx context.Context, req checkout.Request, dest string) (string, error)

// Job is a request to run the pipeline for a trigger.
type Job struct {
	Trigger  models.Trigger
	CloneURL string
}

// RunInfo describes an in-flight run.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	Key       string    `json:"key"`
	SHA       string    `json:"sha"`
	StartedAt time.Time `json:"started_at"`
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

// Dispatcher owns the background runs.
type Dispatcher struct {
	runner   Runner
	checkout CheckoutFunc
	workDir  string
	token    string
	logger   *slog.Logger

	ctx       context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
	wg     sync.WaitGroup

	onFinish func(*models.RunReport)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCheckout replaces the git checkout, e.g. in tests.
func WithCheckout(fn CheckoutFunc) Option {
	return func(d *Dispatcher) {
		d.checkout = fn
	}
}

// WithToken authenticates checkouts.
func WithToken(token string) Option {
	return func(d *Dispatcher) {
		d.token = token
	}
}

// WithFinishCallback is called with every completed report.
func WithFinishCallback(fn func(*models.RunReport)) Option {
	return func(d *Dispatcher) {
		d.onFinish = fn
	}
}

// New creates a Dispatcher that checks out runs under workDir.
func New(runner Runner, workDir string, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:    runner,
		checkout:  checkout.Checkout,
		workDir:   workDir,
		logger:    logger,
		ctx:       ctx,
		cancelAll: cancel,
		active:    make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key identifies the runs that supersede each other.
func Key(t models.Trigger) string {
	return t.Repository + "@" + t.Ref
}

// Dispatch starts a run for job in the background and returns its ID.
// A run already in flight for the same repository and ref is cancelled.
func (d *Dispatcher) Dispatch(job Job) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}

	key := Key(job.Trigger)
	if prev, ok := d.active[key]; ok {
		d.logger.Info("superseding in-flight run", "key", key, "run_id", prev.info.RunID)
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(d.ctx)
	run := &activeRun{
		info: RunInfo{
			RunID:     uuid.NewString(),
			Key:       key,
			SHA:       job.Trigger.SHA,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	d.active[key] = run

	d.wg.Add(1)
	go d.execute(ctx, run, job)
	return run.info.RunID, nil
}

func (d *Dispatcher) execute(ctx context.Context, run *activeRun, job Job) {
	defer d.wg.Done()
	defer d.release(run)
	logger := d.logger.With("run_id", run.info.RunID, "key", run.info.Key)

	if err := os.MkdirAll(d.workDir, 0755); err != nil {
		logger.Error("failed to create work directory", "error", err)
		return
	}
	dir, err := os.MkdirTemp(d.workDir, "run-*")
	if err != nil {
		logger.Error("failed to create run directory", "error", err)
		return
	}
	defer os.RemoveAll(dir)

	sha, err := d.checkout(ctx, checkout.Request{
		CloneURL: job.CloneURL,
		Token:    d.token,
		SHA:      job.Trigger.SHA,
		Ref:      job.Trigger.Ref,
	}, dir)
	if err != nil {
		logger.Error("checkout failed", "error", err)
		return
	}
	trigger := job.Trigger
	if trigger.SHA == "" {
		trigger.SHA = sha
	}

	report := d.runner.Run(ctx, pipeline.Request{
		Root:    dir,
		Trigger: trigger,
		RunID:   run.info.RunID,
	})
	logger.Info("run completed", "status", report.Status, "exit_code", report.ExitCode)
	if d.onFinish != nil {
		d.onFinish(report)
	}
}

func (d *Dispatcher) release(run *activeRun) {
	run.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[run.info.Key] == run {
		delete(d.active, run.info.Key)
	}
}

// Active lists in-flight runs, oldest first.
func (d *Dispatcher) Active() []RunInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RunInfo, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Name implements shutdown.Component.
func (d *Dispatcher) Name() string {
	return "dispatcher"
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx ends
// first, remaining runs are cancelled, which marks their attempts superseded.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelAll()
		return nil
	case <-ctx.Done():
		d.cancelAll()
		<-done
		return ctx.Err()
	}
}
