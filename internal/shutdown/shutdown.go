// Package shutdown coordinates graceful shutdown of the webhook server.
// On SIGTERM or SIGINT it stops accepting webhooks, waits for in-flight runs
// and then closes backing stores.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component is something serve must stop before exiting: the HTTP server,
// the run dispatcher, or a backend connection.
type Component interface {
	Name() string
	// Shutdown must return once ctx is done, even if work is abandoned.
	Shutdown(ctx context.Context) error
}

// Coordinator shuts registered components down in reverse registration
// order, one at a time, within a shared deadline.
type Coordinator struct {
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
	results      []Result
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register adds a component. Components registered last are shut down first.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("shutdown component registered", "name", component.Name())
}

// WaitForSignal blocks until SIGTERM, SIGINT or ctx cancellation, then shuts down.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		c.logger.Info("serve context done", "cause", context.Cause(ctx))
	}

	c.Shutdown()
}

// Result is the outcome of stopping one component.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
	// TimedOut is set when the component returned after the deadline.
	TimedOut bool
}

// Shutdown stops every component once, last registered first. A component
// that overruns the deadline sets the exit code to 1; later components are
// still called with the expired context so they can release resources.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)
		c.logger.Info("graceful shutdown started", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		pending := slices.Clone(c.components)
		c.mu.Unlock()
		slices.Reverse(pending)

		for _, comp := range pending {
			res := stop(ctx, comp)
			c.results = append(c.results, res)

			log := c.logger.With("name", res.Name, "duration", res.Duration)
			switch {
			case res.TimedOut:
				log.Warn("component exceeded shutdown deadline", "error", res.Err)
				c.exitCode = 1
			case res.Err != nil:
				log.Error("component shutdown failed", "error", res.Err)
			default:
				log.Info("component stopped")
			}
		}

		if c.exitCode == 0 {
			c.logger.Info("graceful shutdown finished")
		}
	})
}

func stop(ctx context.Context, comp Component) Result {
	start := time.Now()
	err := comp.Shutdown(ctx)
	return Result{
		Name:     comp.Name(),
		Err:      err,
		Duration: time.Since(start),
		TimedOut: err != nil && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil),
	}
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns 0 for a clean shutdown and 1 when the deadline was exceeded.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}

// Results returns the per-component outcomes in shutdown order. It is only
// meaningful after Wait returns.
func (c *Coordinator) Results() []Result {
	return c.results
}
