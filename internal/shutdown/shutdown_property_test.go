package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type mockComponent struct {
	name          string
	delay         time.Duration
	fail          bool
	shutdownCount int32
	order         *[]string
	mu            *sync.Mutex
}

func (m *mockComponent) Name() string {
	return m.name
}

func (m *mockComponent) Shutdown(ctx context.Context) error {
	atomic.AddInt32(&m.shutdownCount, 1)
	if m.order != nil {
		m.mu.Lock()
		*m.order = append(*m.order, m.name)
		m.mu.Unlock()
	}
	select {
	case <-time.After(m.delay):
		if m.fail {
			return errors.New("mock shutdown failed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Every registered component is shut down exactly once, in reverse
// registration order, and a clean shutdown exits 0 even when a component
// returns an ordinary error.
func TestPropertyShutdownOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("components stop once, last registered first", prop.ForAll(
		func(n int, failing int) bool {
			var (
				mu    sync.Mutex
				order []string
			)
			c := NewCoordinator(WithTimeout(time.Second), WithLogger(quietLogger()))
			comps := make([]*mockComponent, n)
			for i := range comps {
				comps[i] = &mockComponent{
					name:  string(rune('a' + i)),
					fail:  i == failing,
					order: &order,
					mu:    &mu,
				}
				c.Register(comps[i])
			}

			c.Shutdown()
			c.Shutdown()
			c.Wait()

			if c.ExitCode() != 0 || len(order) != n {
				return false
			}
			for i, comp := range comps {
				if atomic.LoadInt32(&comp.shutdownCount) != 1 {
					return false
				}
				if order[n-1-i] != comp.name {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(-1, 7),
	))

	properties.TestingRun(t)
}

func TestShutdownTimeoutExitCode(t *testing.T) {
	c := NewCoordinator(WithTimeout(30*time.Millisecond), WithLogger(quietLogger()))
	closed := false
	c.Register(NewFuncComponent("store", func(ctx context.Context) error {
		closed = true
		return nil
	}))
	c.Register(&mockComponent{name: "dispatcher", delay: 10 * time.Second})

	start := time.Now()
	c.Shutdown()
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Errorf("Shutdown() took %v, want it bounded by the timeout", elapsed)
	}
	if got := c.ExitCode(); got != 1 {
		t.Errorf("ExitCode() = %d, want 1", got)
	}
	if !closed {
		t.Error("store was not closed after the dispatcher timed out")
	}

	results := c.Results()
	if len(results) != 2 {
		t.Fatalf("Results() = %d entries, want 2", len(results))
	}
	if results[0].Name != "dispatcher" || !results[0].TimedOut {
		t.Errorf("results[0] = %+v, want the dispatcher timed out", results[0])
	}
	if results[1].Name != "store" || results[1].TimedOut || results[1].Err != nil {
		t.Errorf("results[1] = %+v, want the store closed cleanly", results[1])
	}
}

func TestWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	c := NewCoordinator(WithSignalChannel(sigCh), WithLogger(quietLogger()))
	comp := &mockComponent{name: "server"}
	c.Register(comp)

	go c.WaitForSignal(context.Background())
	sigCh <- syscall.SIGTERM

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if got := atomic.LoadInt32(&comp.shutdownCount); got != 1 {
		t.Errorf("shutdown count = %d, want 1", got)
	}
}

func TestWaitForSignalContextCancel(t *testing.T) {
	c := NewCoordinator(WithSignalChannel(make(chan os.Signal)), WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.WaitForSignal(ctx)
	c.Wait()
	if got := c.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestCloserComponent(t *testing.T) {
	cl := &closer{}
	comp := NewCloserComponent("redis", cl)
	if comp.Name() != "redis" {
		t.Errorf("Name() = %q, want redis", comp.Name())
	}
	if err := comp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !cl.closed {
		t.Error("closer was not closed")
	}
}

type hangingCloser struct{ release chan struct{} }

func (h hangingCloser) Close() error {
	<-h.release
	return nil
}

func TestCloserComponentHonorsDeadline(t *testing.T) {
	h := hangingCloser{release: make(chan struct{})}
	defer close(h.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewCloserComponent("postgres", h).Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want context.DeadlineExceeded", err)
	}
}
