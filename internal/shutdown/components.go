package shutdown

import (
	"context"
	"io"
)

type funcComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func (c funcComponent) Name() string                       { return c.name }
func (c funcComponent) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// NewFuncComponent registers fn under name.
func NewFuncComponent(name string, fn func(ctx context.Context) error) Component {
	return funcComponent{name: name, fn: fn}
}

// NewCloserComponent closes c on shutdown. If ctx ends first the Close call
// is abandoned, not interrupted.
func NewCloserComponent(name string, c io.Closer) Component {
	return NewFuncComponent(name, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- c.Close() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
