// Package supervise runs the background tasks of one notarization
// iteration. Each task is observable on its own, and the group provides an
// explicit join barrier. The first failing task cancels the group context.
package supervise

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"xdao.co/notarize/errs"
)

// Group supervises a set of tasks sharing one context.
type Group struct {
	g      *errgroup.Group
	ctx    context.Context
	logger *slog.Logger
}

// New returns a group whose context is derived from ctx.
func New(ctx context.Context, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Group{g: g, ctx: gctx, logger: logger}
}

// Context is cancelled when any task fails or the parent is done.
func (g *Group) Context() context.Context { return g.ctx }

// Wait blocks until every task has returned and reports the first failure.
func (g *Group) Wait() error { return g.g.Wait() }

// Task is a running background task producing a T.
type Task[T any] struct {
	name string
	done chan struct{}
	val  T
	err  error
}

// Go starts fn under g. A failure is reported as a background task error
// naming the task.
func Go[T any](g *Group, name string, fn func(ctx context.Context) (T, error)) *Task[T] {
	t := &Task[T]{name: name, done: make(chan struct{})}
	g.g.Go(func() error {
		defer close(t.done)
		v, err := fn(g.ctx)
		if err != nil {
			t.err = errs.Wrap(errs.KindBackgroundTask, "NTZ-TASK-001", fmt.Sprintf("background task %q failed", name), err)
			g.logger.Debug("background task failed", "task", name, "error", err)
			return t.err
		}
		t.val = v
		return nil
	})
	return t
}

// Name returns the task name.
func (t *Task[T]) Name() string { return t.name }

// Done is closed when the task has returned.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait returns the task's result, or ctx's error if ctx ends first.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
