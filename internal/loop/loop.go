// Package loop runs closures one at a time on a dedicated goroutine.
//
// The scheduler is not safe for concurrent use; every caller outside the
// loop's goroutine (HTTP handlers, timer callbacks) posts its work here
// instead of taking a lock.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrLoopClosed is returned for work submitted after Close.
var ErrLoopClosed = errors.New("loop closed")

type Loop struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New creates a loop whose queue holds up to backlog tasks before Post
// blocks.
func New(logger *slog.Logger, backlog int) *Loop {
	if backlog <= 0 {
		backlog = 256
	}
	return &Loop{
		tasks:  make(chan func(), backlog),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes posted tasks until ctx is cancelled or Close is called.
// It must be called exactly once.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Post queues fn without waiting for it.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrLoopClosed
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrLoopClosed
	}
}

const (
	callQueued int32 = iota
	callRunning
	callAbandoned
)

// Call runs fn on the loop and waits for it to finish. A panic inside fn is
// returned as an error.
//
// If ctx ends while fn is still queued, fn is skipped and ctx.Err() is
// returned. Once fn has started, Call waits for it, so an error never hides
// work that was done.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	result := make(chan error, 1)
	var state atomic.Int32
	err := l.Post(func() {
		if !state.CompareAndSwap(callQueued, callRunning) {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("loop task panicked: %v", r)
			}
		}()
		fn()
		result <- nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(callQueued, callAbandoned) {
			return ctx.Err()
		}
		// fn already started; Run does not return until it finishes.
		return <-result
	case <-l.done:
		if state.CompareAndSwap(callQueued, callAbandoned) {
			return ErrLoopClosed
		}
		return <-result
	}
}

// Close stops the loop. Queued tasks that have not started are dropped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop stops accepting work.
func (l *Loop) Done() <-chan struct{} { return l.done }
