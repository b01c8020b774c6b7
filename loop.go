// pycomplete/loop.go
// Single-goroutine event loop standing in for the editor UI thread.
package pycomplete

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Poster schedules a callback on the UI context.
type Poster interface {
	Post(fn func()) error
}

// Loop is a cooperative single-goroutine executor standing in for the editor's
// UI thread. Callbacks run one at a time in the order they were posted. Post
// never blocks, so background workers can hand results over at any time.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewLoop creates a loop. Call Run to start executing callbacks.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With("component", "Loop"),
	}
}

// Post queues fn for execution on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes callbacks until ctx is done or Stop is called. Callbacks still
// queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return nil
		}
		for _, fn := range batch {
			if l.isStopped() {
				return nil
			}
			l.execute(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Stop makes Run return after the callback currently executing, if any.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic recovered in loop callback", "panic_value", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
