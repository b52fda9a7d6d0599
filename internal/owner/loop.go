// Package owner provides the serial execution context that owns UI-facing state.
//
// Remote subscriptions, fetches and timers run on background goroutines. Anything they
// produce for listeners is posted to an Executor so that collections, registries and
// completion handlers are only ever touched from one logical context.
package owner

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Call when the loop stops before running the function.
var ErrClosed = errors.New("owner loop stopped")

// Executor runs functions on the owner context.
type Executor interface {
	Post(fn func())
}

// Inline runs posted functions immediately on the calling goroutine.
type Inline struct{}

func (Inline) Post(fn func()) {
	if fn != nil {
		fn()
	}
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Post(fn func()) {
	f(fn)
}

// Loop is an unbounded FIFO executor drained by a single goroutine. Post never blocks.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. Functions posted after the loop stopped are dropped.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx ends. Pending functions are discarded on exit.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
			if ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.wake:
		}
	}
}

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Len reports the number of queued functions.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Call posts fn and waits for it to run on the loop, or for ctx to end. When exec
// reports its end through Done, Call fails with ErrClosed once exec has stopped without
// running fn.
func Call(ctx context.Context, exec Executor, fn func()) error {
	finished := make(chan struct{})
	exec.Post(func() {
		defer close(finished)
		fn()
	})
	var stopped <-chan struct{}
	if d, ok := exec.(interface{ Done() <-chan struct{} }); ok {
		stopped = d.Done()
	}
	select {
	case <-finished:
		return nil
	case <-stopped:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
