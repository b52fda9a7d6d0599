// Package debounce coalesces bursts of triggers into a single delayed action.
package debounce

import (
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/owner"
)

type Option func(*Debouncer)

// WithExecutor runs actions on exec instead of the timer goroutine.
func WithExecutor(exec owner.Executor) Option {
	return func(d *Debouncer) {
		if exec != nil {
			d.exec = exec
		}
	}
}

// Debouncer runs only the last action of a burst, delay after the final Trigger.
type Debouncer struct {
	delay time.Duration
	exec  owner.Executor

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func New(delay time.Duration, opts ...Option) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	d := &Debouncer{
		delay: delay,
		exec:  owner.Inline{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger replaces any pending action with action and restarts the delay.
func (d *Debouncer) Trigger(action func()) {
	if action == nil {
		d.Cancel()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		d.fire(gen, action)
	})
}

// Cancel discards the pending action, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Pending reports whether an action is scheduled and not yet started.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) fire(gen uint64, action func()) {
	d.mu.Lock()
	stale := gen != d.gen
	d.mu.Unlock()
	if stale {
		return
	}
	d.exec.Post(func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.gen++
		d.mu.Unlock()
		action()
	})
}
