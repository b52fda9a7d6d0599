// Package observe implements an identity-keyed, non-owning publish/subscribe registry.
//
// Observers are held through weak pointers, so registering never keeps an observer alive.
// An observer that has been collected is skipped on delivery and pruned from the table,
// either eagerly by a runtime cleanup or lazily on the next register, unregister or notify.
package observe

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"weak"
)

// Observer receives change events of type E.
type Observer[E any] interface {
	Observe(event E)
}

type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report recovered observer panics.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

type entry[E any] struct {
	seq     uint64
	resolve func() Observer[E]
	cleanup runtime.Cleanup
}

// Registry fans events out to live observers. The zero value is not usable; call New.
type Registry[E any] struct {
	mu      sync.Mutex
	entries map[any]*entry[E]
	nextSeq uint64
	logger  *slog.Logger

	queueMu  sync.Mutex
	pending  []E
	draining bool
}

func New[E any](opts ...Option) *Registry[E] {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Registry[E]{
		entries: map[any]*entry[E]{},
		logger:  cfg.logger,
	}
}

// Register adds obs without taking ownership of it. Registering the same observer again
// replaces its association and keeps its delivery position.
func Register[E any, T any, PT interface {
	*T
	Observer[E]
}](r *Registry[E], obs PT) {
	if r == nil || obs == nil {
		return
	}
	ptr := (*T)(obs)
	wp := weak.Make(ptr)
	key := any(wp)
	e := &entry[E]{
		resolve: func() Observer[E] {
			if p := wp.Value(); p != nil {
				return PT(p)
			}
			return nil
		},
	}
	e.cleanup = runtime.AddCleanup(ptr, r.forget, key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.entries[key]; ok {
		prior.cleanup.Stop()
		e.seq = prior.seq
	} else {
		r.nextSeq++
		e.seq = r.nextSeq
	}
	r.entries[key] = e
	r.pruneLocked()
}

// Unregister removes obs. Unregistering an observer that is not present is a no-op.
func Unregister[E any, T any, PT interface {
	*T
	Observer[E]
}](r *Registry[E], obs PT) {
	if r == nil || obs == nil {
		return
	}
	r.remove(any(weak.Make((*T)(obs))))
}

// Bind registers obs until ctx ends, then unregisters it. The watcher only retains the
// observer's weak identity.
func Bind[E any, T any, PT interface {
	*T
	Observer[E]
}](ctx context.Context, r *Registry[E], obs PT) {
	if r == nil || obs == nil {
		return
	}
	Register[E, T, PT](r, obs)
	key := any(weak.Make((*T)(obs)))
	go func() {
		<-ctx.Done()
		r.remove(key)
	}()
}

// NotifyAll delivers event to every live observer. Publications are queued and delivered
// one at a time, so each observer sees events in publication order even when NotifyAll is
// called from inside an observer or from several goroutines.
func (r *Registry[E]) NotifyAll(event E) {
	if r == nil {
		return
	}
	r.queueMu.Lock()
	r.pending = append(r.pending, event)
	if r.draining {
		r.queueMu.Unlock()
		return
	}
	r.draining = true
	r.queueMu.Unlock()

	for {
		r.queueMu.Lock()
		if len(r.pending) == 0 {
			r.draining = false
			r.pending = nil
			r.queueMu.Unlock()
			return
		}
		next := r.pending[0]
		var zero E
		r.pending[0] = zero
		r.pending = r.pending[1:]
		r.queueMu.Unlock()
		r.deliver(next)
	}
}

// Len reports the number of live observers.
func (r *Registry[E]) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.entries)
}

// Prune drops associations whose observers are gone and returns how many were dropped.
func (r *Registry[E]) Prune() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked()
}

type liveObserver[E any] struct {
	seq uint64
	obs Observer[E]
}

func (r *Registry[E]) deliver(event E) {
	r.mu.Lock()
	live := make([]liveObserver[E], 0, len(r.entries))
	for key, e := range r.entries {
		obs := e.resolve()
		if obs == nil {
			e.cleanup.Stop()
			delete(r.entries, key)
			continue
		}
		live = append(live, liveObserver[E]{seq: e.seq, obs: obs})
	}
	r.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	for _, item := range live {
		r.deliverOne(item.obs, event)
	}
}

func (r *Registry[E]) deliverOne(obs Observer[E], event E) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("observe - notify - observer panicked", "panic", recovered)
		}
	}()
	obs.Observe(event)
}

func (r *Registry[E]) remove(key any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.cleanup.Stop()
		delete(r.entries, key)
	}
	r.pruneLocked()
}

// forget runs as a runtime cleanup once the observer is unreachable.
func (r *Registry[E]) forget(key any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

func (r *Registry[E]) pruneLocked() int {
	pruned := 0
	for key, e := range r.entries {
		if e.resolve() == nil {
			e.cleanup.Stop()
			delete(r.entries, key)
			pruned++
		}
	}
	return pruned
}
