// Package loader fetches opaque resources (avatars, profile images) for fetch slots.
//
// A slot holds at most one in-flight fetch. Loading into a busy slot cancels the
// previous fetch first, and a cancelled or superseded fetch never reports back.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/relaysync/internal/owner"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrTransport    = errors.New("resource transport failure")
	ErrInvalidInput = errors.New("invalid input")
)

// TransportError is a failed fetch that was not a not-found.
type TransportError struct {
	Key        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http %d: %v", e.Key, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Fetcher retrieves the bytes stored under key. It returns ErrNotFound for missing keys.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

type Result struct {
	Slot string
	Key  string
	Data []byte
	Err  error
}

type Option func(*Loader)

// WithExecutor delivers results on exec. The default runs them on the fetch goroutine.
func WithExecutor(exec owner.Executor) Option {
	return func(l *Loader) {
		if exec != nil {
			l.exec = exec
		}
	}
}

// WithCache keeps fetched bytes for ttl, holding at most capacity entries.
func WithCache(ttl time.Duration, capacity uint64) Option {
	return func(l *Loader) {
		if ttl <= 0 {
			return
		}
		opts := []ttlcache.Option[string, []byte]{ttlcache.WithTTL[string, []byte](ttl)}
		if capacity > 0 {
			opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
		}
		l.cache = ttlcache.New[string, []byte](opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type inflight struct {
	id     uint64
	cancel context.CancelFunc
}

type Loader struct {
	fetcher Fetcher
	exec    owner.Executor
	cache   *ttlcache.Cache[string, []byte]
	logger  *slog.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	nextID uint64
	slots  map[string]inflight
	closed bool
}

func New(fetcher Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher: fetcher,
		exec:    owner.Inline{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("relaysync/loader"),
		slots:   map[string]inflight{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cache != nil {
		go l.cache.Start()
	}
	return l
}

// Handle refers to one Load call.
type Handle struct {
	loader *Loader
	slot   string
	id     uint64
}

// Cancel cancels the fetch if it is still the slot's current one.
func (h *Handle) Cancel() {
	if h == nil || h.loader == nil {
		return
	}
	h.loader.cancelIf(h.slot, h.id)
}

func (h *Handle) Slot() string {
	if h == nil {
		return ""
	}
	return h.slot
}

// Load fetches key for slot and reports through done on the executor. Any fetch already
// in flight for slot is cancelled first and will not report.
func (l *Loader) Load(ctx context.Context, slot, key string, done func(Result)) *Handle {
	key = strings.TrimSpace(key)
	fetchCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	if prev, ok := l.slots[slot]; ok {
		prev.cancel()
	}
	l.nextID++
	id := l.nextID
	closed := l.closed
	if !closed {
		l.slots[slot] = inflight{id: id, cancel: cancel}
	}
	l.mu.Unlock()

	handle := &Handle{loader: l, slot: slot, id: id}
	if closed {
		cancel()
		return handle
	}

	switch {
	case slot == "":
		go l.finish(fetchCtx, Result{Slot: slot, Key: key, Err: fmt.Errorf("%w: empty slot", ErrInvalidInput)}, id, done)
	case key == "":
		// Absent keys fail fast without touching the fetcher.
		go l.finish(fetchCtx, Result{Slot: slot, Key: key, Err: ErrNotFound}, id, done)
	default:
		if data, ok := l.cached(key); ok {
			go l.finish(fetchCtx, Result{Slot: slot, Key: key, Data: data}, id, done)
			break
		}
		go l.fetch(fetchCtx, slot, key, id, done)
	}
	return handle
}

func (l *Loader) fetch(ctx context.Context, slot, key string, id uint64, done func(Result)) {
	ctx, span := l.tracer.Start(ctx, "loader.fetch", trace.WithAttributes(
		attribute.String("resource.key", key),
		attribute.String("resource.slot", slot),
	))
	defer span.End()

	data, err := l.fetcher.Fetch(ctx, key)
	if ctx.Err() != nil {
		span.SetStatus(codes.Unset, "cancelled")
		l.cancelIf(slot, id)
		return
	}
	if err != nil {
		err = classify(key, err)
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			l.logger.Warn("loader - fetch - failed", "key", key, "slot", slot, "error", err)
		}
	} else if l.cache != nil {
		l.cache.Set(key, data, ttlcache.DefaultTTL)
	}
	l.finish(ctx, Result{Slot: slot, Key: key, Data: data, Err: err}, id, done)
}

func classify(key string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Key: key, Err: err}
}

// finish hands the result to the executor, where it is delivered only if the fetch is
// still current for its slot.
func (l *Loader) finish(ctx context.Context, result Result, id uint64, done func(Result)) {
	if ctx.Err() != nil {
		l.cancelIf(result.Slot, id)
		return
	}
	l.exec.Post(func() {
		l.mu.Lock()
		current, ok := l.slots[result.Slot]
		if !ok || current.id != id {
			l.mu.Unlock()
			return
		}
		delete(l.slots, result.Slot)
		l.mu.Unlock()
		current.cancel()
		if done != nil {
			done(result)
		}
	})
}

func (l *Loader) cached(key string) ([]byte, bool) {
	if l.cache == nil {
		return nil, false
	}
	item := l.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Cancel cancels the fetch in flight for slot, if any. It never calls back.
func (l *Loader) Cancel(slot string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.slots[slot]; ok {
		current.cancel()
		delete(l.slots, slot)
	}
}

func (l *Loader) cancelIf(slot string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.slots[slot]; ok && current.id == id {
		current.cancel()
		delete(l.slots, slot)
	}
}

// InFlight reports how many slots have a pending fetch.
func (l *Loader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Invalidate drops key from the cache.
func (l *Loader) Invalidate(key string) {
	if l.cache == nil {
		return
	}
	l.cache.Delete(strings.TrimSpace(key))
}

// Close cancels every pending fetch and stops the cache janitor.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for slot, current := range l.slots {
		current.cancel()
		delete(l.slots, slot)
	}
	l.mu.Unlock()
	if l.cache != nil {
		l.cache.Stop()
	}
}
