// Package syncstore mirrors remote collections into local maps scoped to a session.
//
// A Store subscribes to one or more remote paths for the active session, keeps the
// latest snapshot per child of each path and publishes every applied change through an
// observe registry. Events are applied on the owner executor, never concurrently. The
// store counts as synced once every followed path has delivered its initial snapshot.
package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/observe"
	"github.com/agentworkforce/relaysync/internal/owner"
	"github.com/agentworkforce/relaysync/internal/remote"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotListening = errors.New("store not listening")
)

// Decoder turns the payload of a child of path into an entity.
type Decoder[T any] func(path, key string, payload json.RawMessage) (T, error)

// PathsFunc lists the remote paths a store follows for a session.
type PathsFunc func(sessionID string) []string

// Change describes one applied event. Previous is the zero value when the identity was
// not present before.
type Change[T any] struct {
	Path     string
	ID       string
	Kind     remote.Kind
	Entity   T
	Previous T
	Seq      uint64
}

type Option func(*options)

type options struct {
	exec   owner.Executor
	logger *slog.Logger
	name   string
}

// WithExecutor applies events and notifies observers on exec.
func WithExecutor(exec owner.Executor) Option {
	return func(o *options) {
		if exec != nil {
			o.exec = exec
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName labels the store in logs and spans.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// entry is one child of a followed path.
type entry[T any] struct {
	path  string
	id    string
	value T
}

type Store[T any] struct {
	subscriber remote.Subscriber
	paths      PathsFunc
	decode     Decoder[T]
	exec       owner.Executor
	logger     *slog.Logger
	tracer     trace.Tracer
	name       string
	registry   *observe.Registry[Change[T]]

	mu        sync.Mutex
	session   string
	listening bool
	gen       uint64
	subs      []remote.Subscription
	followed  []string
	items     map[string]entry[T]
	lastSeq   map[string]uint64

	// Per generation: pending lists followed paths whose snapshot has not landed yet,
	// synced is closed when it empties and stopped when the generation ends.
	pending map[string]struct{}
	synced  chan struct{}
	stopped chan struct{}
}

func New[T any](subscriber remote.Subscriber, paths PathsFunc, decode Decoder[T], opts ...Option) *Store[T] {
	o := options{exec: owner.Inline{}, logger: slog.Default(), name: "store"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		subscriber: subscriber,
		paths:      paths,
		decode:     decode,
		exec:       o.exec,
		logger:     o.logger.With("store", o.name),
		tracer:     otel.Tracer("relaysync/syncstore"),
		name:       o.name,
		registry:   observe.New[Change[T]](observe.WithLogger(o.logger)),
		items:      map[string]entry[T]{},
		lastSeq:    map[string]uint64{},
		synced:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Registry is where observers of this store's changes register.
func (s *Store[T]) Registry() *observe.Registry[Change[T]] {
	return s.registry
}

// StartListening subscribes to the store's paths for sessionID. Calling it again for the
// active session does nothing; calling it for another session tears the current
// subscriptions down and empties the collection first. ctx bounds only the set-up.
func (s *Store[T]) StartListening(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidInput)
	}

	s.mu.Lock()
	if s.listening && s.session == sessionID {
		s.mu.Unlock()
		return nil
	}
	stale := s.resetLocked()
	paths := followedPaths(s.paths(sessionID))
	s.session = sessionID
	s.listening = true
	s.followed = paths
	for _, path := range paths {
		s.pending[path] = struct{}{}
	}
	if len(s.pending) == 0 {
		close(s.synced)
	}
	gen := s.gen
	s.mu.Unlock()
	closeAll(stale)

	ctx, span := s.tracer.Start(ctx, "syncstore.start_listening", trace.WithAttributes(
		attribute.String("store.name", s.name),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	subs, err := s.subscribeAll(ctx, gen, paths)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
		s.logger.ErrorContext(ctx, "syncstore - start listening - subscribe failed", "session", sessionID, "error", err)
		closeAll(subs)
		s.mu.Lock()
		if s.gen == gen {
			s.resetLocked()
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		// Cleared or switched while subscribing.
		s.mu.Unlock()
		closeAll(subs)
		return nil
	}
	s.subs = subs
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "syncstore - start listening - subscribed", "session", sessionID, "paths", len(subs))
	return nil
}

func (s *Store[T]) subscribeAll(ctx context.Context, gen uint64, paths []string) ([]remote.Subscription, error) {
	var mu sync.Mutex
	subs := make([]remote.Subscription, 0, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	for _, path := range paths {
		group.Go(func() error {
			sub, err := s.subscriber.Subscribe(groupCtx, path, s.handler(gen))
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", path, err)
			}
			mu.Lock()
			subs = append(subs, sub)
			mu.Unlock()
			return nil
		})
	}
	err := group.Wait()
	return subs, err
}

func (s *Store[T]) handler(gen uint64) remote.Handler {
	return func(event remote.Event) {
		s.exec.Post(func() {
			s.apply(gen, event)
		})
	}
}

func (s *Store[T]) apply(gen uint64, event remote.Event) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if event.Kind == remote.Synced {
		s.markSyncedLocked(event.Path)
		s.mu.Unlock()
		return
	}
	id := event.Key
	ref := event.Path + "/" + id
	if last, ok := s.lastSeq[ref]; ok && event.Seq < last {
		s.mu.Unlock()
		s.logger.Debug("syncstore - apply - stale event dropped", "path", event.Path, "id", id, "seq", event.Seq, "last", last)
		return
	}

	change := Change[T]{Path: event.Path, ID: id, Seq: event.Seq}
	previous, existed := s.items[ref]
	switch event.Kind {
	case remote.Added, remote.Changed:
		entity, err := s.decode(event.Path, id, event.Payload)
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("syncstore - apply - undecodable payload skipped", "path", event.Path, "id", id, "error", err)
			return
		}
		s.items[ref] = entry[T]{path: event.Path, id: id, value: entity}
		s.lastSeq[ref] = event.Seq
		change.Entity = entity
		change.Kind = remote.Added
		if existed {
			change.Kind = remote.Changed
			change.Previous = previous.value
		}
	case remote.Removed:
		s.lastSeq[ref] = event.Seq
		if !existed {
			s.mu.Unlock()
			return
		}
		delete(s.items, ref)
		change.Kind = remote.Removed
		change.Previous = previous.value
	default:
		s.mu.Unlock()
		s.logger.Warn("syncstore - apply - unknown event kind", "kind", event.Kind, "id", id)
		return
	}
	s.mu.Unlock()
	s.registry.NotifyAll(change)
}

func (s *Store[T]) markSyncedLocked(path string) {
	if _, ok := s.pending[path]; !ok {
		return
	}
	delete(s.pending, path)
	if len(s.pending) == 0 {
		close(s.synced)
		s.logger.Debug("syncstore - apply - synced", "session", s.session)
	}
}

// Clear drops the subscriptions and empties the collection. The registry and its
// observers are kept; a later StartListening resumes delivery to them.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	stale := s.resetLocked()
	s.mu.Unlock()
	closeAll(stale)
}

// resetLocked invalidates the current generation and returns its subscriptions.
func (s *Store[T]) resetLocked() []remote.Subscription {
	s.gen++
	stale := s.subs
	s.subs = nil
	s.session = ""
	s.listening = false
	s.followed = nil
	s.items = map[string]entry[T]{}
	s.lastSeq = map[string]uint64{}
	s.pending = map[string]struct{}{}
	close(s.stopped)
	s.synced = make(chan struct{})
	s.stopped = make(chan struct{})
	return stale
}

// followedPaths normalizes and dedupes the paths of a session, keeping their order.
func followedPaths(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	paths := make([]string, 0, len(raw))
	for _, path := range raw {
		path = remote.NormalizePath(path)
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	return paths
}

func closeAll(subs []remote.Subscription) {
	for _, sub := range subs {
		if sub != nil {
			_ = sub.Close()
		}
	}
}

// Get returns id from the first followed path that holds it.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range s.followed {
		if e, ok := s.items[path+"/"+id]; ok {
			return e.value, true
		}
	}
	var zero T
	return zero, false
}

// GetAt returns the child id of one followed path.
func (s *Store[T]) GetAt(path, id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[remote.NormalizePath(path)+"/"+id]
	return e.value, ok
}

// Items returns the collection ordered by identity, then by path.
func (s *Store[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]entry[T], 0, len(s.items))
	for _, e := range s.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].id != entries[j].id {
			return entries[i].id < entries[j].id
		}
		return entries[i].path < entries[j].path
	})
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.value)
	}
	return out
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Session returns the session being listened to, or "".
func (s *Store[T]) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Store[T]) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Synced reports whether every followed path has delivered its initial snapshot for the
// current session.
func (s *Store[T]) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return false
	}
	select {
	case <-s.synced:
		return true
	default:
		return false
	}
}

// WaitSynced blocks until the current session's snapshots have been applied. It fails
// with ErrNotListening when the store is not listening or stops before that.
func (s *Store[T]) WaitSynced(ctx context.Context) error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return ErrNotListening
	}
	synced, stopped := s.synced, s.stopped
	s.mu.Unlock()
	select {
	case <-synced:
		return nil
	case <-stopped:
		return ErrNotListening
	case <-ctx.Done():
		return ctx.Err()
	}
}
