package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// MemoryStore keeps the tree in process. It backs tests and the default dev server.
type MemoryStore struct {
	logger *slog.Logger

	mu     sync.Mutex
	leaves map[string]json.RawMessage
	seq    uint64
	nextID uint64
	feeds  map[uint64]*feed
	closed bool
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		logger: o.logger,
		leaves: map[string]json.RawMessage{},
		feeds:  map[uint64]*feed{},
	}
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrInvalidInput
	}
	path = NormalizePath(path)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	f := newFeed(path, handler)
	s.nextID++
	id := s.nextID
	f.onClose = func() {
		s.mu.Lock()
		delete(s.feeds, id)
		s.mu.Unlock()
	}
	f.last = childrenOf(s.leaves, path)
	f.seq = s.seq
	s.feeds[id] = f
	f.push(snapshotEvents(path, f.last, s.seq))
	s.logger.Debug("remote - subscribe - memory", "path", path, "children", len(f.last))
	return f, nil
}

func (s *MemoryStore) Update(ctx context.Context, updates Updates) error {
	ops, err := planWrites(updates)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	touched := applyWrites(s.leaves, ops)
	s.seq++
	for _, f := range s.feeds {
		if !affects(f.path, touched) {
			continue
		}
		after := childrenOf(s.leaves, f.path)
		f.push(diffChildren(f.path, f.last, after, s.seq))
		f.last = after
		f.seq = s.seq
	}
	return nil
}

// Get returns the materialized value at path.
func (s *MemoryStore) Get(path string) (json.RawMessage, error) {
	path = NormalizePath(path)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, key := SplitPath(path)
	value, ok := childrenOf(s.leaves, parent)[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Seq returns the sequence number of the last applied update.
func (s *MemoryStore) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := make([]*feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()
	for _, f := range feeds {
		_ = f.Close()
	}
	return nil
}
