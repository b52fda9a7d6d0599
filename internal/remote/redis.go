package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultPrefix    = "relaysync"
	redisStreamMaxLen     = 10000
	redisTailBlock        = 2 * time.Second
	redisUpdateMaxRetries = 5
	redisPingTimeout      = 5 * time.Second
)

// RedisStore keeps leaves in one hash, a counter for the sequence and a stream of
// change notices that subscribers tail.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger

	tailMu  sync.Mutex
	tailing bool
	stop    context.CancelFunc
	stopped chan struct{}

	mu     sync.Mutex
	nextID uint64
	feeds  map[uint64]*feed
	closed bool
}

func NewRedisStore(ctx context.Context, dsn string, opts ...Option) (*RedisStore, error) {
	parsed, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: redis dsn: %v", ErrInvalidInput, err)
	}
	rdb := redis.NewClient(parsed)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &TransportError{Op: "redis ping", Err: err}
	}
	return NewRedisStoreFromClient(rdb, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns it from then on.
func NewRedisStoreFromClient(rdb *redis.Client, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		rdb:     rdb,
		prefix:  redisDefaultPrefix,
		logger:  o.logger,
		stopped: make(chan struct{}),
		feeds:   map[uint64]*feed{},
	}
}

func (s *RedisStore) treeKey() string   { return s.prefix + ":tree" }
func (s *RedisStore) seqKey() string    { return s.prefix + ":seq" }
func (s *RedisStore) streamKey() string { return s.prefix + ":changes" }

func (s *RedisStore) Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrInvalidInput
	}
	path = NormalizePath(path)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := s.ensureTailing(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	seq, leaves, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	f := newFeed(path, handler)
	s.nextID++
	id := s.nextID
	f.onClose = func() {
		s.mu.Lock()
		delete(s.feeds, id)
		s.mu.Unlock()
	}
	f.last = childrenOf(leaves, path)
	f.seq = seq
	s.feeds[id] = f
	f.push(snapshotEvents(path, f.last, seq))
	return f, nil
}

// snapshot reads the sequence and the whole tree in one MULTI block.
func (s *RedisStore) snapshot(ctx context.Context) (uint64, map[string]json.RawMessage, error) {
	var seqCmd *redis.StringCmd
	var treeCmd *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		seqCmd = pipe.Get(ctx, s.seqKey())
		treeCmd = pipe.HGetAll(ctx, s.treeKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, nil, &TransportError{Op: "redis snapshot", Err: err}
	}
	var seq uint64
	if raw, err := seqCmd.Result(); err == nil {
		seq, _ = strconv.ParseUint(raw, 10, 64)
	} else if !errors.Is(err, redis.Nil) {
		return 0, nil, &TransportError{Op: "redis snapshot", Err: err}
	}
	tree, err := treeCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, nil, &TransportError{Op: "redis snapshot", Err: err}
	}
	leaves := make(map[string]json.RawMessage, len(tree))
	for leaf, value := range tree {
		leaves[leaf] = json.RawMessage(value)
	}
	return seq, leaves, nil
}

func (s *RedisStore) Update(ctx context.Context, updates Updates) error {
	ops, err := planWrites(updates)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	for attempt := 0; attempt < redisUpdateMaxRetries; attempt++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			return s.applyInTx(ctx, tx, ops)
		}, s.treeKey())
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.logger.Debug("remote - redis update - retry", "attempt", attempt+1)
	}
	if err != nil {
		return &TransportError{Op: "redis update", Err: err}
	}
	return nil
}

func (s *RedisStore) applyInTx(ctx context.Context, tx *redis.Tx, ops []writeOp) error {
	existing, err := tx.HKeys(ctx, s.treeKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	// Replay the ops against the key set to find every leaf they replace.
	leaves := make(map[string]json.RawMessage, len(existing))
	for _, leaf := range existing {
		leaves[leaf] = nil
	}
	touched := applyWrites(leaves, ops)
	var cleared []string
	for _, leaf := range existing {
		if _, ok := leaves[leaf]; !ok {
			cleared = append(cleared, leaf)
		}
	}
	set := map[string]any{}
	for _, op := range ops {
		for leaf, value := range op.Leaves {
			set[leaf] = string(value)
		}
	}
	paths, err := json.Marshal(touched)
	if err != nil {
		return err
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(cleared) > 0 {
			pipe.HDel(ctx, s.treeKey(), cleared...)
		}
		if len(set) > 0 {
			pipe.HSet(ctx, s.treeKey(), set)
		}
		pipe.Incr(ctx, s.seqKey())
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey(),
			MaxLen: redisStreamMaxLen,
			Approx: true,
			ID:     "*",
			Values: map[string]any{"paths": string(paths)},
		})
		return nil
	})
	return err
}

func (s *RedisStore) ensureTailing(ctx context.Context) error {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	if s.tailing {
		return nil
	}
	// Start from the stream's current end; the subscribe snapshot covers the past.
	last, err := s.streamEnd(ctx)
	if err != nil {
		return err
	}
	tailCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.tailing = true
	go s.tail(tailCtx, last)
	return nil
}

func (s *RedisStore) streamEnd(ctx context.Context) (string, error) {
	entries, err := s.rdb.XRevRangeN(ctx, s.streamKey(), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", &TransportError{Op: "redis stream end", Err: err}
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

func (s *RedisStore) tail(ctx context.Context, last string) {
	defer close(s.stopped)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.streamKey(), last},
			Count:   100,
			Block:   redisTailBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Warn("remote - redis tail - read", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(redisTailBlock):
			}
			continue
		}
		var touched []string
		all := false
		for _, stream := range res {
			for _, msg := range stream.Messages {
				last = msg.ID
				raw, _ := msg.Values["paths"].(string)
				var paths []string
				if err := json.Unmarshal([]byte(raw), &paths); err != nil {
					all = true
					continue
				}
				touched = append(touched, paths...)
			}
		}
		if all {
			touched = nil
		}
		s.refresh(ctx, touched)
	}
}

func (s *RedisStore) refresh(ctx context.Context, touched []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	var stale []*feed
	for _, f := range s.feeds {
		if affects(f.path, touched) {
			stale = append(stale, f)
		}
	}
	if len(stale) == 0 {
		return
	}
	seq, leaves, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Error("remote - redis refresh - snapshot", "error", err)
		return
	}
	for _, f := range stale {
		if seq <= f.seq {
			continue
		}
		after := childrenOf(leaves, f.path)
		f.push(diffChildren(f.path, f.last, after, seq))
		f.last = after
		f.seq = seq
	}
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *RedisStore) Close() error {
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
	s.tailMu.Lock()
	if s.tailing {
		s.stop()
		<-s.stopped
		s.tailing = false
	}
	s.tailMu.Unlock()
	return s.rdb.Close()
}
