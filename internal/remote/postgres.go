package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresNodesTableName   = "relaysync_nodes"
	postgresChannelName      = "relaysync_changes"
	postgresOperationTimeout = 5 * time.Second
	postgresNotifyLimit      = 7000
	postgresMinReconnect     = 10 * time.Millisecond
	postgresMaxReconnect     = time.Minute
	postgresPingInterval     = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresNotice struct {
	Seq   uint64   `json:"seq"`
	Paths []string `json:"paths,omitempty"`
}

// PostgresStore keeps one row per leaf and fans writes out through LISTEN/NOTIFY.
// A single head row carries the sequence; updating it serializes writers, so commit
// order and sequence order agree.
type PostgresStore struct {
	dsn       string
	tableName string
	channel   string
	openDB    sqlOpenFunc
	logger    *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenOnce sync.Once
	listenErr  error
	listener   *pq.Listener
	stop       chan struct{}
	stopped    chan struct{}

	mu     sync.Mutex
	nextID uint64
	feeds  map[uint64]*feed
	closed bool
}

func NewPostgresStore(dsn string, opts ...Option) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidInput)
	}
	o := buildOptions(opts)
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresNodesTableName,
		channel:   postgresChannelName,
		openDB:    sql.Open,
		logger:    o.logger,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		feeds:     map[uint64]*feed{},
	}, nil
}

func (s *PostgresStore) headTableName() string {
	return s.tableName + "_head"
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = &TransportError{Op: "postgres open", Err: err}
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		head := postgresQuoteIdentifier(s.headTableName())
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					path TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					seq BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(s.tableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id INT PRIMARY KEY,
					seq BIGINT NOT NULL
				)`, head),
			fmt.Sprintf("INSERT INTO %s (id, seq) VALUES (1, 0) ON CONFLICT (id) DO NOTHING", head),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = &TransportError{Op: "postgres init", Err: err}
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) ensureListening() error {
	s.listenOnce.Do(func() {
		listener := pq.NewListener(s.dsn, postgresMinReconnect, postgresMaxReconnect, func(event pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("remote - postgres listener - event", "event", int(event), "error", err)
			}
		})
		if err := listener.Listen(s.channel); err != nil {
			_ = listener.Close()
			s.listenErr = &TransportError{Op: "postgres listen", Err: err}
			return
		}
		s.listener = listener
		go s.dispatch()
	})
	return s.listenErr
}

func (s *PostgresStore) dispatch() {
	defer close(s.stopped)
	ticker := time.NewTicker(postgresPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// nil means the connection was re-established and notifications may be lost.
			var notice postgresNotice
			if n != nil {
				if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
					s.logger.Warn("remote - postgres dispatch - bad notice", "error", err)
					notice = postgresNotice{}
				}
			}
			s.refresh(notice)
		case <-ticker.C:
			go func() {
				_ = s.listener.Ping()
			}()
		}
	}
}

func (s *PostgresStore) refresh(notice postgresNotice) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	var stale []*feed
	for _, f := range s.feeds {
		if notice.Seq != 0 && notice.Seq <= f.seq {
			continue
		}
		if affects(f.path, notice.Paths) {
			stale = append(stale, f)
		}
	}
	if len(stale) == 0 {
		return
	}
	paths := make([]string, len(stale))
	for i, f := range stale {
		paths[i] = f.path
	}
	seq, snapshots, err := s.snapshot(ctx, paths)
	if err != nil {
		s.logger.Error("remote - postgres refresh - snapshot", "paths", len(paths), "error", err)
		return
	}
	for i, f := range stale {
		f.push(diffChildren(f.path, f.last, snapshots[i], seq))
		f.last = snapshots[i]
		f.seq = seq
	}
}

func (s *PostgresStore) Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrInvalidInput
	}
	path = NormalizePath(path)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	// Listen before the snapshot so no write can fall between the two.
	if err := s.ensureListening(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	seq, snapshots, err := s.snapshot(ctx, []string{path})
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
	f.last = snapshots[0]
	f.seq = seq
	s.feeds[id] = f
	f.push(snapshotEvents(path, f.last, seq))
	return f, nil
}

// snapshot reads the head sequence and the children of each path in one read-only
// repeatable-read transaction.
func (s *PostgresStore) snapshot(ctx context.Context, paths []string) (uint64, []map[string]json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return 0, nil, &TransportError{Op: "postgres begin", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq uint64
	headQuery := fmt.Sprintf("SELECT seq FROM %s WHERE id = 1", postgresQuoteIdentifier(s.headTableName()))
	if err := tx.QueryRowContext(ctx, headQuery).Scan(&seq); err != nil {
		return 0, nil, &TransportError{Op: "postgres head", Err: err}
	}
	out := make([]map[string]json.RawMessage, len(paths))
	for i, path := range paths {
		children, err := s.loadChildren(ctx, tx, path)
		if err != nil {
			return 0, nil, err
		}
		out[i] = children
	}
	return seq, out, nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, tx *sql.Tx, path string) (map[string]json.RawMessage, error) {
	query := fmt.Sprintf("SELECT path, value FROM %s WHERE starts_with(path, $1)", postgresQuoteIdentifier(s.tableName))
	rows, err := tx.QueryContext(ctx, query, path+"/")
	if err != nil {
		return nil, &TransportError{Op: "postgres load", Path: path, Err: err}
	}
	defer rows.Close()

	leaves := map[string]json.RawMessage{}
	for rows.Next() {
		var leaf, value string
		if err := rows.Scan(&leaf, &value); err != nil {
			return nil, &TransportError{Op: "postgres scan", Path: path, Err: err}
		}
		leaves[leaf] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: "postgres load", Path: path, Err: err}
	}
	return childrenOf(leaves, path), nil
}

func (s *PostgresStore) Update(ctx context.Context, updates Updates) error {
	ops, err := planWrites(updates)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransportError{Op: "postgres begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var seq uint64
	headQuery := fmt.Sprintf("UPDATE %s SET seq = seq + 1 WHERE id = 1 RETURNING seq", postgresQuoteIdentifier(s.headTableName()))
	if err := tx.QueryRowContext(ctx, headQuery).Scan(&seq); err != nil {
		return &TransportError{Op: "postgres head", Err: err}
	}

	table := postgresQuoteIdentifier(s.tableName)
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE path = $1 OR starts_with(path, $2) OR path = ANY($3)", table)
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (path, value, seq, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (path)
		DO UPDATE SET value = EXCLUDED.value, seq = EXCLUDED.seq, updated_at = NOW()`, table)
	touched := make([]string, 0, len(ops))
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, deleteQuery, op.Path, op.Path+"/", pq.Array(ancestorPaths(op.Path))); err != nil {
			return &TransportError{Op: "postgres delete", Path: op.Path, Err: err}
		}
		for leaf, value := range op.Leaves {
			if _, err := tx.ExecContext(ctx, insertQuery, leaf, string(value), seq); err != nil {
				return &TransportError{Op: "postgres insert", Path: leaf, Err: err}
			}
		}
		touched = append(touched, op.Path)
	}

	payload, err := encodeNotice(seq, touched)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, payload); err != nil {
		return &TransportError{Op: "postgres notify", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &TransportError{Op: "postgres commit", Err: err}
	}
	committed = true
	return nil
}

// encodeNotice drops the path list when it would overflow the NOTIFY payload; listeners
// then refresh every subscription.
func encodeNotice(seq uint64, touched []string) (string, error) {
	data, err := json.Marshal(postgresNotice{Seq: seq, Paths: touched})
	if err != nil {
		return "", err
	}
	if len(data) > postgresNotifyLimit {
		data, err = json.Marshal(postgresNotice{Seq: seq})
		if err != nil {
			return "", err
		}
	}
	return string(data), nil
}

func (s *PostgresStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PostgresStore) Close() error {
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
	var errs []error
	if s.listener != nil {
		close(s.stop)
		<-s.stopped
		errs = append(errs, s.listener.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
