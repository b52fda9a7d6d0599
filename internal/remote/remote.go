// Package remote defines the hierarchical key-value store the sync core mirrors, plus
// its backends: in-memory, Postgres, Redis and a websocket client.
//
// The tree is addressed by slash-separated paths. A subscription on a path delivers
// events for the direct children of that path: first the current children as a batch
// of added events closed by one synced event, then added/changed/removed events as
// writes land. Writes are
// multi-path and atomic.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTransport      = errors.New("transport failure")
	ErrClosed         = errors.New("store closed")
	ErrNotImplemented = errors.New("not implemented")
)

// TransportError wraps a network or backend failure.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Kind says what happened to a child. Synced is the exception: it follows the initial
// snapshot of a subscription, carries no key, and marks the point from which the
// subscriber holds every child of the path.
type Kind string

const (
	Added   Kind = "added"
	Changed Kind = "changed"
	Removed Kind = "removed"
	Synced  Kind = "synced"
)

// Event describes one change to a direct child of a subscribed path.
type Event struct {
	Path    string          `json:"path"`
	Key     string          `json:"key"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq"`
}

type Handler func(Event)

type Subscription interface {
	Close() error
}

// Subscriber delivers ordered child events for a path. ctx bounds only the set-up; the
// subscription lives until Close. The handler is never called concurrently with itself.
type Subscriber interface {
	Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error)
}

// Updates maps a path to its new JSON value. A nil or JSON null value removes the path
// and everything below it.
type Updates map[string]json.RawMessage

// Remove marks path for removal.
func (u Updates) Remove(path string) {
	u[path] = nil
}

// Set stores value, encoded as JSON, at path.
func (u Updates) Set(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	u[path] = data
	return nil
}

// Paths returns the updated paths in sorted order.
func (u Updates) Paths() []string {
	paths := make([]string, 0, len(u))
	for path := range u {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Updater applies a set of updates all-or-nothing.
type Updater interface {
	Update(ctx context.Context, updates Updates) error
}

type Store interface {
	Subscriber
	Updater
	Close() error
}

type Option func(*options)

type options struct {
	logger *slog.Logger
	token  string
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithToken sets the bearer token used by network backends that authenticate.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
