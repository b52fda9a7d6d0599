package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Factory builds a store for a DSN whose scheme it was registered under.
type Factory func(ctx context.Context, dsn string, opts ...Option) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory overrides or adds the factory used for scheme.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// Open builds a store from dsn. An empty dsn yields an in-memory store.
func Open(ctx context.Context, dsn string, opts ...Option) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(opts...), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: remote dsn: %v", ErrInvalidInput, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(ctx, dsn, opts...)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts...), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts...)
	case "redis", "rediss":
		return NewRedisStore(ctx, dsn, opts...)
	case "ws", "wss":
		return DialWebsocket(ctx, dsn, opts...)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: remote backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("%w: unsupported remote scheme %q", ErrInvalidInput, scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
