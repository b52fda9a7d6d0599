// Package syncapi serves a remote.Store to sync clients over a websocket, along with
// the resource bytes (avatars, profile images) clients load by key.
package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/loader"
	"github.com/agentworkforce/relaysync/internal/remote"
)

type ServerConfig struct {
	JWTSecret     string
	ResourceDir   string
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

type Server struct {
	store     remote.Store
	cfg       ServerConfig
	resources *loader.DirFetcher
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*syncConn
}

func NewServer(store remote.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store remote.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  map[string]*syncConn{},
	}
	if strings.TrimSpace(cfg.ResourceDir) != "" {
		s.resources = loader.NewDirFetcher(cfg.ResourceDir, cfg.Logger)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.Connections()})
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodGet:
		route = "sync"
	case strings.HasPrefix(r.URL.Path, "/v1/resources/") && r.Method == http.MethodGet:
		route = "resource"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(bearerToken(r), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	switch route {
	case "sync":
		s.handleSync(w, r, claims)
	case "resource":
		s.handleResource(w, r, strings.TrimPrefix(r.URL.Path, "/v1/resources/"))
	}
}

// Connections reports how many sync sockets are open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request, key string) {
	correlationID := getCorrelationID(r)
	if s.resources == nil {
		writeError(w, http.StatusNotFound, "not_found", "no resources configured", correlationID)
		return
	}
	data, err := s.resources.Fetch(r.Context(), key)
	switch {
	case errors.Is(err, loader.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found", correlationID)
		return
	case errors.Is(err, loader.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid resource key", correlationID)
		return
	case err != nil:
		s.logger.Error("syncapi - resource - read failed", "key", key, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read resource", correlationID)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("syncapi - sync - accept failed", "user", claims.UserID, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	id := uuid.NewString()
	c := &syncConn{
		id:     id,
		userID: claims.UserID,
		conn:   conn,
		server: s,
		logger: s.logger.With("conn", id, "user", claims.UserID),
		subs:   map[string]remote.Subscription{},
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()

	c.logger.Info("syncapi - sync - connected")
	c.serve(r.Context())
}

// syncConn is one client socket and the subscriptions it holds.
type syncConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]remote.Subscription
}

func (c *syncConn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.closeAll()

	for {
		var frame remote.Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				c.logger.Info("syncapi - sync - disconnected")
			} else {
				c.logger.Warn("syncapi - sync - read failed", "error", err)
			}
			_ = c.conn.CloseNow()
			return
		}
		switch frame.Type {
		case remote.FrameSubscribe:
			c.subscribe(ctx, frame)
		case remote.FrameUnsubscribe:
			c.unsubscribe(frame.ID)
		case remote.FrameUpdate:
			c.update(ctx, frame)
		default:
			c.send(ctx, remote.Frame{Type: remote.FrameError, ID: frame.ID, Code: remote.CodeInvalidInput, Error: "unknown frame type " + frame.Type})
		}
	}
}

func (c *syncConn) subscribe(ctx context.Context, frame remote.Frame) {
	if frame.ID == "" {
		c.send(ctx, remote.Frame{Type: remote.FrameError, Code: remote.CodeInvalidInput, Error: "subscribe requires an id"})
		return
	}
	c.mu.Lock()
	_, taken := c.subs[frame.ID]
	c.mu.Unlock()
	if taken {
		c.send(ctx, remote.Frame{Type: remote.FrameError, ID: frame.ID, Code: remote.CodeInvalidInput, Error: "subscription id in use"})
		return
	}

	id := frame.ID
	sub, err := c.server.store.Subscribe(ctx, frame.Path, func(event remote.Event) {
		c.send(ctx, remote.Frame{Type: remote.FrameEvent, ID: id, Event: &event})
	})
	if err != nil {
		c.logger.Warn("syncapi - subscribe - failed", "path", frame.Path, "error", err)
		c.send(ctx, remote.Frame{Type: remote.FrameError, ID: id, Path: frame.Path, Code: remote.ErrorCode(err), Error: err.Error()})
		return
	}
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	c.logger.Debug("syncapi - subscribe - ok", "id", id, "path", frame.Path)
	c.send(ctx, remote.Frame{Type: remote.FrameAck, ID: id, Path: frame.Path})
}

func (c *syncConn) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

func (c *syncConn) update(ctx context.Context, frame remote.Frame) {
	if err := c.server.store.Update(ctx, frame.Updates); err != nil {
		c.logger.Warn("syncapi - update - failed", "paths", len(frame.Updates), "error", err)
		c.send(ctx, remote.Frame{Type: remote.FrameError, ID: frame.ID, Code: remote.ErrorCode(err), Error: err.Error()})
		return
	}
	c.send(ctx, remote.Frame{Type: remote.FrameAck, ID: frame.ID})
}

// send writes one frame. Writes are serialized; event frames of a subscription arrive
// from its feed in order.
func (c *syncConn) send(ctx context.Context, frame remote.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, c.server.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, c.conn, frame); err != nil && ctx.Err() == nil {
		c.logger.Debug("syncapi - send - write failed", "type", frame.Type, "error", err)
	}
}

func (c *syncConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]remote.Subscription{}
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
