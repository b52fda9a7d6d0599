package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame types exchanged on the sync socket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameUpdate      = "update"
	FrameAck         = "ack"
	FrameEvent       = "event"
	FrameError       = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeClosed       = "closed"
	CodeInternal     = "internal_error"
)

const websocketReadLimit = 4 << 20

// Frame is one message on the sync socket. Requests carry an ID the server echoes in its
// ack or error; event frames carry the ID of the subscribe request they belong to.
type Frame struct {
	Type    string  `json:"type"`
	ID      string  `json:"id,omitempty"`
	Path    string  `json:"path,omitempty"`
	Updates Updates `json:"updates,omitempty"`
	Event   *Event  `json:"event,omitempty"`
	Error   string  `json:"error,omitempty"`
	Code    string  `json:"code,omitempty"`
}

// ErrorCode maps an error to the code sent in error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

func frameError(op string, frame Frame) error {
	switch frame.Code {
	case CodeInvalidInput:
		return fmt.Errorf("%w: %s", ErrInvalidInput, frame.Error)
	case CodeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, frame.Error)
	case CodeClosed:
		return fmt.Errorf("%w: %s", ErrClosed, frame.Error)
	default:
		return &TransportError{Op: op, Path: frame.Path, Err: errors.New(frame.Error)}
	}
}

// WebsocketStore is a Store served by a remote sync server.
type WebsocketStore struct {
	conn   *websocket.Conn
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan Frame
	feeds   map[string]*feed
	err     error
	closing bool
}

// DialWebsocket connects to a sync server at rawURL (ws:// or wss://).
func DialWebsocket(ctx context.Context, rawURL string, opts ...Option) (*WebsocketStore, error) {
	o := buildOptions(opts)
	header := http.Header{}
	if token := strings.TrimSpace(o.token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &TransportError{Op: "websocket dial", Path: rawURL, Err: fmt.Errorf("unauthorized: %w", err)}
		}
		return nil, &TransportError{Op: "websocket dial", Path: rawURL, Err: err}
	}
	conn.SetReadLimit(websocketReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	s := &WebsocketStore{
		conn:    conn,
		logger:  o.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: map[string]chan Frame{},
		feeds:   map[string]*feed{},
	}
	go s.readLoop(readCtx)
	return s, nil
}

func (s *WebsocketStore) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		var frame Frame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			s.fail(err)
			return
		}
		switch frame.Type {
		case FrameEvent:
			if frame.Event == nil {
				continue
			}
			s.mu.Lock()
			f := s.feeds[frame.ID]
			s.mu.Unlock()
			if f != nil {
				f.push([]Event{*frame.Event})
			}
		case FrameAck, FrameError:
			s.mu.Lock()
			reply, ok := s.pending[frame.ID]
			delete(s.pending, frame.ID)
			s.mu.Unlock()
			if ok {
				reply <- frame
			}
		default:
			s.logger.Warn("remote - websocket read - unknown frame", "type", frame.Type)
		}
	}
}

// fail records the first connection error and releases every waiter.
func (s *WebsocketStore) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
			s.err = ErrClosed
		} else {
			s.err = &TransportError{Op: "websocket read", Err: err}
			s.logger.Warn("remote - websocket read - connection lost", "error", err)
		}
	}
	pending := s.pending
	s.pending = map[string]chan Frame{}
	s.mu.Unlock()
	for _, reply := range pending {
		close(reply)
	}
}

// request sends frame and waits for the matching ack or error.
func (s *WebsocketStore) request(ctx context.Context, op string, frame Frame) error {
	reply := make(chan Frame, 1)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.pending[frame.ID] = reply
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, frame.ID)
		s.mu.Unlock()
	}
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		forget()
		return &TransportError{Op: op, Path: frame.Path, Err: err}
	}
	select {
	case got, ok := <-reply:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			return err
		}
		if got.Type == FrameError {
			return frameError(op, got)
		}
		return nil
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (s *WebsocketStore) Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrInvalidInput
	}
	path = NormalizePath(path)
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	id := ulid.Make().String()
	f := newFeed(path, handler)
	registered := true
	f.onClose = func() {
		s.mu.Lock()
		delete(s.feeds, id)
		skip := s.err != nil || s.closing || !registered
		s.mu.Unlock()
		if skip {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wsjson.Write(writeCtx, s.conn, Frame{Type: FrameUnsubscribe, ID: id})
	}
	// Register first: the snapshot can arrive before the ack.
	s.mu.Lock()
	s.feeds[id] = f
	s.mu.Unlock()

	if err := s.request(ctx, "websocket subscribe", Frame{Type: FrameSubscribe, ID: id, Path: path}); err != nil {
		s.mu.Lock()
		delete(s.feeds, id)
		registered = false
		s.mu.Unlock()
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (s *WebsocketStore) Update(ctx context.Context, updates Updates) error {
	if _, err := planWrites(updates); err != nil {
		return err
	}
	return s.request(ctx, "websocket update", Frame{Type: FrameUpdate, ID: ulid.Make().String(), Updates: updates})
}

// Err reports why the connection stopped, or nil while it is healthy.
func (s *WebsocketStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the connection has stopped reading.
func (s *WebsocketStore) Done() <-chan struct{} {
	return s.done
}

func (s *WebsocketStore) Close() error {
	s.mu.Lock()
	s.closing = true
	feeds := make([]*feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.feeds = map[string]*feed{}
	s.mu.Unlock()
	for _, f := range feeds {
		_ = f.Close()
	}
	if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		s.logger.Debug("remote - websocket close - close handshake", "error", err)
	}
	s.cancel()
	<-s.done
	return nil
}
