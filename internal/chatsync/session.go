// Package chatsync is the client context for one signed-in user: the mirrored user
// collections and profile directory, per-chat rosters and message lists, image loading
// and deletion.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/debounce"
	"github.com/agentworkforce/relaysync/internal/deletion"
	"github.com/agentworkforce/relaysync/internal/loader"
	"github.com/agentworkforce/relaysync/internal/model"
	"github.com/agentworkforce/relaysync/internal/owner"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/syncstore"
)

var (
	ErrNoSession   = errors.New("no active session")
	ErrChatNotOpen = errors.New("chat not open")
)

const defaultSearchDelay = 300 * time.Millisecond

type Option func(*options)

type options struct {
	exec        owner.Executor
	logger      *slog.Logger
	searchDelay time.Duration
	loaderOpts  []loader.Option
}

// WithExecutor runs store notifications, loader results, deletion completions and
// search results on exec.
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

// WithSearchDelay sets how long Search waits for the query to settle.
func WithSearchDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.searchDelay = d
		}
	}
}

// WithLoaderOptions passes extra options, such as a cache, to the image loader.
func WithLoaderOptions(opts ...loader.Option) Option {
	return func(o *options) {
		o.loaderOpts = append(o.loaderOpts, opts...)
	}
}

// Room is an open chat: its roster and its messages.
type Room struct {
	ChatID   string
	Chatters *syncstore.Store[model.Chatter]
	Messages *syncstore.Store[model.Message]
}

func (r *Room) clear() {
	r.Chatters.Clear()
	r.Messages.Clear()
}

// Session is built once per process and passed to whatever needs the user's data.
// Start binds it to a user; End clears everything but keeps the stores and their
// observers for the next Start.
type Session struct {
	remote remote.Store
	exec   owner.Executor
	logger *slog.Logger

	chats          *syncstore.Store[model.Chat]
	contacts       *syncstore.Store[model.Contact]
	transcriptions *syncstore.Store[model.TranscriptionJob]
	profiles       *syncstore.Store[model.Profile]
	images         *loader.Loader
	deleter        *deletion.Coordinator
	search         *debounce.Debouncer

	mu     sync.Mutex
	userID string
	rooms  map[string]*Room
	slots  map[string]struct{}
}

func New(store remote.Store, fetcher loader.Fetcher, opts ...Option) *Session {
	o := options{exec: owner.Inline{}, logger: slog.Default(), searchDelay: defaultSearchDelay}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Session{
		remote: store,
		exec:   o.exec,
		logger: o.logger,
		rooms:  map[string]*Room{},
		slots:  map[string]struct{}{},
	}
	s.chats = syncstore.New(store, func(uid string) []string {
		return []string{model.UserChatsPath(uid)}
	}, model.DecodeChat, s.storeOptions("chats")...)
	s.contacts = syncstore.New(store, func(uid string) []string {
		return []string{model.UserContactsPath(uid)}
	}, model.DecodeContact, s.storeOptions("contacts")...)
	s.transcriptions = syncstore.New(store, func(uid string) []string {
		return []string{model.UserTranscriptionsPath(uid)}
	}, model.DecodeTranscriptionJob, s.storeOptions("transcriptions")...)
	s.profiles = syncstore.New(store, func(string) []string {
		return []string{model.ProfilesPath()}
	}, model.DecodeProfile, s.storeOptions("profiles")...)

	loaderOpts := append([]loader.Option{loader.WithExecutor(o.exec), loader.WithLogger(o.logger)}, o.loaderOpts...)
	s.images = loader.New(fetcher, loaderOpts...)
	s.deleter = deletion.New(store, deletion.WithExecutor(o.exec), deletion.WithLogger(o.logger))
	s.search = debounce.New(o.searchDelay, debounce.WithExecutor(o.exec))
	return s
}

func (s *Session) storeOptions(name string) []syncstore.Option {
	return []syncstore.Option{
		syncstore.WithExecutor(s.exec),
		syncstore.WithLogger(s.logger),
		syncstore.WithName(name),
	}
}

// Start begins mirroring userID's data. Starting the active user again does nothing;
// starting another user ends the current session first.
func (s *Session) Start(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if err := model.ValidateID("user", userID); err != nil {
		return err
	}
	s.mu.Lock()
	current := s.userID
	s.mu.Unlock()
	if current != "" && current != userID {
		s.End()
	}

	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	for _, start := range []func(context.Context, string) error{
		s.chats.StartListening,
		s.contacts.StartListening,
		s.transcriptions.StartListening,
		s.profiles.StartListening,
	} {
		if err := start(ctx, userID); err != nil {
			s.End()
			return fmt.Errorf("start session %s: %w", userID, err)
		}
	}
	s.logger.InfoContext(ctx, "chatsync - start - session started", "user", userID)
	return nil
}

// End clears every collection, closes open chats, cancels image loads and drops any
// pending search.
func (s *Session) End() {
	s.mu.Lock()
	userID := s.userID
	rooms := s.rooms
	slots := s.slots
	s.userID = ""
	s.rooms = map[string]*Room{}
	s.slots = map[string]struct{}{}
	s.mu.Unlock()

	s.search.Cancel()
	for slot := range slots {
		s.images.Cancel(slot)
	}
	for _, room := range rooms {
		room.clear()
	}
	s.chats.Clear()
	s.contacts.Clear()
	s.transcriptions.Clear()
	s.profiles.Clear()
	if userID != "" {
		s.logger.Info("chatsync - end - session ended", "user", userID)
	}
}

// Close ends the session and releases the loader.
func (s *Session) Close() {
	s.End()
	s.images.Close()
}

// UserID returns the signed-in user, or "" between sessions.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Chats() *syncstore.Store[model.Chat] {
	return s.chats
}

func (s *Session) Contacts() *syncstore.Store[model.Contact] {
	return s.contacts
}

func (s *Session) Transcriptions() *syncstore.Store[model.TranscriptionJob] {
	return s.transcriptions
}

// Profiles mirrors the shared profile directory while a session is active.
func (s *Session) Profiles() *syncstore.Store[model.Profile] {
	return s.profiles
}

// OpenChat starts mirroring the roster and messages of chatID. Opening an open chat
// returns the existing room.
func (s *Session) OpenChat(ctx context.Context, chatID string) (*Room, error) {
	if err := model.ValidateID("chat", chatID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	userID := s.userID
	if userID == "" {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	if room, ok := s.rooms[chatID]; ok {
		s.mu.Unlock()
		return room, nil
	}
	room := &Room{
		ChatID: chatID,
		Chatters: syncstore.New(s.remote, func(string) []string {
			return []string{model.ChattersPath(chatID)}
		}, model.DecodeChatter, s.storeOptions("chatters:"+chatID)...),
		Messages: syncstore.New(s.remote, func(string) []string {
			return []string{model.MessagesPath(chatID)}
		}, model.DecodeMessage, s.storeOptions("messages:"+chatID)...),
	}
	s.rooms[chatID] = room
	s.mu.Unlock()

	if err := room.Chatters.StartListening(ctx, userID); err != nil {
		s.CloseChat(chatID)
		return nil, err
	}
	if err := room.Messages.StartListening(ctx, userID); err != nil {
		s.CloseChat(chatID)
		return nil, err
	}
	return room, nil
}

// Room returns the open room for chatID.
func (s *Session) Room(chatID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[chatID]
	return room, ok
}

// CloseChat stops mirroring chatID. Closing a chat that is not open is a no-op.
func (s *Session) CloseChat(chatID string) {
	s.mu.Lock()
	room, ok := s.rooms[chatID]
	delete(s.rooms, chatID)
	s.mu.Unlock()
	if ok {
		room.clear()
	}
}

// LoadAvatar loads userID's chat avatar into slot, replacing whatever slot was loading.
func (s *Session) LoadAvatar(ctx context.Context, slot, userID string, done func(loader.Result)) *loader.Handle {
	return s.load(ctx, slot, model.AvatarKey(userID), done)
}

// LoadProfileImage loads userID's profile picture into slot.
func (s *Session) LoadProfileImage(ctx context.Context, slot, userID string, done func(loader.Result)) *loader.Handle {
	return s.load(ctx, slot, model.ProfileImageKey(userID), done)
}

func (s *Session) load(ctx context.Context, slot, key string, done func(loader.Result)) *loader.Handle {
	s.mu.Lock()
	s.slots[slot] = struct{}{}
	s.mu.Unlock()
	return s.images.Load(ctx, slot, key, done)
}

// ReleaseSlot cancels whatever slot is loading. The slot's callback will not run.
func (s *Session) ReleaseSlot(slot string) {
	s.mu.Lock()
	delete(s.slots, slot)
	s.mu.Unlock()
	s.images.Cancel(slot)
}

// InvalidateResource drops a cached image so the next load fetches it again.
func (s *Session) InvalidateResource(key string) {
	s.images.Invalidate(key)
}

// LeaveChat removes the user from an open chat, deleting the chat outright when the
// user is the only one left in its roster. The deletion is planned once the roster's
// initial snapshot has been applied, and fails if the chat is closed first. Local
// collections change only when the remote reports it.
func (s *Session) LeaveChat(ctx context.Context, chatID string, done func(error)) {
	userID := s.UserID()
	room, ok := s.Room(chatID)
	switch {
	case userID == "":
		s.fail(done, ErrNoSession)
		return
	case !ok:
		s.fail(done, fmt.Errorf("%w: %s", ErrChatNotOpen, chatID))
		return
	}
	go func() {
		if err := room.Chatters.WaitSynced(ctx); err != nil {
			if errors.Is(err, syncstore.ErrNotListening) {
				err = fmt.Errorf("%w: %s", ErrChatNotOpen, chatID)
			}
			s.fail(done, err)
			return
		}
		chat, ok := s.chats.Get(chatID)
		if !ok {
			chat = model.Chat{ID: chatID}
		}
		s.deleter.DeleteChat(ctx, chat, room.Chatters.Items(), userID, done)
	}()
}

// WaitSynced blocks until the initial snapshots of the user collections and the
// profile directory have been applied.
func (s *Session) WaitSynced(ctx context.Context) error {
	if s.UserID() == "" {
		return ErrNoSession
	}
	waits := []func(context.Context) error{
		s.chats.WaitSynced,
		s.contacts.WaitSynced,
		s.transcriptions.WaitSynced,
		s.profiles.WaitSynced,
	}
	for _, wait := range waits {
		if err := wait(ctx); err != nil {
			if errors.Is(err, syncstore.ErrNotListening) {
				return ErrNoSession
			}
			return err
		}
	}
	return nil
}

// DeleteMessage removes one message from chatID.
func (s *Session) DeleteMessage(ctx context.Context, chatID, messageID string, done func(error)) {
	if s.UserID() == "" {
		s.fail(done, ErrNoSession)
		return
	}
	message := model.Message{ID: messageID, ChatID: chatID}
	if room, ok := s.Room(chatID); ok {
		if known, ok := room.Messages.Get(messageID); ok {
			message = known
		}
	}
	s.deleter.DeleteMessage(ctx, message, model.Chat{ID: chatID}, done)
}

func (s *Session) fail(done func(error), err error) {
	if done == nil {
		return
	}
	s.exec.Post(func() {
		done(err)
	})
}

// Search filters contacts by query once the query has been stable for the search
// delay. Only the last query of a burst is answered.
func (s *Session) Search(query string, done func([]model.Contact)) {
	s.search.Trigger(func() {
		var matches []model.Contact
		for _, contact := range s.contacts.Items() {
			if contact.Matches(query) {
				matches = append(matches, contact)
			}
		}
		if done != nil {
			done(matches)
		}
	})
}
