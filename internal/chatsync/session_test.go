package chatsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relaysync/internal/loader"
	"github.com/agentworkforce/relaysync/internal/model"
	"github.com/agentworkforce/relaysync/internal/owner"
	"github.com/agentworkforce/relaysync/internal/remote"
)

func seed(t *testing.T, store remote.Updater, values map[string]any) {
	t.Helper()
	updates := remote.Updates{}
	for path, value := range values {
		if err := updates.Set(path, value); err != nil {
			t.Fatalf("set %s failed: %v", path, err)
		}
	}
	if err := store.Update(context.Background(), updates); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newSession(t *testing.T, opts ...Option) (*Session, *remote.MemoryStore) {
	t.Helper()
	store := remote.NewMemoryStore()
	root := t.TempDir()
	s := New(store, loader.NewDirFetcher(root, nil), opts...)
	t.Cleanup(func() {
		s.Close()
		_ = store.Close()
	})
	return s, store
}

func TestStartMirrorsUserCollections(t *testing.T) {
	s, store := newSession(t)
	seed(t, store, map[string]any{
		"users/alice/chats/c1":          map[string]any{"title": "Lunch"},
		"users/alice/chats/c2":          true,
		"users/alice/contacts/k1":       map[string]any{"name": "Bob", "userId": "bob"},
		"users/alice/transcriptions/j1": map[string]any{"messageId": "m1", "status": "running"},
		"users/bob/chats/c9":            true,
		"profiles/bob":                  map[string]any{"name": "Bob", "status": "away"},
	})

	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "chats", func() bool { return s.Chats().Len() == 2 })
	waitFor(t, "contacts", func() bool { return s.Contacts().Len() == 1 })
	waitFor(t, "transcriptions", func() bool { return s.Transcriptions().Len() == 1 })
	waitFor(t, "profiles", func() bool { return s.Profiles().Len() == 1 })
	profile, _ := s.Profiles().Get("bob")
	assert.Equal(t, profile.Status, "away")

	chat, ok := s.Chats().Get("c1")
	assert.Equal(t, ok, true)
	assert.Equal(t, chat.Title, "Lunch")
	assert.Equal(t, s.UserID(), "alice")

	seed(t, store, map[string]any{"users/alice/transcriptions/j1/status": "done"})
	waitFor(t, "transcription update", func() bool {
		job, _ := s.Transcriptions().Get("j1")
		return job.Finished()
	})
}

func TestStartAnotherUserEndsPreviousSession(t *testing.T) {
	s, store := newSession(t)
	seed(t, store, map[string]any{
		"users/alice/chats/c1": true,
		"users/bob/chats/c9":   true,
		"users/bob/chats/c10":  true,
	})
	ctx := context.Background()
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "alice chats", func() bool { return s.Chats().Len() == 1 })
	if _, err := s.OpenChat(ctx, "c1"); err != nil {
		t.Fatalf("open chat failed: %v", err)
	}

	if err := s.Start(ctx, "bob"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	waitFor(t, "bob chats", func() bool { return s.Chats().Len() == 2 })
	_, ok := s.Chats().Get("c1")
	assert.Equal(t, ok, false)
	_, open := s.Room("c1")
	assert.Equal(t, open, false)

	s.End()
	assert.Equal(t, s.UserID(), "")
	assert.Equal(t, s.Chats().Len(), 0)
}

func TestStartRejectsBadUserID(t *testing.T) {
	s, _ := newSession(t)
	if err := s.Start(context.Background(), "a/b"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.OpenChat(context.Background(), "c1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestLeaveChatAsLastMemberCascades(t *testing.T) {
	s, store := newSession(t)
	seed(t, store, map[string]any{
		"users/alice/chats/c1": true,
		"chats/c1":             map[string]any{"title": "Solo"},
		"chatters/c1/alice":    map[string]any{"name": "Alice"},
	})
	ctx := context.Background()
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	room, err := s.OpenChat(ctx, "c1")
	if err != nil {
		t.Fatalf("open chat failed: %v", err)
	}
	waitFor(t, "roster", func() bool { return room.Chatters.Len() == 1 })

	done := make(chan error, 1)
	s.LeaveChat(ctx, "c1", func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	for _, path := range []string{"users/alice/chats/c1", "chats/c1", "chatters/c1"} {
		if _, err := store.Get(path); !errors.Is(err, remote.ErrNotFound) {
			t.Fatalf("expected %s removed, got %v", path, err)
		}
	}
	waitFor(t, "chat removal event", func() bool { return s.Chats().Len() == 0 })
}

func TestLeaveChatWithOthersRemovesOnlyOwnEntries(t *testing.T) {
	s, store := newSession(t)
	seed(t, store, map[string]any{
		"users/alice/chats/c1": true,
		"chats/c1":             map[string]any{"title": "Pair"},
		"chatters/c1/alice":    true,
		"chatters/c1/bob":      true,
	})
	ctx := context.Background()
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	room, err := s.OpenChat(ctx, "c1")
	if err != nil {
		t.Fatalf("open chat failed: %v", err)
	}
	waitFor(t, "roster", func() bool { return room.Chatters.Len() == 2 })

	done := make(chan error, 1)
	s.LeaveChat(ctx, "c1", func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if _, err := store.Get("chats/c1"); err != nil {
		t.Fatalf("chat record should remain: %v", err)
	}
	if _, err := store.Get("chatters/c1/bob"); err != nil {
		t.Fatalf("other member should remain: %v", err)
	}
	if _, err := store.Get("chatters/c1/alice"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected own roster entry removed, got %v", err)
	}
	waitFor(t, "roster update", func() bool { return room.Chatters.Len() == 1 })
}

func TestLeaveChatRightAfterOpenWaitsForRoster(t *testing.T) {
	s, store := newSession(t)
	seed(t, store, map[string]any{
		"users/alice/chats/c1": true,
		"chats/c1":             map[string]any{"title": "Pair"},
		"chatters/c1/alice":    true,
		"chatters/c1/bob":      true,
	})
	ctx := context.Background()
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := s.OpenChat(ctx, "c1"); err != nil {
		t.Fatalf("open chat failed: %v", err)
	}

	done := make(chan error, 1)
	s.LeaveChat(ctx, "c1", func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("leave failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("leave never completed")
	}
	if _, err := store.Get("chats/c1"); err != nil {
		t.Fatalf("chat record should survive while bob remains: %v", err)
	}
	if _, err := store.Get("chatters/c1/bob"); err != nil {
		t.Fatalf("other member should remain: %v", err)
	}
	if _, err := store.Get("chatters/c1/alice"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected own roster entry removed, got %v", err)
	}
}

func TestLeaveChatClosedBeforeRosterSyncFails(t *testing.T) {
	loop := owner.NewLoop()
	s, store := newSession(t, WithExecutor(loop))
	seed(t, store, map[string]any{
		"chats/c1":          map[string]any{"title": "Pair"},
		"chatters/c1/alice": true,
		"chatters/c1/bob":   true,
	})
	ctx := context.Background()
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := s.OpenChat(ctx, "c1"); err != nil {
		t.Fatalf("open chat failed: %v", err)
	}

	// The loop is not running yet, so the roster snapshot cannot have been applied.
	done := make(chan error, 1)
	s.LeaveChat(ctx, "c1", func(err error) { done <- err })
	s.CloseChat("c1")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(runCtx)
	select {
	case err := <-done:
		if !errors.Is(err, ErrChatNotOpen) {
			t.Fatalf("expected ErrChatNotOpen, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("leave never completed")
	}
	for _, path := range []string{"chats/c1", "chatters/c1/alice", "chatters/c1/bob"} {
		if _, err := store.Get(path); err != nil {
			t.Fatalf("%s should survive: %v", path, err)
		}
	}
}

func TestWaitSyncedCoversUserCollections(t *testing.T) {
	s, store := newSession(t)
	if err := s.WaitSynced(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	seed(t, store, map[string]any{
		"users/alice/chats/c1":    true,
		"users/alice/contacts/k1": map[string]any{"name": "Bob", "userId": "bob"},
		"profiles/bob":            map[string]any{"name": "Bob"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.WaitSynced(ctx); err != nil {
		t.Fatalf("wait synced failed: %v", err)
	}
	assert.Equal(t, s.Chats().Len(), 1)
	assert.Equal(t, s.Contacts().Len(), 1)
	assert.Equal(t, s.Profiles().Len(), 1)
	assert.Equal(t, s.Transcriptions().Len(), 0)
}

func TestLeaveChatRequiresOpenChat(t *testing.T) {
	s, _ := newSession(t)
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	done := make(chan error, 1)
	s.LeaveChat(context.Background(), "c1", func(err error) { done <- err })
	if err := <-done; !errors.Is(err, ErrChatNotOpen) {
		t.Fatalf("expected ErrChatNotOpen, got %v", err)
	}
}

func TestDeleteMessageRemovesOnlyThatMessage(t *testing.T) {
	s, store := newSession(t)
	seed(t, store, map[string]any{
		"messages/c1/m1": map[string]any{"senderId": "alice", "sentAt": 1, "text": "hi"},
		"messages/c1/m2": map[string]any{"senderId": "bob", "sentAt": 2, "text": "yo"},
	})
	ctx := context.Background()
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	room, err := s.OpenChat(ctx, "c1")
	if err != nil {
		t.Fatalf("open chat failed: %v", err)
	}
	waitFor(t, "messages", func() bool { return room.Messages.Len() == 2 })

	done := make(chan error, 1)
	s.DeleteMessage(ctx, "c1", "m1", func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	waitFor(t, "message removal", func() bool { return room.Messages.Len() == 1 })
	remaining := room.Messages.Items()
	assert.Equal(t, remaining[0].ID, "m2")
	assert.Equal(t, remaining[0].ChatID, "c1")
}

func TestSearchAnswersOnlyTheLastQuery(t *testing.T) {
	s, store := newSession(t, WithSearchDelay(30*time.Millisecond))
	seed(t, store, map[string]any{
		"users/alice/contacts/k1": map[string]any{"name": "Bob Builder"},
		"users/alice/contacts/k2": map[string]any{"name": "Carol", "email": "carol@example.com"},
	})
	if err := s.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "contacts", func() bool { return s.Contacts().Len() == 2 })

	var mu sync.Mutex
	var answers [][]model.Contact
	record := func(found []model.Contact) {
		mu.Lock()
		answers = append(answers, found)
		mu.Unlock()
	}
	s.Search("b", record)
	s.Search("bo", record)
	s.Search("example", record)

	waitFor(t, "search answer", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(answers) == 1
	})
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(answers), 1)
	assert.Equal(t, len(answers[0]), 1)
	assert.Equal(t, answers[0][0].ID, "k2")
}

func TestLoadAvatarAndReleaseSlot(t *testing.T) {
	store := remote.NewMemoryStore()
	defer store.Close()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "users"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "users", "bob.jpg"), []byte("bob-avatar"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	s := New(store, loader.NewDirFetcher(root, nil))
	defer s.Close()

	results := make(chan loader.Result, 2)
	s.LoadAvatar(context.Background(), "row-1", "bob", func(r loader.Result) { results <- r })
	select {
	case r := <-results:
		if r.Err != nil {
			t.Fatalf("load failed: %v", r.Err)
		}
		assert.Equal(t, string(r.Data), "bob-avatar")
	case <-time.After(time.Second):
		t.Fatalf("avatar never delivered")
	}

	s.LoadProfileImage(context.Background(), "header", "", func(r loader.Result) { results <- r })
	select {
	case r := <-results:
		if !errors.Is(r.Err, loader.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for blank user, got %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("not-found never delivered")
	}
}

func signToken(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return token
}

func TestIdentityFromToken(t *testing.T) {
	secret := []byte("shh")
	valid := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		Audience:  jwt.ClaimStrings{Audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	uid, err := IdentityFromToken("Bearer "+valid, secret)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	assert.Equal(t, uid, "alice")

	uid, err = IdentityFromToken(valid, nil)
	if err != nil {
		t.Fatalf("unverified read failed: %v", err)
	}
	assert.Equal(t, uid, "alice")

	if _, err := IdentityFromToken(valid, []byte("other")); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken for wrong secret, got %v", err)
	}
	wrongAudience := signToken(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		Audience:  jwt.ClaimStrings{"another-service"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := IdentityFromToken(wrongAudience, secret); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken for wrong audience, got %v", err)
	}
	noSubject := signToken(t, secret, jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{Audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := IdentityFromToken(noSubject, secret); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken for missing subject, got %v", err)
	}
}
