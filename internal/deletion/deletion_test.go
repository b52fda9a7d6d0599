package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/agentworkforce/relaysync/internal/model"
	"github.com/agentworkforce/relaysync/internal/owner"
	"github.com/agentworkforce/relaysync/internal/remote"
)

func TestPlanChatDeletionCascadesWhenActingUserIsLast(t *testing.T) {
	chat := model.Chat{ID: "c1"}
	plan, err := PlanChatDeletion(chat, []model.Chatter{{ID: "self", ChatID: "c1"}}, "self")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	assert.Equal(t, plan.Scope, ScopeCascade)
	assert.Equal(t, plan.Paths(), []string{"chats/c1", "chatters/c1", "users/self/chats/c1"})
	for _, path := range plan.Paths() {
		if plan.Updates[path] != nil {
			t.Fatalf("expected removal sentinel at %s, got %s", path, plan.Updates[path])
		}
	}
}

func TestPlanChatDeletionIsPartialWhenOthersRemain(t *testing.T) {
	chat := model.Chat{ID: "c1"}
	chatters := []model.Chatter{{ID: "self"}, {ID: "other"}}
	plan, err := PlanChatDeletion(chat, chatters, "self")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	assert.Equal(t, plan.Scope, ScopePartial)
	assert.Equal(t, plan.Paths(), []string{"chatters/c1/self", "users/self/chats/c1"})
}

func TestPlanChatDeletionNeverCascadesWithoutActingUserInRoster(t *testing.T) {
	for name, chatters := range map[string][]model.Chatter{
		"empty":         nil,
		"others only":   {{ID: "other"}},
		"blank entries": {{ID: ""}, {ID: " "}},
	} {
		t.Run(name, func(t *testing.T) {
			plan, err := PlanChatDeletion(model.Chat{ID: "c1"}, chatters, "self")
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			assert.Equal(t, len(plan.Updates), 0)
		})
	}
}

func TestDeleteChatWithoutRosterLeavesStoreUntouched(t *testing.T) {
	store := remote.NewMemoryStore()
	defer store.Close()
	seed(t, store, map[string]any{
		"users/self/chats/c1": true,
		"chats/c1":            map[string]string{"title": "lunch"},
		"chatters/c1/other":   true,
	})

	c := New(store)
	done := make(chan error, 1)
	c.DeleteChat(context.Background(), model.Chat{ID: "c1"}, nil, "self", func(err error) { done <- err })
	if err := waitDone(t, done); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	for _, path := range []string{"users/self/chats/c1", "chats/c1", "chatters/c1/other"} {
		if _, err := store.Get(path); err != nil {
			t.Fatalf("%s should survive: %v", path, err)
		}
	}
}

func TestPlanRejectsInvalidIDs(t *testing.T) {
	if _, err := PlanChatDeletion(model.Chat{}, nil, "self"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty chat id, got %v", err)
	}
	if _, err := PlanChatDeletion(model.Chat{ID: "c1"}, nil, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty user id, got %v", err)
	}
	if _, err := PlanMessageDeletion(model.Message{ID: "m/1"}, model.Chat{ID: "c1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad message id, got %v", err)
	}
}

func TestPlanMessageDeletionRemovesExactlyOnePath(t *testing.T) {
	plan, err := PlanMessageDeletion(model.Message{ID: "m1", ChatID: "stale"}, model.Chat{ID: "c1"})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	assert.Equal(t, plan.Paths(), []string{"messages/c1/m1"})

	plan, err = PlanMessageDeletion(model.Message{ID: "m1", ChatID: "c2"}, model.Chat{})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	assert.Equal(t, plan.Paths(), []string{"messages/c2/m1"})
}

func seed(t *testing.T, store *remote.MemoryStore, values map[string]any) {
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

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatalf("completion never delivered")
		return nil
	}
}

func TestDeleteChatCascadeAgainstMemoryStore(t *testing.T) {
	store := remote.NewMemoryStore()
	defer store.Close()
	seed(t, store, map[string]any{
		"users/self/chats/c1": true,
		"chats/c1":            map[string]string{"title": "lunch"},
		"chatters/c1/self":    map[string]string{"name": "me"},
		"messages/c1/m1":      map[string]any{"senderId": "self", "sentAt": 1},
	})

	c := New(store)
	done := make(chan error, 1)
	c.DeleteChat(context.Background(), model.Chat{ID: "c1"}, []model.Chatter{{ID: "self"}}, "self", func(err error) { done <- err })
	if err := waitDone(t, done); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	for _, path := range []string{"users/self/chats/c1", "chats/c1", "chatters/c1"} {
		if _, err := store.Get(path); !errors.Is(err, remote.ErrNotFound) {
			t.Fatalf("expected %s removed, got %v", path, err)
		}
	}
	if _, err := store.Get("messages/c1/m1"); err != nil {
		t.Fatalf("messages are not part of a chat deletion: %v", err)
	}
}

func TestDeleteChatPartialKeepsOtherMembers(t *testing.T) {
	store := remote.NewMemoryStore()
	defer store.Close()
	seed(t, store, map[string]any{
		"users/self/chats/c1": true,
		"chats/c1":            map[string]string{"title": "lunch"},
		"chatters/c1/self":    map[string]string{"name": "me"},
		"chatters/c1/other":   map[string]string{"name": "them"},
	})

	c := New(store)
	done := make(chan error, 1)
	chatters := []model.Chatter{{ID: "self"}, {ID: "other"}}
	c.DeleteChat(context.Background(), model.Chat{ID: "c1"}, chatters, "self", func(err error) { done <- err })
	if err := waitDone(t, done); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	raw, err := store.Get("chatters/c1")
	if err != nil {
		t.Fatalf("roster should remain: %v", err)
	}
	var roster map[string]json.RawMessage
	if err := json.Unmarshal(raw, &roster); err != nil {
		t.Fatalf("bad roster: %v", err)
	}
	_, hasSelf := roster["self"]
	_, hasOther := roster["other"]
	assert.Equal(t, hasSelf, false)
	assert.Equal(t, hasOther, true)
	if _, err := store.Get("chats/c1"); err != nil {
		t.Fatalf("chat record should remain: %v", err)
	}
}

type failingUpdater struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingUpdater) Update(ctx context.Context, updates remote.Updates) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestDeleteMessageFailureIsReportedWithoutRetry(t *testing.T) {
	updater := &failingUpdater{err: &remote.TransportError{Op: "update", Err: errors.New("offline")}}
	c := New(updater)
	done := make(chan error, 1)
	c.DeleteMessage(context.Background(), model.Message{ID: "m1"}, model.Chat{ID: "c1"}, func(err error) { done <- err })

	err := waitDone(t, done)
	if !errors.Is(err, remote.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	updater.mu.Lock()
	defer updater.mu.Unlock()
	assert.Equal(t, updater.calls, 1)
}

func TestInvalidPlanIsReportedWithoutIO(t *testing.T) {
	updater := &failingUpdater{}
	c := New(updater)
	done := make(chan error, 1)
	c.DeleteChat(context.Background(), model.Chat{ID: ""}, nil, "self", func(err error) { done <- err })
	if err := waitDone(t, done); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	assert.Equal(t, updater.calls, 0)

	if err := c.Submit(context.Background(), Plan{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty plan, got %v", err)
	}
}

func TestCompletionRunsOnOwnerLoop(t *testing.T) {
	loop := owner.NewLoop()
	store := remote.NewMemoryStore()
	defer store.Close()
	c := New(store, WithExecutor(loop))

	done := make(chan error, 1)
	c.DeleteMessage(context.Background(), model.Message{ID: "m1"}, model.Chat{ID: "c1"}, func(err error) { done <- err })
	select {
	case <-done:
		t.Fatalf("completion ran before the owner loop")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
}
