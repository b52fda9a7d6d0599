package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/agentworkforce/relaysync/internal/observe"
	"github.com/agentworkforce/relaysync/internal/remote"
)

type item struct {
	ID    string
	Value string
}

func decodeItem(path, key string, payload json.RawMessage) (item, error) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return item{}, err
	}
	if body.Value == "" {
		return item{}, errors.New("missing value")
	}
	return item{ID: key, Value: body.Value}, nil
}

type fakeSub struct {
	closed bool
}

func (s *fakeSub) Close() error {
	s.closed = true
	return nil
}

// fakeSubscriber records handlers so tests can inject events directly.
type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string][]remote.Handler
	subs     []*fakeSub
	fail     map[string]error
	calls    int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: map[string][]remote.Handler{}, fail: map[string]error{}}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, path string, handler remote.Handler) (remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[path]; err != nil {
		return nil, err
	}
	f.handlers[path] = append(f.handlers[path], handler)
	sub := &fakeSub{}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// emit delivers event through the handler registered at index i for path.
func (f *fakeSubscriber) emit(path string, i int, event remote.Event) {
	f.mu.Lock()
	handler := f.handlers[path][i]
	f.mu.Unlock()
	event.Path = path
	handler(event)
}

func (f *fakeSubscriber) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs {
		if sub.closed {
			n++
		}
	}
	return n
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change[item]
}

func (c *changeLog) Observe(change Change[item]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

func (c *changeLog) snapshot() []Change[item] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change[item](nil), c.changes...)
}

func payload(value string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"value":%q}`, value))
}

func itemsPaths(session string) []string {
	return []string{"users/" + session + "/items"}
}

func newTestStore(sub remote.Subscriber) (*Store[item], *changeLog) {
	store := New[item](sub, itemsPaths, decodeItem, WithName("items"))
	log := &changeLog{}
	observe.Register(store.Registry(), log)
	return store, log
}

func TestAddChangeRemoveLeavesNoEntry(t *testing.T) {
	sub := newFakeSubscriber()
	store, log := newTestStore(sub)
	if err := store.StartListening(context.Background(), "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	path := "users/u1/items"

	sub.emit(path, 0, remote.Event{Key: "5", Kind: remote.Added, Payload: payload("v1"), Seq: 1})
	sub.emit(path, 0, remote.Event{Key: "5", Kind: remote.Changed, Payload: payload("v2"), Seq: 2})
	got, ok := store.Get("5")
	assert.Equal(t, ok, true)
	assert.Equal(t, got.Value, "v2")

	sub.emit(path, 0, remote.Event{Key: "5", Kind: remote.Removed, Seq: 3})
	_, ok = store.Get("5")
	assert.Equal(t, ok, false)

	sub.emit(path, 0, remote.Event{Key: "7", Kind: remote.Removed, Seq: 4})
	assert.Equal(t, store.Len(), 0)

	changes := log.snapshot()
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(changes), changes)
	}
	assert.Equal(t, changes[0].Kind, remote.Added)
	assert.Equal(t, changes[1].Kind, remote.Changed)
	assert.Equal(t, changes[1].Previous.Value, "v1")
	assert.Equal(t, changes[1].Entity.Value, "v2")
	assert.Equal(t, changes[2].Kind, remote.Removed)
	assert.Equal(t, changes[2].Previous.Value, "v2")
	assert.Equal(t, changes[2].Seq, uint64(3))
}

func TestStaleEventsDoNotRegressEntity(t *testing.T) {
	sub := newFakeSubscriber()
	store, log := newTestStore(sub)
	if err := store.StartListening(context.Background(), "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	path := "users/u1/items"

	sub.emit(path, 0, remote.Event{Key: "a", Kind: remote.Added, Payload: payload("new"), Seq: 9})
	sub.emit(path, 0, remote.Event{Key: "a", Kind: remote.Changed, Payload: payload("old"), Seq: 4})
	got, _ := store.Get("a")
	assert.Equal(t, got.Value, "new")

	sub.emit(path, 0, remote.Event{Key: "a", Kind: remote.Removed, Seq: 10})
	sub.emit(path, 0, remote.Event{Key: "a", Kind: remote.Added, Payload: payload("resurrected"), Seq: 8})
	_, ok := store.Get("a")
	assert.Equal(t, ok, false)
	assert.Equal(t, len(log.snapshot()), 2)
}

func TestUndecodablePayloadIsSkipped(t *testing.T) {
	sub := newFakeSubscriber()
	store, log := newTestStore(sub)
	if err := store.StartListening(context.Background(), "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	path := "users/u1/items"

	sub.emit(path, 0, remote.Event{Key: "a", Kind: remote.Added, Payload: payload("v1"), Seq: 1})
	sub.emit(path, 0, remote.Event{Key: "a", Kind: remote.Changed, Payload: json.RawMessage(`"garbage"`), Seq: 2})
	sub.emit(path, 0, remote.Event{Key: "b", Kind: remote.Added, Payload: json.RawMessage(`{}`), Seq: 3})

	got, _ := store.Get("a")
	assert.Equal(t, got.Value, "v1")
	assert.Equal(t, store.Len(), 1)
	assert.Equal(t, len(log.snapshot()), 1)
}

func TestClearThenStartListeningResumesDelivery(t *testing.T) {
	sub := newFakeSubscriber()
	store, log := newTestStore(sub)
	ctx := context.Background()
	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	path := "users/u1/items"
	sub.emit(path, 0, remote.Event{Key: "a", Kind: remote.Added, Payload: payload("v1"), Seq: 1})

	store.Clear()
	assert.Equal(t, store.Len(), 0)
	assert.Equal(t, store.Listening(), false)
	assert.Equal(t, store.Session(), "")
	assert.Equal(t, sub.closedCount(), 1)

	// Late events from the cleared subscription are dropped.
	sub.emit(path, 0, remote.Event{Key: "late", Kind: remote.Added, Payload: payload("x"), Seq: 2})
	assert.Equal(t, store.Len(), 0)

	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	sub.emit(path, 1, remote.Event{Key: "b", Kind: remote.Added, Payload: payload("v2"), Seq: 1})

	changes := log.snapshot()
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %+v", changes)
	}
	assert.Equal(t, changes[1].ID, "b")
	assert.Equal(t, store.Registry().Len(), 1)
}

func TestStartListeningSameSessionIsNoop(t *testing.T) {
	sub := newFakeSubscriber()
	store, _ := newTestStore(sub)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.StartListening(ctx, "u1"); err != nil {
			t.Fatalf("start listening failed: %v", err)
		}
	}
	assert.Equal(t, sub.calls, 1)
	assert.Equal(t, store.Session(), "u1")
}

func TestStartListeningOtherSessionTearsDownFirst(t *testing.T) {
	sub := newFakeSubscriber()
	store, _ := newTestStore(sub)
	ctx := context.Background()
	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	sub.emit("users/u1/items", 0, remote.Event{Key: "a", Kind: remote.Added, Payload: payload("mine"), Seq: 1})

	if err := store.StartListening(ctx, "u2"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	assert.Equal(t, sub.closedCount(), 1)
	assert.Equal(t, store.Session(), "u2")
	assert.Equal(t, store.Len(), 0)

	sub.emit("users/u1/items", 0, remote.Event{Key: "b", Kind: remote.Added, Payload: payload("stale"), Seq: 2})
	assert.Equal(t, store.Len(), 0)
	sub.emit("users/u2/items", 0, remote.Event{Key: "c", Kind: remote.Added, Payload: payload("theirs"), Seq: 1})
	assert.Equal(t, store.Len(), 1)
}

func TestSubscribeFailureClosesEstablishedSubscriptions(t *testing.T) {
	sub := newFakeSubscriber()
	boom := errors.New("boom")
	sub.fail["profiles/u1"] = boom
	store := New[item](sub, func(session string) []string {
		return []string{"users/" + session + "/items", "profiles/" + session}
	}, decodeItem)

	err := store.StartListening(context.Background(), "u1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected subscribe error, got %v", err)
	}
	assert.Equal(t, store.Listening(), false)
	assert.Equal(t, sub.closedCount(), len(sub.subs))
}

func TestStartListeningRejectsEmptySession(t *testing.T) {
	store, _ := newTestStore(newFakeSubscriber())
	if err := store.StartListening(context.Background(), " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStoreFollowsMemoryRemote(t *testing.T) {
	remoteStore := remote.NewMemoryStore()
	defer remoteStore.Close()
	ctx := context.Background()

	updates := remote.Updates{}
	if err := updates.Set("users/u1/items/a", map[string]string{"value": "first"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := remoteStore.Update(ctx, updates); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	store, _ := newTestStore(remoteStore)
	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	waitLen(t, store, 1)

	updates = remote.Updates{}
	if err := updates.Set("users/u1/items/b", map[string]string{"value": "second"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	updates.Remove("users/u1/items/a")
	if err := remoteStore.Update(ctx, updates); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		items := store.Items()
		if len(items) == 1 && items[0].ID == "b" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("store never converged: %+v", items)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitLen(t *testing.T, store *Store[item], n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for store.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d items, have %d", n, store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func twoPathStore(sub remote.Subscriber) (*Store[item], *changeLog) {
	store := New[item](sub, func(session string) []string {
		return []string{"users/" + session + "/items", "shared/items"}
	}, decodeItem)
	log := &changeLog{}
	observe.Register(store.Registry(), log)
	return store, log
}

func TestCollidingKeysOnTwoPathsAreIndependent(t *testing.T) {
	sub := newFakeSubscriber()
	store, log := twoPathStore(sub)
	if err := store.StartListening(context.Background(), "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	own, shared := "users/u1/items", "shared/items"

	sub.emit(own, 0, remote.Event{Key: "k", Kind: remote.Added, Payload: payload("own"), Seq: 7})
	// A lower sequence on another path is not stale.
	sub.emit(shared, 0, remote.Event{Key: "k", Kind: remote.Added, Payload: payload("shared"), Seq: 3})
	assert.Equal(t, store.Len(), 2)

	got, _ := store.GetAt(own, "k")
	assert.Equal(t, got.Value, "own")
	got, _ = store.GetAt(shared, "k")
	assert.Equal(t, got.Value, "shared")
	got, _ = store.Get("k")
	assert.Equal(t, got.Value, "own")

	items := store.Items()
	assert.Equal(t, len(items), 2)
	assert.Equal(t, items[0].Value, "shared")
	assert.Equal(t, items[1].Value, "own")

	sub.emit(own, 0, remote.Event{Key: "k", Kind: remote.Removed, Seq: 8})
	got, ok := store.Get("k")
	assert.Equal(t, ok, true)
	assert.Equal(t, got.Value, "shared")
	_, ok = store.GetAt(own, "k")
	assert.Equal(t, ok, false)

	sub.emit(shared, 0, remote.Event{Key: "k", Kind: remote.Changed, Payload: payload("shared2"), Seq: 4})
	got, _ = store.GetAt(shared, "k")
	assert.Equal(t, got.Value, "shared2")

	changes := log.snapshot()
	if len(changes) != 4 {
		t.Fatalf("expected 4 changes, got %+v", changes)
	}
	assert.Equal(t, changes[1].Kind, remote.Added)
	assert.Equal(t, changes[1].Path, shared)
	assert.Equal(t, changes[3].Kind, remote.Changed)
	assert.Equal(t, changes[3].Previous.Value, "shared")
}

func TestSyncedOnceEveryPathDeliveredItsSnapshot(t *testing.T) {
	sub := newFakeSubscriber()
	store, log := twoPathStore(sub)
	ctx := context.Background()
	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	assert.Equal(t, store.Synced(), false)

	waited := make(chan error, 1)
	go func() { waited <- store.WaitSynced(ctx) }()

	sub.emit("users/u1/items", 0, remote.Event{Key: "a", Kind: remote.Added, Payload: payload("v"), Seq: 1})
	sub.emit("users/u1/items", 0, remote.Event{Kind: remote.Synced, Seq: 1})
	// A repeated marker for the same path does not count twice.
	sub.emit("users/u1/items", 0, remote.Event{Kind: remote.Synced, Seq: 1})
	assert.Equal(t, store.Synced(), false)
	select {
	case err := <-waited:
		t.Fatalf("wait returned before every path synced: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	sub.emit("shared/items", 0, remote.Event{Kind: remote.Synced, Seq: 1})
	assert.Equal(t, store.Synced(), true)
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("wait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait never returned")
	}
	assert.Equal(t, len(log.snapshot()), 1)
	if err := store.WaitSynced(ctx); err != nil {
		t.Fatalf("wait on a synced store failed: %v", err)
	}
}

func TestWaitSyncedFailsWhenStoreStops(t *testing.T) {
	sub := newFakeSubscriber()
	store, _ := newTestStore(sub)
	ctx := context.Background()
	if err := store.WaitSynced(ctx); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening before listening, got %v", err)
	}
	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}

	waited := make(chan error, 1)
	go func() { waited <- store.WaitSynced(ctx) }()
	time.Sleep(10 * time.Millisecond)
	store.Clear()
	select {
	case err := <-waited:
		if !errors.Is(err, ErrNotListening) {
			t.Fatalf("expected ErrNotListening, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait never returned after clear")
	}

	// A marker from the cleared subscription does not sync the next session.
	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	sub.emit("users/u1/items", 0, remote.Event{Kind: remote.Synced, Seq: 1})
	assert.Equal(t, store.Synced(), false)
	sub.emit("users/u1/items", 1, remote.Event{Kind: remote.Synced, Seq: 1})
	assert.Equal(t, store.Synced(), true)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	store.Clear()
	if err := store.StartListening(ctx, "u2"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if err := store.WaitSynced(timeout); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestStoreWithoutPathsIsSyncedImmediately(t *testing.T) {
	store := New[item](newFakeSubscriber(), func(string) []string { return nil }, decodeItem)
	if err := store.StartListening(context.Background(), "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	assert.Equal(t, store.Synced(), true)
}

func TestStoreSyncsAgainstMemoryRemote(t *testing.T) {
	remoteStore := remote.NewMemoryStore()
	defer remoteStore.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	updates := remote.Updates{}
	for _, key := range []string{"a", "b", "c"} {
		if err := updates.Set("users/u1/items/"+key, map[string]string{"value": key}); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	if err := remoteStore.Update(ctx, updates); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	store, _ := newTestStore(remoteStore)
	if err := store.StartListening(ctx, "u1"); err != nil {
		t.Fatalf("start listening failed: %v", err)
	}
	if err := store.WaitSynced(ctx); err != nil {
		t.Fatalf("wait synced failed: %v", err)
	}
	assert.Equal(t, store.Len(), 3)
}
