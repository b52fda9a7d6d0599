package remote

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/relaysync/internal/owner"
)

// feed serializes delivery to one handler on its own loop, so a slow handler never
// stalls the backend that produced the events.
type feed struct {
	path    string
	handler Handler
	loop    *owner.Loop
	cancel  context.CancelFunc
	closed  atomic.Bool
	once    sync.Once
	onClose func()

	// last and seq describe the snapshot already delivered; guarded by the owning
	// backend.
	last map[string]json.RawMessage
	seq  uint64
}

func newFeed(path string, handler Handler) *feed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &feed{
		path:    path,
		handler: handler,
		loop:    owner.NewLoop(),
		cancel:  cancel,
	}
	go f.loop.Run(ctx)
	return f
}

func (f *feed) push(events []Event) {
	if len(events) == 0 || f.closed.Load() {
		return
	}
	f.loop.Post(func() {
		for _, event := range events {
			if f.closed.Load() {
				return
			}
			f.handler(event)
		}
	})
}

func (f *feed) Close() error {
	f.once.Do(func() {
		f.closed.Store(true)
		f.cancel()
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}
