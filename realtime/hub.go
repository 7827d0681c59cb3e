package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// LoadFunc reads the current snapshot of path from a backend.
type LoadFunc func(ctx context.Context, path string) (Snapshot, error)

// Hub fans change notifications out to subscriptions. Each subscription owns a
// goroutine that reloads its path when marked dirty, so a burst of changes
// collapses into one snapshot of the latest state.
type Hub struct {
	load LoadFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

type subscription struct {
	id         uint64
	path       string
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	dirty    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewHub creates a hub that reads snapshots with load.
func NewHub(load LoadFunc) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		load:   load,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*subscription),
	}
}

// Subscribe registers a subscription and loads the initial snapshot with ctx.
// An error from that first load is returned and nothing is registered.
func (h *Hub) Subscribe(ctx context.Context, path string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if onSnapshot == nil {
		return nil, errors.New("realtime: snapshot callback is required")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	sub := &subscription{
		id:         h.nextID,
		path:       path,
		onSnapshot: onSnapshot,
		onError:    onError,
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	initial, err := h.load(ctx, path)
	if err != nil {
		h.remove(sub.id)
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.wg.Add(1)
	h.mu.Unlock()
	go h.run(sub, initial)

	return func() { h.remove(sub.id) }, nil
}

// Notify marks every subscription affected by a change at path.
func (h *Hub) Notify(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if affects(sub.path, path) {
			sub.markDirty()
		}
	}
}

// NotifyAll marks every subscription dirty.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		sub.markDirty()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every subscription and waits for delivery goroutines to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.stop()
		delete(h.subs, id)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok {
		sub.stop()
	}
}

func (h *Hub) run(sub *subscription, initial Snapshot) {
	defer h.wg.Done()

	if sub.stopped.Load() {
		return
	}
	sub.onSnapshot(initial)

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.dirty:
		}

		snapshot, err := h.load(h.ctx, sub.path)
		if sub.stopped.Load() || h.ctx.Err() != nil {
			return
		}
		if err != nil {
			if sub.onError != nil {
				sub.onError(err)
			}
			continue
		}
		sub.onSnapshot(snapshot)
	}
}

func (s *subscription) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}
