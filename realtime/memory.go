package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and the single-process
// demo mode of the CLI.
type MemoryStore struct {
	clock func() int64
	newID func() string

	hub *Hub

	mu       sync.RWMutex
	leaves   map[string]json.RawMessage
	children map[string]map[string]struct{}
	closed   bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the server clock (unix milliseconds).
func WithClock(clock func() int64) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// WithIDGenerator overrides Append id generation.
func WithIDGenerator(newID func() string) MemoryOption {
	return func(s *MemoryStore) {
		s.newID = newID
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		clock:    func() int64 { return time.Now().UnixMilli() },
		newID:    NewPushID,
		leaves:   make(map[string]json.RawMessage),
		children: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}
	store.hub = NewHub(store.load)
	return store
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, path string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.hub.Subscribe(ctx, path, onSnapshot, onError)
}

// Write implements Store. Writing null removes the path.
func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := Encode(value, s.clock())
	if err != nil {
		return err
	}
	if IsNull(raw) {
		return s.Remove(ctx, path)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.leaves[path] = raw
	if parent := Parent(path); parent != "" {
		index, ok := s.children[parent]
		if !ok {
			index = make(map[string]struct{})
			s.children[parent] = index
		}
		index[Base(path)] = struct{}{}
	}
	s.mu.Unlock()

	s.hub.Notify(path)
	return nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, path string, value any) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	id := s.newID()
	if err := s.Write(ctx, Join(path, id), value); err != nil {
		return "", err
	}
	return id, nil
}

// Remove implements Store. It deletes path and everything below it; removing
// a missing path is not an error.
func (s *MemoryStore) Remove(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.deleteLeaf(path)
	prefix := path + "/"
	for leaf := range s.leaves {
		if strings.HasPrefix(leaf, prefix) {
			s.deleteLeaf(leaf)
		}
	}
	s.mu.Unlock()

	s.hub.Notify(path)
	return nil
}

// Close stops all subscriptions. Further operations fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.Close()
	return nil
}

func (s *MemoryStore) deleteLeaf(path string) {
	delete(s.leaves, path)
	parent := Parent(path)
	if index, ok := s.children[parent]; ok {
		delete(index, Base(path))
		if len(index) == 0 {
			delete(s.children, parent)
		}
	}
}

func (s *MemoryStore) load(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Snapshot{}, ErrClosed
	}

	snapshot := Snapshot{Path: path, Children: make(map[string]json.RawMessage)}
	if value, ok := s.leaves[path]; ok {
		snapshot.Value = append(json.RawMessage(nil), value...)
	}
	for key := range s.children[path] {
		snapshot.Children[key] = append(json.RawMessage(nil), s.leaves[Join(path, key)]...)
	}
	return snapshot, nil
}

func (s *MemoryStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
