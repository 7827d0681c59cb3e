package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"huddle/fault"
	"huddle/realtime"
)

func newTestManager(t *testing.T, store realtime.Store, self string, onUpdate func(string, Update)) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{Store: store, Self: self, OnUpdate: onUpdate})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.CloseAll)
	return manager
}

func TestManagerOpenIsIdempotent(t *testing.T) {
	memory := realtime.NewMemoryStore()
	defer memory.Close()
	manager := newTestManager(t, memory, "ann", nil)
	ctx := context.Background()

	first, err := manager.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := manager.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same session for repeated opens")
	}
	if first.ConversationID() != PairKey("bob", "ann") {
		t.Fatalf("unexpected conversation id %q", first.ConversationID())
	}

	if err := manager.Close("bob"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if first.State() != StateClosed {
		t.Fatalf("expected closed session, got %s", first.State())
	}
	third, err := manager.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if third == first {
		t.Fatalf("expected a new session after close")
	}

	if err := manager.Close("nobody"); err != nil {
		t.Fatalf("closing an unknown target must not fail: %v", err)
	}
}

func TestManagerConcurrentOpensShareOneSession(t *testing.T) {
	memory := realtime.NewMemoryStore()
	defer memory.Close()
	manager := newTestManager(t, memory, "ann", nil)

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := manager.Open(context.Background(), "bob")
			if err != nil {
				t.Errorf("Open failed: %v", err)
				return
			}
			sessions[i] = session
		}(i)
	}
	wg.Wait()

	for _, session := range sessions[1:] {
		if session != sessions[0] {
			t.Fatalf("expected one session per pair")
		}
	}
	if peers := manager.Peers(); len(peers) != 1 || peers[0] != "bob" {
		t.Fatalf("unexpected peers %v", peers)
	}
}

// blockingStore holds subscriptions to one path until release is closed.
type blockingStore struct {
	realtime.Store
	path    string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Subscribe(ctx context.Context, path string, onSnapshot realtime.SnapshotFunc, onError realtime.ErrorFunc) (realtime.Unsubscribe, error) {
	if path == b.path {
		close(b.entered)
		<-b.release
	}
	return b.Store.Subscribe(ctx, path, onSnapshot, onError)
}

func TestManagerSlowOpenDoesNotBlockOtherCalls(t *testing.T) {
	memory := realtime.NewMemoryStore()
	defer memory.Close()
	slow := &blockingStore{
		Store:   memory,
		path:    MessagesPath(PairKey("ann", "bob")),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	manager := newTestManager(t, slow, "ann", nil)
	ctx := context.Background()

	opened := make(chan error, 1)
	go func() {
		_, err := manager.Open(ctx, "bob")
		opened <- err
	}()
	select {
	case <-slow.entered:
	case <-time.After(time.Second):
		t.Fatalf("open never reached the store")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := manager.Session("bob"); ok {
			t.Errorf("session must not be visible before it is open")
		}
		if _, err := manager.Open(ctx, "carol"); err != nil {
			t.Errorf("Open carol failed: %v", err)
		}
		if peers := manager.Peers(); len(peers) != 1 || peers[0] != "carol" {
			t.Errorf("unexpected peers %v", peers)
		}
		if err := manager.Close("bob"); err != nil {
			t.Errorf("Close bob failed: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("manager calls blocked behind a slow open")
	}

	close(slow.release)
	if err := <-opened; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected open cancelled by Close, got %v", err)
	}
	if _, ok := manager.Session("bob"); ok {
		t.Fatalf("closed session must not be registered")
	}
}

func TestManagerRejectsSelfAndInvalidTargets(t *testing.T) {
	memory := realtime.NewMemoryStore()
	defer memory.Close()
	manager := newTestManager(t, memory, "ann", nil)

	for _, target := range []string{"ann", "", "a/b"} {
		if _, err := manager.Open(context.Background(), target); !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", target, err)
		}
	}
	if _, err := NewManager(ManagerOptions{Self: "ann"}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestPrivateConversationBetweenManagers(t *testing.T) {
	memory := realtime.NewMemoryStore()
	defer memory.Close()
	ctx := context.Background()

	var (
		mu        sync.Mutex
		bobNotice []string
	)
	annManager := newTestManager(t, memory, "ann", nil)
	bobManager := newTestManager(t, memory, "bob", func(peer string, update Update) {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range update.NewlyUnread {
			bobNotice = append(bobNotice, peer+":"+msg.Text)
		}
	})

	annSession, err := annManager.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("ann Open failed: %v", err)
	}
	bobSession, err := bobManager.Open(ctx, "ann")
	if err != nil {
		t.Fatalf("bob Open failed: %v", err)
	}
	if annSession.ConversationID() != bobSession.ConversationID() {
		t.Fatalf("both sides must share one conversation")
	}

	if err := annSession.SetTyping(ctx, true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	waitForCondition(t, time.Second, bobSession.PeerTyping)

	if err := annSession.Send(ctx, "psst"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		messages := bobSession.Messages()
		return len(messages) == 1 && messages[0].Receiver == "bob" && !bobSession.PeerTyping()
	})
	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bobNotice) == 1 && bobNotice[0] == "ann:psst"
	})

	// Private sessions never touch presence.
	if _, err := memory.Subscribe(ctx, UsersPath, func(s realtime.Snapshot) {
		if len(s.Children) != 0 {
			t.Errorf("private sessions wrote presence: %v", s.Children)
		}
	}, nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
}
