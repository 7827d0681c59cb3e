package redisstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"huddle/models"
	"huddle/realtime"
)

func TestKeyLayout(t *testing.T) {
	store := &Store{prefix: "test:"}

	if got := store.nodeKey("users/ann"); got != "test:node:users/ann" {
		t.Fatalf("unexpected node key %q", got)
	}
	if got := store.childrenKey("users"); got != "test:children:users" {
		t.Fatalf("unexpected children key %q", got)
	}
	if got := store.channel(); got != "test:changes" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestEscapeGlobQuotesWildcards(t *testing.T) {
	cases := map[string]string{
		"test:node:users/ann": "test:node:users/ann",
		"test:node:users/a*":  `test:node:users/a\*`,
		"x?[ab]^":             `x\?\[ab\]\^`,
		`back\slash`:          `back\\slash`,
	}
	for in, want := range cases {
		if got := escapeGlob(in); got != want {
			t.Fatalf("escapeGlob(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error for missing address")
	}
}

func TestStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("HUDDLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HUDDLE_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	prefix := "huddle-test:" + uuid.NewString() + ":"
	first, err := Open(ctx, Options{Addr: addr, KeyPrefix: prefix})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer first.Close()
	second, err := Open(ctx, Options{Addr: addr, KeyPrefix: prefix})
	if err != nil {
		t.Fatalf("Open second failed: %v", err)
	}
	defer second.Close()

	var (
		mu       sync.Mutex
		messages map[string]models.Message
	)
	unsubscribe, err := second.Subscribe(ctx, "messages", func(s realtime.Snapshot) {
		decoded, err := realtime.DecodeChildren[models.Message](s)
		if err != nil {
			return
		}
		mu.Lock()
		messages = decoded
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	id, err := first.Append(ctx, "messages", map[string]any{
		"text":      "hi",
		"type":      models.ContentText,
		"sender":    "ann",
		"timestamp": realtime.ServerTimestamp,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return messages[id].Text == "hi" && messages[id].Timestamp > 0
	})

	for _, path := range []string{"users/a*/name", "users/ab/name"} {
		if err := first.Write(ctx, path, "x"); err != nil {
			t.Fatalf("Write %s failed: %v", path, err)
		}
	}
	if err := first.Remove(ctx, "users/a*"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	kept, err := first.load(ctx, "users/ab/name")
	if err != nil || kept.Value == nil {
		t.Fatalf("removing a* must not touch ab, got %+v (%v)", kept, err)
	}

	if err := first.Remove(ctx, "messages"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 0
	})
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition was not met within %s", timeout)
}
