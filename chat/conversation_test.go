package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"huddle/fault"
	"huddle/models"
)

func TestPairKeyIsCommutative(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Fatalf("pair key depends on argument order")
	}
	if got := PairKey("bob", "alice"); got != "private_alice_bob" {
		t.Fatalf("unexpected pair key %q", got)
	}

	// a_b/c and a/b_c would share private_a_b_c, so names with the
	// separator are refused before a key is ever built.
	if PairKey("a_b", "c") != PairKey("a", "b_c") {
		t.Fatalf("expected the separator collision this guards against")
	}
	for _, name := range []string{"a_b", "b_c"} {
		if err := ValidateUsername(name); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("expected %q to be rejected, got %v", name, err)
		}
	}
}

func TestConversationPaths(t *testing.T) {
	if got := MessagesPath(RoomConversationID); got != "messages" {
		t.Fatalf("unexpected room messages path %q", got)
	}
	key := PairKey("ann", "bob")
	if got := MessagesPath(key); got != "privateChats/private_ann_bob/messages" {
		t.Fatalf("unexpected private messages path %q", got)
	}
	if got := TypingPath(key, "ann"); got != "privateChats/private_ann_bob/typing/ann" {
		t.Fatalf("unexpected typing path %q", got)
	}
	if got := UserPath("ann"); got != "users/ann" {
		t.Fatalf("unexpected user path %q", got)
	}
}

func TestValidateText(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := ValidateText(text); !errors.Is(err, fault.ErrValidation) || !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected empty validation error for %q, got %v", text, err)
		}
	}

	if _, err := ValidateText(strings.Repeat("é", MaxMessageLength+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected too-long error, got %v", err)
	}
	got, err := ValidateText("  " + strings.Repeat("é", MaxMessageLength) + "  ")
	if err != nil {
		t.Fatalf("max-length message rejected: %v", err)
	}
	if strings.HasPrefix(got, " ") {
		t.Fatalf("expected trimmed text")
	}
}

func TestValidateUsername(t *testing.T) {
	for _, name := range []string{"", " ann", "a/b", "a.b", "a#b", "ann_lee"} {
		if err := ValidateUsername(name); !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", name, err)
		}
	}
	if err := ValidateUsername("Ann Lee"); err != nil {
		t.Fatalf("expected valid name, got %v", err)
	}
}

func TestSortMessagesBreaksTiesByID(t *testing.T) {
	messages := []models.Message{
		{ID: "m2", Text: "there", Timestamp: 100},
		{ID: "m3", Text: "later", Timestamp: 101},
		{ID: "m1", Text: "hi", Timestamp: 100},
		{ID: "m0", Text: "first", Timestamp: 50},
	}
	SortMessages(messages)

	want := []string{"first", "hi", "there", "later"}
	for i, msg := range messages {
		if msg.Text != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], msg.Text)
		}
	}
}

func TestUniqueName(t *testing.T) {
	if got := UniqueName("ann", nil); got != "ann" {
		t.Fatalf("expected unchanged name, got %q", got)
	}
	if got := UniqueName("ann", []string{"ann", "ann1", "ann3"}); got != "ann2" {
		t.Fatalf("expected lowest free suffix, got %q", got)
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 7, 0, 0, time.Local).UnixMilli()
	if got := FormatTime(ts); got != "09:07" {
		t.Fatalf("unexpected formatted time %q", got)
	}
	if got := FormatTime(0); got != "--:--" {
		t.Fatalf("unexpected placeholder %q", got)
	}
}
