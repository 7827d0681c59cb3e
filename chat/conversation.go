// Package chat keeps a user's live view of the shared room and of private
// conversations on top of a realtime.Store.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"huddle/fault"
	"huddle/models"
	"huddle/realtime"
)

const (
	// RoomConversationID identifies the single shared room.
	RoomConversationID = "chatroom"
	// MaxMessageLength is the longest accepted message, in characters after
	// trimming.
	MaxMessageLength = 1000

	privatePrefix = "private_"
	pairSeparator = "_"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrMessageTooLong  = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	ErrInvalidUsername = errors.New("invalid username")
)

// PairKey returns the conversation id shared by two users. It does not
// depend on argument order, and distinct pairs of valid usernames never share
// a key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return privatePrefix + a + pairSeparator + b
}

// IsRoom reports whether conversationID is the shared room.
func IsRoom(conversationID string) bool {
	return conversationID == RoomConversationID
}

// MessagesPath is where a conversation's messages are appended.
func MessagesPath(conversationID string) string {
	if IsRoom(conversationID) {
		return "messages"
	}
	return realtime.Join("privateChats", conversationID, "messages")
}

// TypingRoot holds one typing flag per user of a conversation.
func TypingRoot(conversationID string) string {
	return realtime.Join("privateChats", conversationID, "typing")
}

// TypingPath is the typing flag of one user in a conversation.
func TypingPath(conversationID, user string) string {
	return realtime.Join(TypingRoot(conversationID), user)
}

// UsersPath holds the presence record of every user.
const UsersPath = "users"

// UserPath is the presence record of one user.
func UserPath(user string) string {
	return realtime.Join(UsersPath, user)
}

// ValidateUsername checks that name can be used as a path segment and as
// one half of a PairKey. Underscores separate the halves of a pair key, so
// they are not allowed in names.
func ValidateUsername(name string) error {
	if strings.TrimSpace(name) != name {
		return fault.Validation("validate username", fmt.Errorf("%w: surrounding whitespace", ErrInvalidUsername))
	}
	if strings.Contains(name, pairSeparator) {
		return fault.Validation("validate username", fmt.Errorf("%w: %q is reserved", ErrInvalidUsername, pairSeparator))
	}
	if err := realtime.ValidateSegment(name); err != nil {
		return fault.Validation("validate username", fmt.Errorf("%w: %v", ErrInvalidUsername, err))
	}
	return nil
}

// ValidateText trims text and rejects empty or oversized messages.
func ValidateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fault.Validation("validate message", ErrEmptyMessage)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", fault.Validation("validate message", ErrMessageTooLong)
	}
	return trimmed, nil
}

// SortMessages orders messages by timestamp, then by id.
func SortMessages(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})
}

// UniqueName returns base, or base followed by the lowest number >= 1 that
// makes it distinct from every name in existing.
func UniqueName(base string, existing []string) string {
	taken := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		taken[name] = struct{}{}
	}
	if _, ok := taken[base]; !ok {
		return base
	}
	for i := 1; ; i++ {
		candidate := base + strconv.Itoa(i)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

// FormatTime renders a unix millisecond timestamp as local HH:MM.
func FormatTime(unixMilli int64) string {
	if unixMilli <= 0 {
		return "--:--"
	}
	return time.UnixMilli(unixMilli).Format("15:04")
}
