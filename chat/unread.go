package chat

import "huddle/models"

// unreadTracker remembers which message ids a session has observed. A message
// becomes unread the first time it is observed, unless self sent it.
type unreadTracker struct {
	self   string
	seen   map[string]struct{}
	unread map[string]models.Message
}

func newUnreadTracker(self string) *unreadTracker {
	return &unreadTracker{
		self:   self,
		seen:   make(map[string]struct{}),
		unread: make(map[string]models.Message),
	}
}

// observe records a sorted snapshot and returns the messages that became
// unread because of it, in snapshot order.
func (u *unreadTracker) observe(messages []models.Message) []models.Message {
	fresh := make([]models.Message, 0)
	for _, msg := range messages {
		if _, ok := u.seen[msg.ID]; ok {
			continue
		}
		u.seen[msg.ID] = struct{}{}
		if msg.Sender == u.self {
			continue
		}
		u.unread[msg.ID] = msg
		fresh = append(fresh, msg)
	}
	return fresh
}

func (u *unreadTracker) markAllRead() {
	u.unread = make(map[string]models.Message)
}

// list returns the unread messages in display order.
func (u *unreadTracker) list() []models.Message {
	out := make([]models.Message, 0, len(u.unread))
	for _, msg := range u.unread {
		out = append(out, msg)
	}
	SortMessages(out)
	return out
}

func (u *unreadTracker) count() int {
	return len(u.unread)
}
