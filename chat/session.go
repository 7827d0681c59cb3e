package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"huddle/fault"
	"huddle/models"
	"huddle/realtime"
)

// DefaultCloseTimeout bounds the best-effort writes made by Close.
const DefaultCloseTimeout = 5 * time.Second

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle    State = "idle"
	StateOpening State = "opening"
	StateOpen    State = "open"
	// StateFailed means at least one feed could not be established. Retry
	// re-establishes the missing feeds.
	StateFailed State = "failed"
	StateClosed State = "closed"
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrNotOpen is returned by operations that need Open first.
	ErrNotOpen = errors.New("chat: session not open")
)

type feed string

const (
	feedMessages feed = "messages"
	feedPresence feed = "presence"
	feedTyping   feed = "typing"
)

// Update is the state of a session after one change. Each update replaces
// the previous one.
type Update struct {
	ConversationID string
	// Messages in display order.
	Messages []models.Message
	// Unread messages in display order.
	Unread []models.Message
	// NewlyUnread lists the messages that became unread with this update.
	NewlyUnread []models.Message
	// Online lists users whose presence is online. Room sessions only.
	Online []string
	// Typing lists other users whose typing flag is set.
	Typing []string
	// Err is set when one feed failed; other feeds keep running.
	Err error
}

// Attachment references an uploaded file to be posted as a message.
type Attachment struct {
	Name        string
	URL         string
	Size        int64
	ContentType string
}

// Options configures a Session.
type Options struct {
	Store        realtime.Store
	Logger       *slog.Logger
	CloseTimeout time.Duration
}

// Session is one user's live view of one conversation.
type Session struct {
	store        realtime.Store
	logger       *slog.Logger
	closeTimeout time.Duration

	// connectMu serializes Open and Retry.
	connectMu sync.Mutex
	// notifyMu serializes listener calls across feeds.
	notifyMu sync.Mutex

	mu             sync.Mutex
	state          State
	conversationID string
	self           string
	peer           string
	feeds          map[feed]realtime.Unsubscribe
	announced      bool
	typingSelf     bool
	messages       []models.Message
	tracker        *unreadTracker
	presence       map[string]models.Presence
	typing         map[string]bool
	onUpdate       func(Update)
}

// NewSession creates an idle session.
func NewSession(options Options) *Session {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	closeTimeout := options.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	return &Session{
		store:        options.Store,
		logger:       logger,
		closeTimeout: closeTimeout,
		state:        StateIdle,
		feeds:        make(map[feed]realtime.Unsubscribe),
		presence:     make(map[string]models.Presence),
		typing:       make(map[string]bool),
	}
}

// OnUpdate sets the listener called after every change. The listener must
// not call Close.
func (s *Session) OnUpdate(listener func(Update)) {
	s.mu.Lock()
	s.onUpdate = listener
	s.mu.Unlock()
}

// Open subscribes to the conversation as self. For the shared room it also
// subscribes to presence and marks self online. A failure is a connection
// error; call Retry to re-establish what is missing.
func (s *Session) Open(ctx context.Context, conversationID, self string) error {
	return s.open(ctx, conversationID, self, "")
}

func (s *Session) open(ctx context.Context, conversationID, self, peer string) error {
	if err := ValidateUsername(self); err != nil {
		return err
	}
	if err := realtime.ValidateSegment(conversationID); err != nil {
		return fault.Validation("open session", err)
	}
	if s.store == nil {
		return errors.New("chat: session has no store")
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateIdle:
		s.conversationID = conversationID
		s.self = self
		s.peer = peer
		s.tracker = newUnreadTracker(self)
	default:
		if s.conversationID != conversationID || s.self != self {
			bound := s.conversationID
			s.mu.Unlock()
			return fmt.Errorf("chat: session already bound to %s", bound)
		}
	}
	s.mu.Unlock()

	return s.connect(ctx)
}

// Retry re-establishes feeds after Open or a feed failed.
func (s *Session) Retry(ctx context.Context) error {
	switch s.State() {
	case StateClosed:
		return ErrSessionClosed
	case StateIdle:
		return ErrNotOpen
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateOpening
	conversationID, self := s.conversationID, s.self
	s.mu.Unlock()

	if err := s.ensureFeed(ctx, feedMessages, MessagesPath(conversationID), s.handleMessages); err != nil {
		return s.failed("subscribe messages", err)
	}
	if err := s.ensureFeed(ctx, feedTyping, TypingRoot(conversationID), s.handleTyping); err != nil {
		return s.failed("subscribe typing", err)
	}
	if IsRoom(conversationID) {
		if err := s.ensureFeed(ctx, feedPresence, UsersPath, s.handlePresence); err != nil {
			return s.failed("subscribe presence", err)
		}
		if err := s.announce(ctx, self); err != nil {
			return s.failed("announce presence", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.state = StateOpen
	s.logger.Debug("chat session open", "conversation", conversationID, "user", self)
	return nil
}

func (s *Session) ensureFeed(ctx context.Context, name feed, path string, handle func(realtime.Snapshot)) error {
	s.mu.Lock()
	_, ok := s.feeds[name]
	s.mu.Unlock()
	if ok {
		return nil
	}

	unsubscribe, err := s.store.Subscribe(ctx, path, handle, func(err error) {
		s.handleFeedError(name, err)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		unsubscribe()
		return ErrSessionClosed
	}
	s.feeds[name] = unsubscribe
	return nil
}

func (s *Session) announce(ctx context.Context, self string) error {
	s.mu.Lock()
	announced := s.announced
	s.mu.Unlock()
	if announced {
		return nil
	}

	if err := s.store.Write(ctx, UserPath(self), presencePayload(true)); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.state == StateClosed
	if !closed {
		s.announced = true
	}
	s.mu.Unlock()
	if !closed {
		return nil
	}

	// Close ran while the online write was in flight and skipped the
	// offline write.
	offlineCtx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()
	if err := s.store.Write(offlineCtx, UserPath(self), presencePayload(false)); err != nil {
		s.logger.Warn("chat: mark offline failed", "user", self, "error", err)
	}
	return ErrSessionClosed
}

func (s *Session) failed(op string, err error) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateFailed
	s.mu.Unlock()

	if errors.Is(err, ErrSessionClosed) {
		return err
	}
	return fault.Connection(op, err)
}

// Send posts a text message.
func (s *Session) Send(ctx context.Context, text string) error {
	trimmed, err := ValidateText(text)
	if err != nil {
		return err
	}
	return s.post(ctx, models.Message{Text: trimmed, Type: models.ContentText})
}

// SendAttachment posts a file or image message. The text is the file name.
func (s *Session) SendAttachment(ctx context.Context, attachment Attachment) error {
	name, err := ValidateText(attachment.Name)
	if err != nil {
		return err
	}
	if attachment.URL == "" {
		return fault.Validation("send attachment", errors.New("attachment has no url"))
	}

	contentType := models.ContentFile
	if strings.HasPrefix(attachment.ContentType, "image/") {
		contentType = models.ContentImage
	}
	return s.post(ctx, models.Message{
		Text:     name,
		Type:     contentType,
		FileURL:  attachment.URL,
		FileSize: attachment.Size,
		FileType: attachment.ContentType,
	})
}

func (s *Session) post(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	state, conversationID := s.state, s.conversationID
	msg.Sender = s.self
	msg.Receiver = s.peer
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrSessionClosed
	case StateIdle:
		return ErrNotOpen
	}

	if _, err := s.store.Append(ctx, MessagesPath(conversationID), messagePayload(msg)); err != nil {
		return fault.Connection("send message", err)
	}

	s.mu.Lock()
	typing := s.typingSelf
	s.mu.Unlock()
	if typing {
		if err := s.SetTyping(ctx, false); err != nil {
			s.logger.Warn("chat: reset typing after send failed", "conversation", conversationID, "error", err)
		}
	}
	return nil
}

// SetTyping writes self's typing flag for the conversation.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	s.mu.Lock()
	state, conversationID, self := s.state, s.conversationID, s.self
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrSessionClosed
	case StateIdle:
		return ErrNotOpen
	}

	if err := s.store.Write(ctx, TypingPath(conversationID, self), typing); err != nil {
		return fault.Connection("set typing", err)
	}
	s.mu.Lock()
	s.typingSelf = typing
	s.mu.Unlock()
	return nil
}

// MarkAllRead empties the unread set. Messages already observed never
// become unread again.
func (s *Session) MarkAllRead() {
	s.emit(func() Update {
		if s.tracker != nil {
			s.tracker.markAllRead()
		}
		return s.updateLocked(nil, nil)
	})
}

// Close unsubscribes every feed. It resets self's typing flag and, for the
// room session, marks self offline; failures of those writes are logged.
// Close is idempotent, and no listener call starts after it returns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	previous := s.state
	s.state = StateClosed
	feeds := s.feeds
	s.feeds = make(map[feed]realtime.Unsubscribe)
	conversationID, self := s.conversationID, s.self
	announced, typing := s.announced, s.typingSelf
	s.mu.Unlock()

	for _, unsubscribe := range feeds {
		unsubscribe()
	}
	if previous == StateIdle {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()

	if typing {
		if err := s.store.Write(ctx, TypingPath(conversationID, self), false); err != nil {
			s.logger.Warn("chat: reset typing on close failed", "conversation", conversationID, "error", err)
		}
	}
	if announced {
		if err := s.store.Write(ctx, UserPath(self), presencePayload(false)); err != nil {
			s.logger.Warn("chat: mark offline failed", "user", self, "error", err)
		}
	}

	s.logger.Debug("chat session closed", "conversation", conversationID, "user", self)
	return nil
}

func (s *Session) handleMessages(snapshot realtime.Snapshot) {
	messages := decodeChildren[models.Message](snapshot, s.logger, func(id string, msg *models.Message) {
		msg.ID = id
	})
	SortMessages(messages)

	s.emit(func() Update {
		s.messages = messages
		fresh := s.tracker.observe(messages)
		return s.updateLocked(fresh, nil)
	})
}

func (s *Session) handlePresence(snapshot realtime.Snapshot) {
	users := decodeChildMap[models.Presence](snapshot, s.logger)
	s.emit(func() Update {
		s.presence = users
		return s.updateLocked(nil, nil)
	})
}

func (s *Session) handleTyping(snapshot realtime.Snapshot) {
	flags := decodeChildMap[bool](snapshot, s.logger)
	s.emit(func() Update {
		s.typing = flags
		return s.updateLocked(nil, nil)
	})
}

func (s *Session) handleFeedError(name feed, err error) {
	s.logger.Warn("chat: feed failed", "feed", string(name), "error", err)
	s.emit(func() Update {
		return s.updateLocked(nil, fault.Connection("read "+string(name), err))
	})
}

// emit applies build under the state lock and hands the result to the
// listener. Nothing is delivered once the session is closed.
func (s *Session) emit(build func() Update) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	update := build()
	listener := s.onUpdate
	s.mu.Unlock()

	if listener != nil {
		listener(update)
	}
}

func (s *Session) updateLocked(fresh []models.Message, err error) Update {
	return Update{
		ConversationID: s.conversationID,
		Messages:       append([]models.Message(nil), s.messages...),
		Unread:         s.tracker.list(),
		NewlyUnread:    fresh,
		Online:         s.onlineLocked(),
		Typing:         s.typingLocked(),
		Err:            err,
	}
}

func (s *Session) onlineLocked() []string {
	if !IsRoom(s.conversationID) {
		return nil
	}
	online := make([]string, 0, len(s.presence))
	for user, presence := range s.presence {
		if presence.Online {
			online = append(online, user)
		}
	}
	sort.Strings(online)
	return online
}

func (s *Session) typingLocked() []string {
	typing := make([]string, 0, len(s.typing))
	for user, on := range s.typing {
		if on && user != s.self {
			typing = append(typing, user)
		}
	}
	sort.Strings(typing)
	return typing
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Peer returns the other participant of a private session.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Messages returns the latest messages in display order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Unread returns the unread messages in display order.
func (s *Session) Unread() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return nil
	}
	return s.tracker.list()
}

func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return 0
	}
	return s.tracker.count()
}

// Online lists online users for the room session.
func (s *Session) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked()
}

// Presence returns every known presence record.
func (s *Session) Presence() map[string]models.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Presence, len(s.presence))
	for user, presence := range s.presence {
		out[user] = presence
	}
	return out
}

// Typing lists other users currently typing.
func (s *Session) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingLocked()
}

// PeerTyping reports whether the other participant of a private session is
// typing.
func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer != "" && s.typing[s.peer]
}

func presencePayload(online bool) map[string]any {
	return map[string]any{
		"online":   online,
		"lastSeen": realtime.ServerTimestamp,
	}
}

func messagePayload(msg models.Message) map[string]any {
	payload := map[string]any{
		"text":      msg.Text,
		"type":      msg.Type,
		"sender":    msg.Sender,
		"timestamp": realtime.ServerTimestamp,
	}
	if msg.Receiver != "" {
		payload["receiver"] = msg.Receiver
	}
	if msg.IsAttachment() {
		payload["fileUrl"] = msg.FileURL
		payload["fileSize"] = msg.FileSize
		payload["fileType"] = msg.FileType
	}
	return payload
}

// decodeChildren decodes every well-formed child, skipping the rest.
func decodeChildren[T any](snapshot realtime.Snapshot, logger *slog.Logger, keyed func(id string, v *T)) []T {
	out := make([]T, 0, len(snapshot.Children))
	for id, raw := range snapshot.Children {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Warn("chat: skipping malformed entry", "path", realtime.Join(snapshot.Path, id), "error", err)
			continue
		}
		if keyed != nil {
			keyed(id, &v)
		}
		out = append(out, v)
	}
	return out
}

func decodeChildMap[T any](snapshot realtime.Snapshot, logger *slog.Logger) map[string]T {
	out := make(map[string]T, len(snapshot.Children))
	for id, raw := range snapshot.Children {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Warn("chat: skipping malformed entry", "path", realtime.Join(snapshot.Path, id), "error", err)
			continue
		}
		out[id] = v
	}
	return out
}
