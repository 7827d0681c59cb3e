// Package ui renders chat and video state as log-style lines and turns typed
// commands into chat and video operations.
package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"huddle/chat"
	"huddle/discovery"
	"huddle/models"
	"huddle/realtime"
	"huddle/uploads"
	"huddle/video"
)

// ErrQuit is returned by Execute for /quit.
var ErrQuit = errors.New("quit")

// RelayDirectory lists the signaling relays seen on the LAN.
type RelayDirectory interface {
	ListRelays() []discovery.DiscoveredRelay
	Refresh(ctx context.Context) error
}

// Options configures a Console.
type Options struct {
	Self  string
	Store realtime.Store
	// Video is optional; video commands fail without it.
	Video *video.Room
	// Uploads is optional; /file and /get fail without it.
	Uploads   *uploads.Dir
	VideoRoom string
	// Relays is optional; /relays fails without it. RelayURL marks the
	// relay in use.
	Relays   RelayDirectory
	RelayURL string
	Out      io.Writer
	Logger   *slog.Logger
}

// Console drives one user's chat room session, private sessions and video
// room from text commands.
type Console struct {
	self      string
	store     realtime.Store
	video     *video.Room
	uploads   *uploads.Dir
	videoRoom string
	relays    RelayDirectory
	relayURL  string
	logger    *slog.Logger

	room    *chat.Session
	manager *chat.Manager

	outMu sync.Mutex
	out   io.Writer

	viewMu sync.Mutex
	views  map[string]*conversationView
	call   videoView
}

// NewConsole wires listeners for every session and the video room. Nothing
// is opened until Run or Open.
func NewConsole(options Options) (*Console, error) {
	if err := chat.ValidateUsername(options.Self); err != nil {
		return nil, err
	}
	if options.Store == nil {
		return nil, errors.New("ui: console requires a store")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := options.Out
	if out == nil {
		out = io.Discard
	}
	videoRoom := options.VideoRoom
	if videoRoom == "" {
		videoRoom = video.Rooms[0]
	}

	c := &Console{
		self:      options.Self,
		store:     options.Store,
		video:     options.Video,
		uploads:   options.Uploads,
		videoRoom: videoRoom,
		relays:    options.Relays,
		relayURL:  options.RelayURL,
		logger:    logger,
		out:       out,
		views:     make(map[string]*conversationView),
	}

	c.room = chat.NewSession(chat.Options{Store: options.Store, Logger: logger})
	c.room.OnUpdate(func(update chat.Update) {
		c.renderChat("room", update, false)
	})

	manager, err := chat.NewManager(chat.ManagerOptions{
		Store:  options.Store,
		Self:   options.Self,
		Logger: logger,
		OnUpdate: func(peer string, update chat.Update) {
			c.renderChat("@"+peer, update, true)
		},
	})
	if err != nil {
		return nil, err
	}
	c.manager = manager

	if c.video != nil {
		c.video.OnUpdate(c.renderVideo)
	}
	return c, nil
}

// Open joins the shared room.
func (c *Console) Open(ctx context.Context) error {
	if err := c.room.Open(ctx, chat.RoomConversationID, c.self); err != nil {
		return err
	}
	c.printf("* joined the room as %s (type /help for commands)", c.self)
	return nil
}

// Run opens the room, executes one command per input line until /quit, EOF
// or ctx ends, then closes everything.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	defer c.Close()

	if err := c.Open(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printf("! %v", err)
			}
		}
	}
}

// Close leaves video, closes private sessions and then the room session.
func (c *Console) Close() {
	if c.video != nil {
		_ = c.video.Close()
	}
	c.manager.CloseAll()
	_ = c.room.Close()
}

// Room returns the shared room session.
func (c *Console) Room() *chat.Session {
	return c.room
}

// Manager returns the private session manager.
func (c *Console) Manager() *chat.Manager {
	return c.manager
}

// Execute runs one input line.
func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.room.Send(ctx, line)
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch command {
	case "/quit", "/exit":
		return ErrQuit
	case "/help":
		c.printHelp()
		return nil
	case "/pm":
		target, text, _ := strings.Cut(rest, " ")
		if target == "" {
			return errors.New("usage: /pm <user> <text>")
		}
		session, err := c.manager.Open(ctx, target)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			c.printf("* private chat with %s open", target)
			return nil
		}
		return session.Send(ctx, text)
	case "/close":
		if len(args) != 1 {
			return errors.New("usage: /close <user>")
		}
		if err := c.manager.Close(args[0]); err != nil {
			return err
		}
		c.forget(chat.PairKey(c.self, args[0]))
		c.printf("* private chat with %s closed", args[0])
		return nil
	case "/read":
		session, err := c.target(ctx, args, 0)
		if err != nil {
			return err
		}
		session.MarkAllRead()
		return nil
	case "/typing":
		if len(args) == 0 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: /typing on|off [user]")
		}
		session, err := c.target(ctx, args, 1)
		if err != nil {
			return err
		}
		return session.SetTyping(ctx, args[0] == "on")
	case "/file":
		if len(args) == 0 {
			return errors.New("usage: /file <path> [user]")
		}
		if c.uploads == nil {
			return errors.New("uploads are not configured")
		}
		session, err := c.target(ctx, args, 1)
		if err != nil {
			return err
		}
		attachment, err := c.uploads.Save(ctx, args[0])
		if err != nil {
			return err
		}
		return session.SendAttachment(ctx, attachment)
	case "/get":
		if len(args) == 0 || len(args) > 2 {
			return errors.New("usage: /get <url> [dir]")
		}
		if c.uploads == nil {
			return errors.New("uploads are not configured")
		}
		destDir := "."
		if len(args) == 2 {
			destDir = args[1]
		}
		path, err := c.uploads.Fetch(ctx, args[0], destDir)
		if err != nil {
			return err
		}
		c.printf("* saved %s", path)
		return nil
	case "/relays":
		return c.listRelays(ctx, args)
	case "/retry":
		return c.room.Retry(ctx)
	case "/who":
		c.printWho()
		return nil
	case "/video", "/leave", "/mute", "/camera":
		return c.executeVideo(ctx, command, args)
	default:
		return fmt.Errorf("unknown command %s (type /help)", command)
	}
}

func (c *Console) executeVideo(ctx context.Context, command string, args []string) error {
	if c.video == nil {
		return errors.New("video is not available")
	}
	switch command {
	case "/video":
		room := c.videoRoom
		if len(args) > 0 {
			room = args[0]
		}
		return c.video.JoinRoom(ctx, room)
	case "/leave":
		return c.video.Leave(ctx)
	case "/mute":
		enabled, err := c.video.ToggleAudio()
		if err != nil {
			return err
		}
		c.printf("* microphone %s", onOff(enabled))
		return nil
	default:
		enabled, err := c.video.ToggleVideo()
		if err != nil {
			return err
		}
		c.printf("* camera %s", onOff(enabled))
		return nil
	}
}

// target picks the private session named by args[index], or the room.
func (c *Console) target(ctx context.Context, args []string, index int) (*chat.Session, error) {
	if len(args) <= index {
		return c.room, nil
	}
	return c.manager.Open(ctx, args[index])
}

func (c *Console) printHelp() {
	c.printf("%s", strings.Join([]string{
		"commands:",
		"  <text>                 send to the room",
		"  /pm <user> [text]      open a private chat and send",
		"  /close <user>          close a private chat",
		"  /read [user]           mark messages read",
		"  /typing on|off [user]  set the typing flag",
		"  /file <path> [user]    share a file",
		"  /get <url> [dir]       save a shared file",
		"  /video [room]          join a video room (" + strings.Join(video.Rooms, ", ") + ")",
		"  /leave                 leave the video room",
		"  /mute, /camera         toggle microphone or camera",
		"  /who                   list online users and calls",
		"  /relays [refresh]      list signaling relays on the LAN",
		"  /retry                 reconnect the room",
		"  /quit                  exit",
	}, "\n"))
}

func (c *Console) listRelays(ctx context.Context, args []string) error {
	if len(args) > 1 || (len(args) == 1 && args[0] != "refresh") {
		return errors.New("usage: /relays [refresh]")
	}
	if c.relays == nil {
		return errors.New("relay discovery is not running")
	}
	if len(args) == 1 {
		if err := c.relays.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh relays: %w", err)
		}
	}

	relays := c.relays.ListRelays()
	if len(relays) == 0 {
		c.printf("* no relays found")
		return nil
	}
	lines := make([]string, 0, len(relays)+1)
	lines = append(lines, fmt.Sprintf("* relays (%d):", len(relays)))
	for _, relay := range relays {
		marker := " "
		if relay.URL() == c.relayURL {
			marker = "*"
		}
		lines = append(lines, fmt.Sprintf("  %s %s %s", marker, relay.Name, relay.URL()))
	}
	c.printf("%s", strings.Join(lines, "\n"))
	return nil
}

func (c *Console) printWho() {
	online := c.room.Online()
	c.printf("* online (%d): %s", len(online), strings.Join(online, ", "))
	if peers := c.manager.Peers(); len(peers) > 0 {
		parts := make([]string, 0, len(peers))
		for _, peer := range peers {
			session, ok := c.manager.Session(peer)
			if !ok {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s (%d unread)", peer, session.UnreadCount()))
		}
		c.printf("* private: %s", strings.Join(parts, ", "))
	}
	if c.video != nil && c.video.State() == video.StateJoined {
		sessions := c.video.Sessions()
		users := make([]string, 0, len(sessions))
		for _, session := range sessions {
			users = append(users, fmt.Sprintf("%s [%s]", displayUser(session), session.State))
		}
		c.printf("* video %s: %s", c.video.Room(), strings.Join(users, ", "))
	}
}

// conversationView remembers what was already printed for a conversation.
type conversationView struct {
	printed map[string]struct{}
	typing  string
	online  string
	err     string
}

type videoView struct {
	state    video.State
	room     string
	sessions string
}

func (c *Console) forget(conversationID string) {
	c.viewMu.Lock()
	delete(c.views, conversationID)
	c.viewMu.Unlock()
}

func (c *Console) renderChat(label string, update chat.Update, private bool) {
	c.viewMu.Lock()
	view, ok := c.views[update.ConversationID]
	if !ok {
		view = &conversationView{printed: make(map[string]struct{})}
		c.views[update.ConversationID] = view
	}

	lines := make([]string, 0)
	for _, msg := range update.Messages {
		if _, done := view.printed[msg.ID]; done {
			continue
		}
		view.printed[msg.ID] = struct{}{}
		lines = append(lines, formatMessage(label, msg))
	}
	if private {
		for _, msg := range update.NewlyUnread {
			lines = append(lines, fmt.Sprintf("* new message from %s", msg.Sender))
		}
	}
	if typing := strings.Join(update.Typing, ", "); typing != view.typing {
		view.typing = typing
		if typing != "" {
			lines = append(lines, fmt.Sprintf("* %s: %s typing...", label, typing))
		}
	}
	if !private {
		if online := strings.Join(update.Online, ", "); online != view.online {
			view.online = online
			lines = append(lines, fmt.Sprintf("* online: %s", online))
		}
	}
	errText := ""
	if update.Err != nil {
		errText = update.Err.Error()
	}
	if errText != view.err {
		view.err = errText
		if errText != "" {
			lines = append(lines, fmt.Sprintf("! %s: %s", label, errText))
		}
	}
	c.viewMu.Unlock()

	for _, line := range lines {
		c.printf("%s", line)
	}
}

func (c *Console) renderVideo(update video.Update) {
	sessions := make([]string, 0, len(update.Sessions))
	for _, session := range update.Sessions {
		sessions = append(sessions, fmt.Sprintf("%s [%s]", displayUser(session), session.State))
	}
	sort.Strings(sessions)
	summary := strings.Join(sessions, ", ")

	c.viewMu.Lock()
	lines := make([]string, 0, 3)
	if update.State != c.call.state || update.Room != c.call.room {
		c.call.state, c.call.room = update.State, update.Room
		lines = append(lines, fmt.Sprintf("* video %s: %s", update.Room, update.State))
	}
	if summary != c.call.sessions {
		c.call.sessions = summary
		if summary == "" {
			summary = "no calls"
		}
		lines = append(lines, fmt.Sprintf("* video calls: %s", summary))
	}
	if update.Err != nil {
		lines = append(lines, fmt.Sprintf("! video: %v", update.Err))
	}
	c.viewMu.Unlock()

	for _, line := range lines {
		c.printf("%s", line)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

func formatMessage(label string, msg models.Message) string {
	stamp := chat.FormatTime(msg.Timestamp)
	if msg.IsAttachment() {
		return fmt.Sprintf("[%s] %s %s shared %s %q (%s, %d bytes) %s",
			stamp, label, msg.Sender, msg.Type, msg.Text, msg.FileType, msg.FileSize, msg.FileURL)
	}
	return fmt.Sprintf("[%s] %s %s: %s", stamp, label, msg.Sender, msg.Text)
}

func displayUser(session video.CallSession) string {
	if session.User != "" {
		return session.User
	}
	if len(session.Peer) > 8 {
		return session.Peer[:8]
	}
	return session.Peer
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

// PickName returns base, made unique against the users currently online.
func PickName(ctx context.Context, store realtime.Store, base string) (string, error) {
	if err := chat.ValidateUsername(base); err != nil {
		return "", err
	}

	snapshots := make(chan realtime.Snapshot, 1)
	unsubscribe, err := store.Subscribe(ctx, chat.UsersPath, func(snapshot realtime.Snapshot) {
		select {
		case snapshots <- snapshot:
		default:
		}
	}, nil)
	if err != nil {
		return "", fmt.Errorf("read presence: %w", err)
	}
	defer unsubscribe()

	var snapshot realtime.Snapshot
	select {
	case snapshot = <-snapshots:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Second):
		return "", errors.New("read presence: timed out")
	}

	online := make([]string, 0, len(snapshot.Children))
	presence, err := realtime.DecodeChildren[models.Presence](snapshot)
	if err != nil {
		return "", err
	}
	for name, p := range presence {
		if p.Online {
			online = append(online, name)
		}
	}
	return chat.UniqueName(base, online), nil
}
