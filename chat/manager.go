package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"huddle/fault"
	"huddle/realtime"
)

// ErrSelfConversation rejects a private conversation with oneself.
var ErrSelfConversation = errors.New("cannot open a private chat with yourself")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store        realtime.Store
	Self         string
	Logger       *slog.Logger
	CloseTimeout time.Duration
	// OnUpdate receives updates of every private session, keyed by the
	// other participant.
	OnUpdate func(peer string, update Update)
}

// Manager owns the private sessions of one user. There is at most one
// session per pair of users.
type Manager struct {
	store        realtime.Store
	self         string
	logger       *slog.Logger
	closeTimeout time.Duration
	onUpdate     func(peer string, update Update)

	mu       sync.Mutex
	sessions map[string]*Session
	// opening holds the opens in flight so the lock is not held across
	// store round-trips.
	opening map[string]*openOp
}

type openOp struct {
	done chan struct{}
	// cancelled is set under Manager.mu when Close runs mid-open.
	cancelled bool
	session   *Session
	err       error
}

// NewManager validates the options and returns an empty manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Store == nil {
		return nil, errors.New("chat: manager requires a store")
	}
	if err := ValidateUsername(options.Self); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:        options.Store,
		self:         options.Self,
		logger:       logger,
		closeTimeout: options.CloseTimeout,
		onUpdate:     options.OnUpdate,
		sessions:     make(map[string]*Session),
		opening:      make(map[string]*openOp),
	}, nil
}

// Open returns the session with target, opening it if needed. Calling it
// again for the same target returns the same session.
func (m *Manager) Open(ctx context.Context, target string) (*Session, error) {
	if err := ValidateUsername(target); err != nil {
		return nil, err
	}
	if target == m.self {
		return nil, fault.Validation("open private chat", ErrSelfConversation)
	}

	key := PairKey(m.self, target)

	m.mu.Lock()
	if session, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return session, nil
	}
	if op, ok := m.opening[key]; ok {
		m.mu.Unlock()
		select {
		case <-op.done:
			return op.session, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &openOp{done: make(chan struct{})}
	m.opening[key] = op
	m.mu.Unlock()

	session := NewSession(Options{
		Store:        m.store,
		Logger:       m.logger.With("conversation", key),
		CloseTimeout: m.closeTimeout,
	})
	if m.onUpdate != nil {
		onUpdate := m.onUpdate
		session.OnUpdate(func(update Update) { onUpdate(target, update) })
	}
	err := session.open(ctx, key, m.self, target)

	m.mu.Lock()
	delete(m.opening, key)
	switch {
	case err != nil:
	case op.cancelled:
		err = ErrSessionClosed
	default:
		m.sessions[key] = session
	}
	m.mu.Unlock()

	if err != nil {
		_ = session.Close()
		session = nil
	}
	op.session, op.err = session, err
	close(op.done)
	return session, err
}

// Close closes and forgets the session with target. Unknown targets are
// ignored.
func (m *Manager) Close(target string) error {
	key := PairKey(m.self, target)

	m.mu.Lock()
	session, ok := m.sessions[key]
	delete(m.sessions, key)
	if op, opening := m.opening[key]; opening {
		op.cancelled = true
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return session.Close()
}

// Session returns the open session with target.
func (m *Manager) Session(target string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[PairKey(m.self, target)]
	return session, ok
}

// Peers lists the users with an open private session.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]string, 0, len(m.sessions))
	for _, session := range m.sessions {
		peers = append(peers, session.Peer())
	}
	sort.Strings(peers)
	return peers
}

// CloseAll closes every private session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	for _, op := range m.opening {
		op.cancelled = true
	}
	m.mu.Unlock()

	for _, session := range sessions {
		_ = session.Close()
	}
}
