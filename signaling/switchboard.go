package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"huddle/media"
)

// Switchboard connects endpoints living in the same process.
type Switchboard struct {
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewSwitchboard creates an empty switchboard. A nil logger uses slog.Default().
func NewSwitchboard(logger *slog.Logger) *Switchboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switchboard{
		logger:    logger,
		endpoints: make(map[string]*Endpoint),
	}
}

// NewEndpoint returns an unregistered endpoint. It receives an address on
// CreateLocalEndpoint.
func (sb *Switchboard) NewEndpoint() *Endpoint {
	return &Endpoint{
		board: sb,
		calls: make(map[*leg]struct{}),
	}
}

// Len returns the number of registered endpoints.
func (sb *Switchboard) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.endpoints)
}

func (sb *Switchboard) lookup(address string) (*Endpoint, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	endpoint, ok := sb.endpoints[address]
	return endpoint, ok
}

// Endpoint is a Service attached to a Switchboard.
type Endpoint struct {
	board *Switchboard

	mu         sync.Mutex
	address    string
	closed     bool
	onIncoming func(Call)
	calls      map[*leg]struct{}
}

var _ Service = (*Endpoint)(nil)

// CreateLocalEndpoint implements Service.
func (e *Endpoint) CreateLocalEndpoint(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if e.address != "" {
		return e.address, nil
	}

	e.address = uuid.NewString()
	e.board.mu.Lock()
	e.board.endpoints[e.address] = e
	e.board.mu.Unlock()

	e.board.logger.Debug("signaling endpoint registered", "address", e.address)
	return e.address, nil
}

// Address returns the registered address, or "" before CreateLocalEndpoint.
func (e *Endpoint) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

// OnIncomingCall implements Service.
func (e *Endpoint) OnIncomingCall(handler func(Call)) {
	e.mu.Lock()
	e.onIncoming = handler
	e.mu.Unlock()
}

// Call implements Service. The callee's handler runs on its own goroutine.
func (e *Endpoint) Call(ctx context.Context, remoteAddress string, local *media.Stream) (Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	closed, address := e.closed, e.address
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if address == "" {
		return nil, ErrNoEndpoint
	}

	remote, ok := e.board.lookup(remoteAddress)
	if !ok || remote == e {
		return nil, fmt.Errorf("call %s: %w", remoteAddress, ErrUnknownPeer)
	}

	id := uuid.NewString()
	caller := newLeg(id, remoteAddress)
	callee := newLeg(id, address)
	offered := describe(address, local)

	caller.hangup = callee.finish
	callee.hangup = caller.finish
	callee.answer = func(answer *media.Stream) error {
		if caller.isClosed() {
			return ErrClosed
		}
		caller.deliver(describe(remoteAddress, answer))
		callee.deliver(offered)
		return nil
	}

	if !e.track(caller) {
		return nil, ErrClosed
	}
	if !remote.track(callee) {
		e.untrack(caller)
		return nil, fmt.Errorf("call %s: %w", remoteAddress, ErrUnknownPeer)
	}

	remote.mu.Lock()
	handler := remote.onIncoming
	remote.mu.Unlock()
	if handler == nil {
		e.board.logger.Debug("signaling call rejected: no incoming handler", "from", address, "to", remoteAddress)
		_ = callee.Close()
		return caller, nil
	}

	go handler(callee)
	return caller, nil
}

// Close unregisters the endpoint and hangs up every call it is part of.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	address := e.address
	calls := make([]*leg, 0, len(e.calls))
	for call := range e.calls {
		calls = append(calls, call)
	}
	e.mu.Unlock()

	if address != "" {
		e.board.mu.Lock()
		delete(e.board.endpoints, address)
		e.board.mu.Unlock()
	}
	for _, call := range calls {
		_ = call.Close()
	}
	return nil
}

// track registers a call so Close can hang it up; it is forgotten once it
// finishes.
func (e *Endpoint) track(call *leg) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.calls[call] = struct{}{}
	call.release = func() { e.untrack(call) }
	return true
}

func (e *Endpoint) untrack(call *leg) {
	e.mu.Lock()
	delete(e.calls, call)
	e.mu.Unlock()
}
