// Package signaling establishes media calls between addressed endpoints.
package signaling

import (
	"context"
	"errors"
	"sync"

	"huddle/media"
)

var (
	// ErrClosed indicates the endpoint or call was closed.
	ErrClosed = errors.New("signaling: closed")
	// ErrNoEndpoint indicates CreateLocalEndpoint has not succeeded yet.
	ErrNoEndpoint = errors.New("signaling: local endpoint not created")
	// ErrUnknownPeer indicates the remote address is not reachable.
	ErrUnknownPeer = errors.New("signaling: unknown peer")
	// ErrAlreadyAnswered indicates Answer was called twice.
	ErrAlreadyAnswered = errors.New("signaling: call already answered")
)

// Service creates a local endpoint and places or receives calls on it.
type Service interface {
	// CreateLocalEndpoint registers this side and returns its address.
	// Calling it again returns the same address.
	CreateLocalEndpoint(ctx context.Context) (string, error)
	// Call offers local media to the endpoint at remoteAddress.
	Call(ctx context.Context, remoteAddress string, local *media.Stream) (Call, error)
	// OnIncomingCall sets the handler for offers from other endpoints.
	OnIncomingCall(handler func(Call))
	Close() error
}

// Call is one media session between two endpoints.
type Call interface {
	ID() string
	// Peer is the address of the other endpoint.
	Peer() string
	// Answer accepts an incoming call with local media.
	Answer(local *media.Stream) error
	// OnStream sets the handler for the remote media. A stream that arrived
	// before the handler was set is delivered when it is set.
	OnStream(handler func(media.RemoteStream))
	// OnClose sets the handler run once when either side ends the call.
	OnClose(handler func())
	// Err reports why the call ended. It is nil while the call is open and
	// after a hangup by either side.
	Err() error
	Close() error
}

// leg is one side of a call. Transports provide answer and hangup; leg
// takes care of handler ordering and of firing close exactly once.
type leg struct {
	id   string
	peer string

	answer  func(local *media.Stream) error
	hangup  func()
	release func()

	mu        sync.Mutex
	answered  bool
	closed    bool
	err       error
	pending   *media.RemoteStream
	delivered bool
	onStream  func(media.RemoteStream)
	onClose   func()
}

var _ Call = (*leg)(nil)

func newLeg(id, peer string) *leg {
	return &leg{id: id, peer: peer}
}

func (l *leg) ID() string   { return l.id }
func (l *leg) Peer() string { return l.peer }

func (l *leg) Answer(local *media.Stream) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.answered {
		l.mu.Unlock()
		return ErrAlreadyAnswered
	}
	l.answered = true
	answer := l.answer
	l.mu.Unlock()

	if answer == nil {
		return errors.New("signaling: call cannot be answered from this side")
	}
	return answer(local)
}

func (l *leg) OnStream(handler func(media.RemoteStream)) {
	l.mu.Lock()
	l.onStream = handler
	var ready *media.RemoteStream
	if handler != nil && l.pending != nil && !l.closed {
		ready = l.pending
		l.pending = nil
		l.delivered = true
	}
	l.mu.Unlock()

	if ready != nil {
		handler(*ready)
	}
}

func (l *leg) OnClose(handler func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if handler != nil {
			handler()
		}
		return
	}
	l.onClose = handler
	l.mu.Unlock()
}

// Close ends the call and tells the other side.
func (l *leg) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	hangup := l.hangup
	l.mu.Unlock()

	if hangup != nil {
		hangup()
	}
	l.finish()
	return nil
}

// deliver hands the remote stream to the handler, or keeps it until one is
// set. Only the first stream of a call is delivered.
func (l *leg) deliver(stream media.RemoteStream) {
	l.mu.Lock()
	if l.closed || l.delivered || l.pending != nil {
		l.mu.Unlock()
		return
	}
	handler := l.onStream
	if handler == nil {
		l.pending = &stream
		l.mu.Unlock()
		return
	}
	l.delivered = true
	l.mu.Unlock()

	handler(stream)
}

func (l *leg) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// finish marks the call closed without notifying the other side.
func (l *leg) finish() {
	l.fail(nil)
}

// fail is finish with the reason the transport gave up on the call.
func (l *leg) fail(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.err = err
	l.pending = nil
	handler := l.onClose
	l.onClose = nil
	release := l.release
	l.mu.Unlock()

	if release != nil {
		release()
	}
	if handler != nil {
		handler()
	}
}

func (l *leg) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func describe(peer string, stream *media.Stream) media.RemoteStream {
	if stream == nil {
		return media.RemoteStream{Peer: peer}
	}
	return media.RemoteStream{ID: stream.ID(), Peer: peer, Kinds: stream.Kinds()}
}
