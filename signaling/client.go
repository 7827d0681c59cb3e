package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"huddle/media"
)

// RelayClientOptions configures Dial.
type RelayClientOptions struct {
	Logger       *slog.Logger
	Header       http.Header
	PingInterval time.Duration
}

// RelayClient is a Service that reaches other endpoints through a Relay.
type RelayClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	address    string
	onIncoming func(Call)
	calls      map[string]*leg
	closed     bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	disconnectOnce sync.Once
}

var _ Service = (*RelayClient)(nil)

// Dial connects to the relay websocket at url, for example
// ws://host:7360/signal.
func Dial(ctx context.Context, url string, options RelayClientOptions) (*RelayClient, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pingInterval := options.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, options.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	client := &RelayClient{
		conn:   conn,
		logger: logger,
		calls:  make(map[string]*leg),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	client.wg.Add(2)
	go client.readLoop()
	go client.pingLoop(pingInterval)

	return client, nil
}

// CreateLocalEndpoint implements Service. It waits for the relay to assign
// an address.
func (c *RelayClient) CreateLocalEndpoint(ctx context.Context) (string, error) {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.address, nil
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnIncomingCall implements Service.
func (c *RelayClient) OnIncomingCall(handler func(Call)) {
	c.mu.Lock()
	c.onIncoming = handler
	c.mu.Unlock()
}

// Call implements Service. If the relay does not know remoteAddress the
// returned call closes shortly after.
func (c *RelayClient) Call(ctx context.Context, remoteAddress string, local *media.Stream) (Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed, address := c.closed, c.address
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if address == "" {
		return nil, ErrNoEndpoint
	}
	if remoteAddress == "" || remoteAddress == address {
		return nil, fmt.Errorf("call %q: %w", remoteAddress, ErrUnknownPeer)
	}

	call := newLeg(uuid.NewString(), remoteAddress)
	call.hangup = c.hangupFunc(call)
	if !c.track(call) {
		return nil, ErrClosed
	}

	offered := describe(address, local)
	if err := c.send(Frame{Type: TypeOffer, To: remoteAddress, CallID: call.id, Stream: &offered}); err != nil {
		c.untrack(call.id)
		return nil, fmt.Errorf("send offer to %s: %w", remoteAddress, err)
	}
	return call, nil
}

// Close hangs up every call and disconnects from the relay.
func (c *RelayClient) Close() error {
	var closeErr error
	c.disconnectOnce.Do(func() {
		c.shutdown(nil)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		closeErr = c.conn.Close()
		c.wg.Wait()
	})
	return closeErr
}

func (c *RelayClient) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay client: read failed", "error", err)
			}
			c.shutdown(fmt.Errorf("relay connection lost: %w", err))
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("relay client: dropping frame", "error", err)
			continue
		}
		c.handle(frame)
	}
}

func (c *RelayClient) handle(frame Frame) {
	switch frame.Type {
	case TypeHello:
		c.mu.Lock()
		if c.address == "" {
			c.address = frame.Address
		}
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
		c.logger.Debug("relay assigned address", "address", frame.Address)

	case TypeOffer:
		c.handleOffer(frame)

	case TypeAnswer:
		call, ok := c.lookup(frame.CallID)
		if !ok {
			return
		}
		stream := media.RemoteStream{Peer: frame.From}
		if frame.Stream != nil {
			stream = *frame.Stream
		}
		call.deliver(stream)

	case TypeHangup:
		if call, ok := c.lookup(frame.CallID); ok {
			call.finish()
		}

	case TypeError:
		c.logger.Warn("relay reported error", "call_id", frame.CallID, "to", frame.To, "error", frame.Error)
		if call, ok := c.lookup(frame.CallID); ok {
			call.fail(relayError(frame))
		}
	}
}

// relayError turns an error frame back into the error the relay reported.
func relayError(frame Frame) error {
	switch frame.Error {
	case ErrUnknownPeer.Error():
		return fmt.Errorf("call %q: %w", frame.To, ErrUnknownPeer)
	case ErrRateLimited.Error():
		return ErrRateLimited
	case "":
		return errors.New("signaling: relay error")
	default:
		return fmt.Errorf("signaling: relay error: %s", frame.Error)
	}
}

func (c *RelayClient) handleOffer(frame Frame) {
	c.mu.Lock()
	handler, address := c.onIncoming, c.address
	c.mu.Unlock()

	call := newLeg(frame.CallID, frame.From)
	call.hangup = c.hangupFunc(call)
	if handler == nil {
		_ = c.send(Frame{Type: TypeHangup, To: frame.From, CallID: frame.CallID})
		return
	}

	offered := media.RemoteStream{Peer: frame.From}
	if frame.Stream != nil {
		offered = *frame.Stream
	}
	call.answer = func(local *media.Stream) error {
		answer := describe(address, local)
		if err := c.send(Frame{Type: TypeAnswer, To: frame.From, CallID: frame.CallID, Stream: &answer}); err != nil {
			return fmt.Errorf("send answer to %s: %w", frame.From, err)
		}
		call.deliver(offered)
		return nil
	}
	if !c.track(call) {
		return
	}

	go handler(call)
}

func (c *RelayClient) hangupFunc(call *leg) func() {
	return func() {
		if err := c.send(Frame{Type: TypeHangup, To: call.peer, CallID: call.id}); err != nil {
			c.logger.Debug("relay client: send hangup failed", "call_id", call.id, "error", err)
		}
	}
}

func (c *RelayClient) pingLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(DefaultWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("relay client: ping failed", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *RelayClient) send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *RelayClient) track(call *leg) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.calls[call.id] = call
	call.release = func() { c.untrack(call.id) }
	return true
}

func (c *RelayClient) untrack(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *RelayClient) lookup(id string) (*leg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[id]
	return call, ok
}

// shutdown ends every call locally with reason. It runs when the client is
// closed, with a nil reason, or when the relay connection drops.
func (c *RelayClient) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		calls := make([]*leg, 0, len(c.calls))
		for _, call := range c.calls {
			calls = append(calls, call)
		}
		c.mu.Unlock()

		close(c.done)
		for _, call := range calls {
			call.fail(reason)
		}
	})
}
