package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// SignalPath is the websocket route served by Relay.
	SignalPath = "/signal"
	// HealthPath reports relay liveness.
	HealthPath = "/healthz"
	// DefaultFrameRate is the sustained frames per second one endpoint may send.
	DefaultFrameRate = 20
	// DefaultFrameBurst is how many frames an endpoint may send at once.
	DefaultFrameBurst = 40
)

// ErrRateLimited is reported to endpoints that send frames too fast.
var ErrRateLimited = errors.New("signaling: rate limited")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Relay forwards call frames between websocket clients. Every connection is
// one endpoint with an address assigned on connect.
type Relay struct {
	logger *slog.Logger

	mu         sync.Mutex
	peers      map[string]*relayPeer
	calls      map[string]relayCall
	frameRate  rate.Limit
	frameBurst int
}

type relayCall struct {
	caller string
	callee string
}

type relayPeer struct {
	address string
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

// HealthResponse is returned by HealthPath.
type HealthResponse struct {
	Status    string    `json:"status"`
	Endpoints int       `json:"endpoints"`
	Calls     int       `json:"calls"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRelay creates a relay. A nil logger uses slog.Default().
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:     logger,
		peers:      make(map[string]*relayPeer),
		calls:      make(map[string]relayCall),
		frameRate:  DefaultFrameRate,
		frameBurst: DefaultFrameBurst,
	}
}

// SetFrameLimit changes the per-endpoint frame budget for endpoints that
// connect afterwards.
func (r *Relay) SetFrameLimit(perSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameRate = rate.Limit(perSecond)
	r.frameBurst = burst
}

// Handler returns the relay routes.
func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(HealthPath, r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc(SignalPath, r.handleSignal)
	return router
}

// Stats returns the number of connected endpoints and open calls.
func (r *Relay) Stats() (endpoints, calls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers), len(r.calls)
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	endpoints, calls := r.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    "UP",
		Endpoints: endpoints,
		Calls:     calls,
		Timestamp: time.Now(),
	})
}

func (r *Relay) handleSignal(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("relay: upgrade failed", "error", err)
		return
	}

	r.mu.Lock()
	peer := &relayPeer{
		address: uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(r.frameRate, r.frameBurst),
	}
	r.peers[peer.address] = peer
	r.mu.Unlock()

	defer r.disconnect(peer)

	if err := peer.send(Frame{Type: TypeHello, Address: peer.address}); err != nil {
		r.logger.Warn("relay: send hello failed", "address", peer.address, "error", err)
		return
	}
	r.logger.Info("relay endpoint connected", "address", peer.address, "remote", req.RemoteAddr)

	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
		peer.writeMu.Lock()
		defer peer.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(DefaultWriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("relay: read failed", "address", peer.address, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(DefaultPongTimeout))

		if !peer.limiter.Allow() {
			r.logger.Debug("relay: frame dropped", "address", peer.address)
			_ = peer.send(Frame{Type: TypeError, Error: ErrRateLimited.Error()})
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			_ = peer.send(Frame{Type: TypeError, Error: err.Error()})
			continue
		}
		frame.From = peer.address
		r.route(peer, frame)
	}
}

func (r *Relay) route(from *relayPeer, frame Frame) {
	switch frame.Type {
	case TypeOffer, TypeAnswer, TypeHangup:
	default:
		_ = from.send(Frame{Type: TypeError, CallID: frame.CallID, Error: "unexpected frame type " + frame.Type})
		return
	}

	r.mu.Lock()
	to, ok := r.peers[frame.To]
	switch frame.Type {
	case TypeOffer:
		if ok {
			r.calls[frame.CallID] = relayCall{caller: from.address, callee: frame.To}
		}
	case TypeHangup:
		delete(r.calls, frame.CallID)
	}
	r.mu.Unlock()

	if !ok {
		if frame.Type != TypeHangup {
			_ = from.send(Frame{Type: TypeError, To: frame.To, CallID: frame.CallID, Error: ErrUnknownPeer.Error()})
		}
		return
	}

	if err := to.send(frame); err != nil {
		r.logger.Warn("relay: forward failed", "type", frame.Type, "to", frame.To, "error", err)
	}
}

// Close drops every connected endpoint.
func (r *Relay) Close() error {
	r.mu.Lock()
	peers := make([]*relayPeer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	r.mu.Unlock()

	for _, peer := range peers {
		peer.writeMu.Lock()
		_ = peer.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second),
		)
		peer.writeMu.Unlock()
		_ = peer.conn.Close()
	}
	return nil
}

// disconnect forgets the peer and hangs up the other side of its calls.
func (r *Relay) disconnect(peer *relayPeer) {
	r.mu.Lock()
	delete(r.peers, peer.address)
	hangups := make([]Frame, 0)
	notify := make([]*relayPeer, 0)
	for id, call := range r.calls {
		var other string
		switch peer.address {
		case call.caller:
			other = call.callee
		case call.callee:
			other = call.caller
		default:
			continue
		}
		delete(r.calls, id)
		if target, ok := r.peers[other]; ok {
			hangups = append(hangups, Frame{Type: TypeHangup, From: peer.address, To: other, CallID: id})
			notify = append(notify, target)
		}
	}
	r.mu.Unlock()

	for i, frame := range hangups {
		_ = notify[i].send(frame)
	}
	_ = peer.conn.Close()
	r.logger.Info("relay endpoint disconnected", "address", peer.address, "calls_ended", len(hangups))
}

func (p *relayPeer) send(frame Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return p.conn.WriteJSON(frame)
}
