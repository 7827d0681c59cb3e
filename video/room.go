// Package video manages local capture and the calls to every other member
// of a named video room.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"huddle/fault"
	"huddle/media"
	"huddle/models"
	"huddle/realtime"
	"huddle/signaling"
)

const (
	// DefaultLeaveTimeout bounds the PeerRecord removal made by Close.
	DefaultLeaveTimeout = 5 * time.Second
	// DefaultAdmitTimeout is how long an incoming call waits for its caller
	// to show up in the room's peer directory before it is refused.
	DefaultAdmitTimeout = 10 * time.Second
)

// Rooms offered by the client. Any valid path segment works.
var Rooms = []string{"main", "room1", "room2", "room3"}

// State is the membership state of a Room.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateJoined    State = "joined"
	StateLeft      State = "left"
)

// CallState is the state of one call session.
type CallState string

const (
	CallNegotiating CallState = "negotiating"
	CallActive      CallState = "active"
)

var (
	ErrNotJoined = errors.New("video: not joined")
	ErrNoTrack   = errors.New("video: no local track of that kind")
)

// RoomsPath is the root of every video room.
const RoomsPath = "videoRooms"

// PeersPath holds the PeerRecords of a room.
func PeersPath(room string) string {
	return realtime.Join(RoomsPath, room, "peers")
}

// PeerPath is the PeerRecord of one user in a room.
func PeerPath(room, user string) string {
	return realtime.Join(PeersPath(room), user)
}

// CallSession describes one call to a remote peer.
type CallSession struct {
	// Peer is the remote signaling address.
	Peer     string
	User     string
	CallID   string
	State    CallState
	Outgoing bool
	Stream   *media.RemoteStream
}

// Update is the room state after one change.
type Update struct {
	Room         string
	State        State
	Sessions     []CallSession
	VideoEnabled bool
	AudioEnabled bool
	// Err reports a failure that did not end the membership, such as one
	// call that could not be placed.
	Err error
}

// Options configures a Room.
type Options struct {
	Self        string
	Store       realtime.Store
	Signaling   signaling.Service
	Capturer    media.Capturer
	Constraints media.Constraints
	// AdmitTimeout overrides DefaultAdmitTimeout.
	AdmitTimeout time.Duration
	Logger       *slog.Logger
}

// Room is one user's membership of a video room. It holds at most one call
// per remote address.
type Room struct {
	self        string
	store       realtime.Store
	signaling   signaling.Service
	capturer    media.Capturer
	constraints media.Constraints
	admitWait   time.Duration
	logger      *slog.Logger

	// membershipMu serializes Join, JoinRoom and Leave.
	membershipMu sync.Mutex
	notifyMu     sync.Mutex

	mu          sync.Mutex
	state       State
	room        string
	address     string
	generation  uint64
	local       *media.Stream
	cancel      context.CancelFunc
	ctx         context.Context
	unsubscribe realtime.Unsubscribe
	sessions    map[string]*callSession
	// members maps the addresses in the latest peer directory snapshot to
	// their users. Only members are answered.
	members map[string]string
	// parked holds calls from addresses not yet seen in the directory.
	parked   map[string]signaling.Call
	onUpdate func(Update)
}

type callSession struct {
	call     signaling.Call
	peer     string
	user     string
	caller   string
	outgoing bool
	state    CallState
	stream   *media.RemoteStream
}

// NewRoom validates the options and registers for incoming calls.
func NewRoom(options Options) (*Room, error) {
	if err := realtime.ValidateSegment(options.Self); err != nil {
		return nil, fault.Validation("new video room", err)
	}
	if options.Store == nil || options.Signaling == nil || options.Capturer == nil {
		return nil, errors.New("video: store, signaling and capturer are required")
	}
	constraints := options.Constraints
	if !constraints.Video && !constraints.Audio {
		constraints = media.DefaultConstraints
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admitWait := options.AdmitTimeout
	if admitWait <= 0 {
		admitWait = DefaultAdmitTimeout
	}

	r := &Room{
		self:        options.Self,
		store:       options.Store,
		signaling:   options.Signaling,
		capturer:    options.Capturer,
		constraints: constraints,
		admitWait:   admitWait,
		logger:      logger,
		state:       StateIdle,
		sessions:    make(map[string]*callSession),
		members:     make(map[string]string),
		parked:      make(map[string]signaling.Call),
	}
	r.signaling.OnIncomingCall(r.handleIncoming)
	return r, nil
}

// OnUpdate sets the listener called after every change.
func (r *Room) OnUpdate(listener func(Update)) {
	r.mu.Lock()
	r.onUpdate = listener
	r.mu.Unlock()
}

// Join captures local media, publishes a PeerRecord for self and starts
// calling every other member. Joining the room already joined is a no-op;
// joining another room switches to it.
func (r *Room) Join(ctx context.Context, room string) error {
	r.mu.Lock()
	same := r.state == StateJoined && r.room == room
	r.mu.Unlock()
	if same {
		return nil
	}
	return r.JoinRoom(ctx, room)
}

// JoinRoom leaves the current room, if any, and joins room.
func (r *Room) JoinRoom(ctx context.Context, room string) error {
	if err := realtime.ValidateSegment(room); err != nil {
		return fault.Validation("join room", err)
	}

	r.membershipMu.Lock()
	defer r.membershipMu.Unlock()

	r.leave(ctx)
	return r.join(ctx, room)
}

func (r *Room) join(ctx context.Context, room string) error {
	r.mu.Lock()
	r.generation++
	generation := r.generation
	r.state = StateCapturing
	r.room = room
	r.mu.Unlock()
	r.publish(nil)

	stream, err := r.capturer.Capture(ctx, r.constraints)
	if err != nil {
		r.reset(generation, nil)
		return fault.MediaAccess("capture media", err)
	}

	address, err := r.signaling.CreateLocalEndpoint(ctx)
	if err != nil {
		r.reset(generation, stream)
		return fault.Signaling("create local endpoint", err)
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.address = address
	r.local = stream
	r.ctx = roomCtx
	r.cancel = cancel
	r.mu.Unlock()

	record := map[string]any{
		"peerId":    address,
		"timestamp": realtime.ServerTimestamp,
	}
	if err := r.store.Write(ctx, PeerPath(room, r.self), record); err != nil {
		r.reset(generation, stream)
		return fault.Connection("publish peer record", err)
	}

	r.mu.Lock()
	r.state = StateJoined
	r.mu.Unlock()

	unsubscribe, err := r.store.Subscribe(ctx, PeersPath(room), func(snapshot realtime.Snapshot) {
		r.handlePeers(generation, snapshot)
	}, func(err error) {
		r.logger.Warn("video: peer directory feed failed", "room", room, "error", err)
		r.publish(fault.Connection("read peer directory", err))
	})
	if err != nil {
		r.reset(generation, stream)
		r.removeRecord(room)
		return fault.Connection("subscribe peer directory", err)
	}

	r.mu.Lock()
	if r.generation != generation {
		r.mu.Unlock()
		unsubscribe()
		return ErrNotJoined
	}
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.logger.Info("video room joined", "room", room, "user", r.self, "address", address)
	r.publish(nil)
	return nil
}

// reset returns a failed join attempt to idle.
func (r *Room) reset(generation uint64, stream *media.Stream) {
	if stream != nil {
		stream.Stop()
	}

	var sessions map[string]*callSession
	var parked map[string]signaling.Call
	r.mu.Lock()
	if r.generation == generation {
		r.generation++
		r.state = StateIdle
		r.local = nil
		sessions = r.sessions
		parked = r.resetDirectoryLocked()
		r.sessions = make(map[string]*callSession)
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
	}
	r.mu.Unlock()

	closeCalls(sessions, parked)
	r.publish(nil)
}

// Leave stops local capture, closes every call and removes self's
// PeerRecord. It is idempotent; a failed removal is logged.
func (r *Room) Leave(ctx context.Context) error {
	r.membershipMu.Lock()
	defer r.membershipMu.Unlock()

	r.leave(ctx)
	return nil
}

// Close leaves with DefaultLeaveTimeout. It is meant for process exit.
func (r *Room) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultLeaveTimeout)
	defer cancel()
	return r.Leave(ctx)
}

func (r *Room) leave(ctx context.Context) {
	r.mu.Lock()
	if r.state != StateJoined {
		r.mu.Unlock()
		return
	}
	r.generation++
	r.state = StateLeft
	room := r.room
	sessions := r.sessions
	parked := r.resetDirectoryLocked()
	r.sessions = make(map[string]*callSession)
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	local := r.local
	r.local = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	closeCalls(sessions, parked)
	if local != nil {
		local.Stop()
	}

	if err := r.store.Remove(ctx, PeerPath(room, r.self)); err != nil {
		r.logger.Warn("video: remove peer record failed", "room", room, "user", r.self, "error", err)
	}
	r.logger.Info("video room left", "room", room, "user", r.self, "calls_closed", len(sessions))
	r.publish(nil)
}

// resetDirectoryLocked forgets the peer directory and returns the calls
// still waiting to be admitted.
func (r *Room) resetDirectoryLocked() map[string]signaling.Call {
	parked := r.parked
	r.parked = make(map[string]signaling.Call)
	r.members = make(map[string]string)
	return parked
}

func closeCalls(sessions map[string]*callSession, parked map[string]signaling.Call) {
	for _, session := range sessions {
		if session.call != nil {
			_ = session.call.Close()
		}
	}
	for _, call := range parked {
		_ = call.Close()
	}
}

func (r *Room) removeRecord(room string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultLeaveTimeout)
	defer cancel()
	if err := r.store.Remove(ctx, PeerPath(room, r.self)); err != nil {
		r.logger.Warn("video: remove peer record failed", "room", room, "user", r.self, "error", err)
	}
}

// handlePeers calls every member that has no session yet.
func (r *Room) handlePeers(generation uint64, snapshot realtime.Snapshot) {
	type target struct {
		user    string
		address string
		pending *callSession
	}

	r.mu.Lock()
	if r.generation != generation || r.state != StateJoined {
		r.mu.Unlock()
		return
	}
	targets := make([]target, 0)
	admit := make([]signaling.Call, 0)
	r.members = make(map[string]string, len(snapshot.Children))
	for user, raw := range snapshot.Children {
		if user == r.self {
			continue
		}
		var record models.PeerRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			r.logger.Warn("video: skipping malformed peer record", "user", user, "error", err)
			continue
		}
		if record.PeerID == "" || record.PeerID == r.address {
			continue
		}
		r.members[record.PeerID] = user
		if existing, ok := r.sessions[record.PeerID]; ok {
			existing.user = user
			continue
		}
		if call, ok := r.parked[record.PeerID]; ok {
			delete(r.parked, record.PeerID)
			admit = append(admit, call)
			continue
		}
		pending := &callSession{
			peer:     record.PeerID,
			user:     user,
			caller:   r.address,
			outgoing: true,
			state:    CallNegotiating,
		}
		r.sessions[record.PeerID] = pending
		targets = append(targets, target{user: user, address: record.PeerID, pending: pending})
	}
	local, ctx := r.local, r.ctx
	r.mu.Unlock()

	for _, call := range admit {
		r.handleIncoming(call)
	}
	if len(targets) == 0 {
		return
	}
	r.publish(nil)

	for _, t := range targets {
		go r.dial(ctx, generation, t.user, t.address, local, t.pending)
	}
}

func (r *Room) dial(ctx context.Context, generation uint64, user, address string, local *media.Stream, pending *callSession) {
	call, err := r.signaling.Call(ctx, address, local)
	if err != nil {
		r.mu.Lock()
		current := r.generation == generation && r.sessions[address] == pending
		if current {
			delete(r.sessions, address)
		}
		r.mu.Unlock()
		if current {
			r.logger.Warn("video: call failed", "user", user, "address", address, "error", err)
			r.publish(fault.Signaling(fmt.Sprintf("call %s", user), err))
		}
		return
	}

	r.mu.Lock()
	kept := r.generation == generation && r.sessions[address] == pending
	if kept {
		pending.call = call
	}
	r.mu.Unlock()

	if !kept {
		_ = call.Close()
		return
	}
	r.watch(generation, address, call)
	r.publish(nil)
}

// handleIncoming answers an offer from a member of the current room unless
// a session with the caller already exists. When both sides called each
// other at once, the call placed by the lower address is kept, so both ends
// agree on the same call. Callers not yet in the peer directory are parked
// until their PeerRecord arrives or the admit timeout passes.
func (r *Room) handleIncoming(call signaling.Call) {
	address := call.Peer()

	r.mu.Lock()
	if r.state != StateJoined || r.local == nil {
		r.mu.Unlock()
		_ = call.Close()
		return
	}
	generation := r.generation
	local := r.local

	user, member := r.members[address]
	if !member {
		previous := r.parked[address]
		r.parked[address] = call
		r.mu.Unlock()
		if previous != nil {
			_ = previous.Close()
		}
		r.park(generation, address, call)
		return
	}

	existing, ok := r.sessions[address]
	accept := !ok || (existing.state == CallNegotiating && existing.caller != address && address < r.address)
	if !accept {
		r.mu.Unlock()
		r.logger.Debug("video: rejecting duplicate call", "address", address, "call_id", call.ID())
		_ = call.Close()
		return
	}

	session := &callSession{
		call:   call,
		peer:   address,
		user:   user,
		caller: address,
		state:  CallNegotiating,
	}
	r.sessions[address] = session
	r.mu.Unlock()

	if ok && existing.call != nil {
		_ = existing.call.Close()
	}

	r.watch(generation, address, call)
	if err := call.Answer(local); err != nil {
		r.mu.Lock()
		current := r.generation == generation && r.sessions[address] == session
		if current {
			delete(r.sessions, address)
		}
		r.mu.Unlock()
		_ = call.Close()
		if current {
			r.publish(fault.Signaling("answer call", err))
		}
		return
	}
	r.publish(nil)
}

// watch wires the stream and close callbacks of a kept call.
func (r *Room) watch(generation uint64, address string, call signaling.Call) {
	call.OnStream(func(stream media.RemoteStream) {
		r.mu.Lock()
		session, ok := r.sessions[address]
		current := r.generation == generation && ok && session.call == call
		if current {
			session.state = CallActive
			session.stream = &stream
		}
		r.mu.Unlock()
		if current {
			r.publish(nil)
		}
	})
	call.OnClose(func() {
		r.mu.Lock()
		session, ok := r.sessions[address]
		current := r.generation == generation && ok && session.call == call
		user := ""
		if current {
			user = session.user
			delete(r.sessions, address)
		}
		r.mu.Unlock()
		if !current {
			return
		}
		if err := call.Err(); err != nil {
			r.logger.Warn("video: call failed", "user", user, "address", address, "error", err)
			r.publish(fault.Signaling(fmt.Sprintf("call %s", user), err))
			return
		}
		r.logger.Debug("video: call closed", "address", address, "call_id", call.ID())
		r.publish(nil)
	})
}

// park refuses call if its caller has not joined the room within the admit
// timeout, and forgets it if the caller hangs up first.
func (r *Room) park(generation uint64, address string, call signaling.Call) {
	r.logger.Debug("video: holding call from unknown address", "address", address, "call_id", call.ID())
	unpark := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.generation != generation || r.parked[address] != call {
			return false
		}
		delete(r.parked, address)
		return true
	}
	call.OnClose(func() { unpark() })
	time.AfterFunc(r.admitWait, func() {
		if unpark() {
			r.logger.Info("video: refusing call from outside the room", "address", address, "call_id", call.ID())
			_ = call.Close()
		}
	})
}

// ToggleVideo flips the enabled flag of the local video track and returns
// the new value. Calls are not renegotiated.
func (r *Room) ToggleVideo() (bool, error) {
	return r.toggle(media.KindVideo)
}

// ToggleAudio flips the enabled flag of the local audio track and returns
// the new value.
func (r *Room) ToggleAudio() (bool, error) {
	return r.toggle(media.KindAudio)
}

func (r *Room) toggle(kind media.Kind) (bool, error) {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return false, ErrNotJoined
	}

	tracks := local.VideoTracks()
	if kind == media.KindAudio {
		tracks = local.AudioTracks()
	}
	if len(tracks) == 0 {
		return false, ErrNoTrack
	}

	enabled := !tracks[0].Enabled()
	for _, track := range tracks {
		track.SetEnabled(enabled)
	}
	r.publish(nil)
	return enabled, nil
}

// State returns the membership state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Room returns the current or last room.
func (r *Room) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Address returns the local signaling address once joined.
func (r *Room) Address() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

// LocalStream returns the captured stream while joined.
func (r *Room) LocalStream() *media.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

// Sessions returns the call sessions ordered by peer address.
func (r *Room) Sessions() []CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionsLocked()
}

func (r *Room) sessionsLocked() []CallSession {
	out := make([]CallSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		view := CallSession{
			Peer:     session.peer,
			User:     session.user,
			State:    session.state,
			Outgoing: session.outgoing,
			Stream:   session.stream,
		}
		if session.call != nil {
			view.CallID = session.call.ID()
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (r *Room) publish(err error) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	update := Update{
		Room:     r.room,
		State:    r.state,
		Sessions: r.sessionsLocked(),
		Err:      err,
	}
	if r.local != nil {
		update.VideoEnabled = anyEnabled(r.local.VideoTracks())
		update.AudioEnabled = anyEnabled(r.local.AudioTracks())
	}
	listener := r.onUpdate
	r.mu.Unlock()

	if listener != nil {
		listener(update)
	}
}

func anyEnabled(tracks []*media.Track) bool {
	for _, track := range tracks {
		if track.Enabled() {
			return true
		}
	}
	return false
}
