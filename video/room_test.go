package video

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"huddle/fault"
	"huddle/media"
	"huddle/models"
	"huddle/realtime"
	"huddle/signaling"
)

type testPeer struct {
	room     *Room
	devices  *media.VirtualDevices
	endpoint *signaling.Endpoint

	mu      sync.Mutex
	updates []Update
}

func (p *testPeer) errs() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]error, 0)
	for _, update := range p.updates {
		if update.Err != nil {
			out = append(out, update.Err)
		}
	}
	return out
}

func newTestPeer(t *testing.T, store realtime.Store, board *signaling.Switchboard, self string) *testPeer {
	t.Helper()
	endpoint := board.NewEndpoint()
	peer := newTestRoom(t, store, endpoint, self, 0)
	peer.endpoint = endpoint
	return peer
}

func newTestRoom(t *testing.T, store realtime.Store, service signaling.Service, self string, admit time.Duration) *testPeer {
	t.Helper()
	peer := &testPeer{devices: &media.VirtualDevices{}}
	room, err := NewRoom(Options{
		Self:         self,
		Store:        store,
		Signaling:    service,
		Capturer:     peer.devices,
		AdmitTimeout: admit,
	})
	if err != nil {
		t.Fatalf("NewRoom failed: %v", err)
	}
	room.OnUpdate(func(update Update) {
		peer.mu.Lock()
		peer.updates = append(peer.updates, update)
		peer.mu.Unlock()
	})
	peer.room = room
	t.Cleanup(func() {
		_ = room.Close()
		_ = service.Close()
	})
	return peer
}

func (p *testPeer) everActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, update := range p.updates {
		for _, session := range update.Sessions {
			if session.State == CallActive {
				return true
			}
		}
	}
	return false
}

func activeSessions(room *Room) int {
	count := 0
	for _, session := range room.Sessions() {
		if session.State == CallActive {
			count++
		}
	}
	return count
}

func peerRecord(t *testing.T, store realtime.Store, room, user string) (models.PeerRecord, bool) {
	t.Helper()
	var (
		mu     sync.Mutex
		record models.PeerRecord
		found  bool
		got    = make(chan struct{}, 1)
	)
	unsubscribe, err := store.Subscribe(context.Background(), PeerPath(room, user), func(s realtime.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		found = s.Value != nil
		_ = s.Decode(&record)
		select {
		case got <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("no snapshot for %s/%s", room, user)
	}
	mu.Lock()
	defer mu.Unlock()
	return record, found
}

func TestJoinPublishesRecordAndLeaveIsIdempotent(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	ann := newTestPeer(t, store, board, "ann")
	ctx := context.Background()

	if err := ann.room.Join(ctx, "main"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if ann.room.State() != StateJoined {
		t.Fatalf("expected joined, got %s", ann.room.State())
	}
	record, found := peerRecord(t, store, "main", "ann")
	if !found || record.PeerID != ann.room.Address() || record.Timestamp == 0 {
		t.Fatalf("unexpected peer record %+v (found=%v)", record, found)
	}

	local := ann.room.LocalStream()
	if err := ann.room.Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if _, found := peerRecord(t, store, "main", "ann"); found {
		t.Fatalf("expected peer record to be removed after first leave")
	}
	if err := ann.room.Leave(ctx); err != nil {
		t.Fatalf("second Leave failed: %v", err)
	}
	if ann.room.State() != StateLeft {
		t.Fatalf("expected left, got %s", ann.room.State())
	}
	for _, track := range local.Tracks() {
		if !track.Stopped() {
			t.Fatalf("local %s track still running after leave", track.Kind())
		}
	}
}

func TestCaptureFailureIsMediaAccessError(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	ann := newTestPeer(t, store, board, "ann")
	ann.devices.Deny = true

	err := ann.room.Join(context.Background(), "main")
	if !errors.Is(err, fault.ErrMediaAccess) || !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("expected media access error, got %v", err)
	}
	if ann.room.State() != StateIdle {
		t.Fatalf("expected idle after failed join, got %s", ann.room.State())
	}
	if _, found := peerRecord(t, store, "main", "ann"); found {
		t.Fatalf("failed join must not publish a peer record")
	}

	ann.devices.Deny = false
	if err := ann.room.Join(context.Background(), "main"); err != nil {
		t.Fatalf("retry Join failed: %v", err)
	}
}

func TestMutualJoinConvergesToOneCallPerPeer(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	ann := newTestPeer(t, store, board, "ann")
	bob := newTestPeer(t, store, board, "bob")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, peer := range []*testPeer{ann, bob} {
		wg.Add(1)
		go func(peer *testPeer) {
			defer wg.Done()
			if err := peer.room.Join(ctx, "main"); err != nil {
				t.Errorf("Join failed: %v", err)
			}
		}(peer)
	}
	wg.Wait()

	waitForCondition(t, 2*time.Second, func() bool {
		return activeSessions(ann.room) == 1 && activeSessions(bob.room) == 1
	})
	// Let any losing duplicate finish closing.
	time.Sleep(50 * time.Millisecond)

	annSessions, bobSessions := ann.room.Sessions(), bob.room.Sessions()
	if len(annSessions) != 1 || len(bobSessions) != 1 {
		t.Fatalf("expected one session each, got %d and %d", len(annSessions), len(bobSessions))
	}
	if annSessions[0].CallID != bobSessions[0].CallID {
		t.Fatalf("peers kept different calls: %s vs %s", annSessions[0].CallID, bobSessions[0].CallID)
	}
	if annSessions[0].Peer != bob.room.Address() || annSessions[0].User != "bob" {
		t.Fatalf("unexpected session %+v", annSessions[0])
	}
}

func TestTogglesDoNotChangeSessions(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	ann := newTestPeer(t, store, board, "ann")
	bob := newTestPeer(t, store, board, "bob")
	ctx := context.Background()

	if err := ann.room.Join(ctx, "main"); err != nil {
		t.Fatalf("ann Join failed: %v", err)
	}
	if err := bob.room.Join(ctx, "main"); err != nil {
		t.Fatalf("bob Join failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return activeSessions(ann.room) == 1 && activeSessions(bob.room) == 1
	})
	callID := ann.room.Sessions()[0].CallID

	enabled, err := ann.room.ToggleVideo()
	if err != nil || enabled {
		t.Fatalf("expected video off, got %v, %v", enabled, err)
	}
	if track := ann.room.LocalStream().VideoTracks()[0]; track.Enabled() {
		t.Fatalf("expected video track disabled")
	}
	enabled, err = ann.room.ToggleVideo()
	if err != nil || !enabled {
		t.Fatalf("expected video on, got %v, %v", enabled, err)
	}
	if enabled, err := ann.room.ToggleAudio(); err != nil || enabled {
		t.Fatalf("expected audio off, got %v, %v", enabled, err)
	}

	sessions := ann.room.Sessions()
	if len(sessions) != 1 || sessions[0].CallID != callID || sessions[0].State != CallActive {
		t.Fatalf("toggling changed sessions: %+v", sessions)
	}
	if activeSessions(bob.room) != 1 {
		t.Fatalf("toggling changed the remote session count")
	}
}

func TestJoinRoomSwitchesRooms(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	ann := newTestPeer(t, store, board, "ann")
	bob := newTestPeer(t, store, board, "bob")
	ctx := context.Background()

	if err := ann.room.Join(ctx, "main"); err != nil {
		t.Fatalf("ann Join failed: %v", err)
	}
	if err := bob.room.Join(ctx, "main"); err != nil {
		t.Fatalf("bob Join failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool { return activeSessions(bob.room) == 1 })
	firstStream := ann.room.LocalStream()

	if err := ann.room.JoinRoom(ctx, "room1"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if ann.room.Room() != "room1" || ann.room.State() != StateJoined {
		t.Fatalf("unexpected room state %s/%s", ann.room.Room(), ann.room.State())
	}
	for _, track := range firstStream.Tracks() {
		if !track.Stopped() {
			t.Fatalf("previous capture must be released before rejoining")
		}
	}
	if ann.room.LocalStream() == firstStream {
		t.Fatalf("expected a fresh capture for the new room")
	}

	waitForCondition(t, 2*time.Second, func() bool { return len(bob.room.Sessions()) == 0 })
	if len(ann.room.Sessions()) != 0 {
		t.Fatalf("expected no sessions in the empty room")
	}
	if _, found := peerRecord(t, store, "main", "ann"); found {
		t.Fatalf("old room record must be removed")
	}
	if _, found := peerRecord(t, store, "room1", "ann"); !found {
		t.Fatalf("new room record must be published")
	}
}

func TestStalePeerRecordReportsSignalingError(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	ann := newTestPeer(t, store, board, "ann")
	ctx := context.Background()

	if err := store.Write(ctx, PeerPath("main", "ghost"), models.PeerRecord{PeerID: "gone", Timestamp: 1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := ann.room.Join(ctx, "main"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		for _, err := range ann.errs() {
			if errors.Is(err, fault.ErrSignaling) {
				return true
			}
		}
		return false
	})
	if len(ann.room.Sessions()) != 0 {
		t.Fatalf("failed call must not leave a session")
	}
	if ann.room.State() != StateJoined {
		t.Fatalf("a failed call must not end the membership")
	}
}

func TestStalePeerRecordReportsSignalingErrorOverRelay(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	relay := signaling.NewRelay(nil)
	server := httptest.NewServer(relay.Handler())
	defer server.Close()
	defer relay.Close()
	ctx := context.Background()

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	client, err := signaling.Dial(dialCtx, "ws"+strings.TrimPrefix(server.URL, "http")+signaling.SignalPath, signaling.RelayClientOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	ann := newTestRoom(t, store, client, "ann", 0)

	if err := store.Write(ctx, PeerPath("main", "ghost"), models.PeerRecord{PeerID: "gone", Timestamp: 1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := ann.room.Join(ctx, "main"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		for _, err := range ann.errs() {
			if errors.Is(err, fault.ErrSignaling) && errors.Is(err, signaling.ErrUnknownPeer) {
				return true
			}
		}
		return false
	})
	waitForCondition(t, time.Second, func() bool { return len(ann.room.Sessions()) == 0 })
	if ann.room.State() != StateJoined {
		t.Fatalf("a failed call must not end the membership")
	}
}

func TestCallsFromOutsideTheRoomAreRefused(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	annEndpoint, bobEndpoint := board.NewEndpoint(), board.NewEndpoint()
	ann := newTestRoom(t, store, annEndpoint, "ann", 50*time.Millisecond)
	bob := newTestRoom(t, store, bobEndpoint, "bob", 50*time.Millisecond)
	ctx := context.Background()

	if err := ann.room.Join(ctx, "room1"); err != nil {
		t.Fatalf("ann Join failed: %v", err)
	}
	stale := models.PeerRecord{PeerID: ann.room.Address(), Timestamp: 1}
	if err := store.Write(ctx, PeerPath("room2", "ann"), stale); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := bob.room.Join(ctx, "room2"); err != nil {
		t.Fatalf("bob Join failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		for _, update := range bob.updates {
			if len(update.Sessions) > 0 {
				return true
			}
		}
		return false
	})
	waitForCondition(t, time.Second, func() bool { return len(bob.room.Sessions()) == 0 })
	if ann.everActive() || bob.everActive() {
		t.Fatalf("members of different rooms must not be connected")
	}
	if len(ann.room.Sessions()) != 0 {
		t.Fatalf("ann must not keep a session with bob, got %+v", ann.room.Sessions())
	}
}

func TestEarlyCallIsAnsweredOnceCallerJoins(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	board := signaling.NewSwitchboard(nil)
	ann := newTestPeer(t, store, board, "ann")
	ctx := context.Background()

	if err := ann.room.Join(ctx, "main"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	carol := board.NewEndpoint()
	defer carol.Close()
	address, err := carol.CreateLocalEndpoint(ctx)
	if err != nil {
		t.Fatalf("CreateLocalEndpoint failed: %v", err)
	}
	local, err := (&media.VirtualDevices{}).Capture(ctx, media.DefaultConstraints)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	defer local.Stop()

	call, err := carol.Call(ctx, ann.room.Address(), local)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	answered := make(chan struct{})
	call.OnStream(func(media.RemoteStream) { close(answered) })

	time.Sleep(20 * time.Millisecond)
	if len(ann.room.Sessions()) != 0 {
		t.Fatalf("call must wait until the caller is in the room")
	}

	if err := store.Write(ctx, PeerPath("main", "carol"), models.PeerRecord{PeerID: address, Timestamp: 1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatalf("call was not answered after the caller joined")
	}
	waitForCondition(t, time.Second, func() bool {
		sessions := ann.room.Sessions()
		return len(sessions) == 1 && sessions[0].User == "carol" && !sessions[0].Outgoing && sessions[0].CallID == call.ID()
	})
}

func TestToggleBeforeJoinFails(t *testing.T) {
	store := realtime.NewMemoryStore()
	defer store.Close()
	ann := newTestPeer(t, store, signaling.NewSwitchboard(nil), "ann")

	if _, err := ann.room.ToggleVideo(); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition was not met within %s", timeout)
}
