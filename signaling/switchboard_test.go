package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"huddle/media"
)

func TestSwitchboardCallAnswerAndHangup(t *testing.T) {
	board := NewSwitchboard(nil)
	ann, bob := board.NewEndpoint(), board.NewEndpoint()
	defer ann.Close()
	defer bob.Close()
	ctx := context.Background()

	annAddr, err := ann.CreateLocalEndpoint(ctx)
	if err != nil {
		t.Fatalf("CreateLocalEndpoint ann failed: %v", err)
	}
	again, _ := ann.CreateLocalEndpoint(ctx)
	if again != annAddr {
		t.Fatalf("expected stable address, got %q then %q", annAddr, again)
	}
	bobAddr, err := bob.CreateLocalEndpoint(ctx)
	if err != nil {
		t.Fatalf("CreateLocalEndpoint bob failed: %v", err)
	}

	bobStream := media.NewStream(media.NewTrack(media.KindAudio))
	var (
		mu          sync.Mutex
		bobReceived media.RemoteStream
		bobClosed   atomic.Int32
	)
	bob.OnIncomingCall(func(call Call) {
		if call.Peer() != annAddr {
			t.Errorf("unexpected caller %q", call.Peer())
		}
		call.OnClose(func() { bobClosed.Add(1) })
		if err := call.Answer(bobStream); err != nil {
			t.Errorf("Answer failed: %v", err)
		}
		// Registered after answering; the buffered stream must still arrive.
		call.OnStream(func(stream media.RemoteStream) {
			mu.Lock()
			bobReceived = stream
			mu.Unlock()
		})
	})

	annStream := media.NewStream(media.NewTrack(media.KindVideo), media.NewTrack(media.KindAudio))
	call, err := ann.Call(ctx, bobAddr, annStream)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var annReceived atomic.Value
	call.OnStream(func(stream media.RemoteStream) { annReceived.Store(stream) })
	var annClosed atomic.Int32
	call.OnClose(func() { annClosed.Add(1) })

	waitForCondition(t, time.Second, func() bool {
		stream, ok := annReceived.Load().(media.RemoteStream)
		return ok && stream.ID == bobStream.ID() && stream.Peer == bobAddr
	})
	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bobReceived.ID == annStream.ID() && len(bobReceived.Kinds) == 2
	})

	if err := call.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_ = call.Close()
	waitForCondition(t, time.Second, func() bool {
		return annClosed.Load() == 1 && bobClosed.Load() == 1
	})
}

func TestSwitchboardUnknownPeer(t *testing.T) {
	board := NewSwitchboard(nil)
	ann := board.NewEndpoint()
	defer ann.Close()

	if _, err := ann.Call(context.Background(), "nobody", nil); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint before registration, got %v", err)
	}
	if _, err := ann.CreateLocalEndpoint(context.Background()); err != nil {
		t.Fatalf("CreateLocalEndpoint failed: %v", err)
	}
	if _, err := ann.Call(context.Background(), "nobody", nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestEndpointCloseHangsUpCalls(t *testing.T) {
	board := NewSwitchboard(nil)
	ann, bob := board.NewEndpoint(), board.NewEndpoint()
	ctx := context.Background()
	_, _ = ann.CreateLocalEndpoint(ctx)
	bobAddr, _ := bob.CreateLocalEndpoint(ctx)

	var bobClosed atomic.Bool
	bob.OnIncomingCall(func(call Call) {
		call.OnClose(func() { bobClosed.Store(true) })
		_ = call.Answer(nil)
	})

	call, err := ann.Call(ctx, bobAddr, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var annClosed atomic.Bool
	call.OnClose(func() { annClosed.Store(true) })

	if err := ann.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return annClosed.Load() && bobClosed.Load() })
	if board.Len() != 1 {
		t.Fatalf("expected closed endpoint to be unregistered, got %d endpoints", board.Len())
	}
	if _, err := ann.Call(ctx, bobAddr, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	_ = bob.Close()
}

func TestCallWithoutIncomingHandlerIsClosed(t *testing.T) {
	board := NewSwitchboard(nil)
	ann, bob := board.NewEndpoint(), board.NewEndpoint()
	defer ann.Close()
	defer bob.Close()
	ctx := context.Background()
	_, _ = ann.CreateLocalEndpoint(ctx)
	bobAddr, _ := bob.CreateLocalEndpoint(ctx)

	call, err := ann.Call(ctx, bobAddr, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	fired := make(chan struct{})
	call.OnClose(func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("expected call to close when callee has no handler")
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
