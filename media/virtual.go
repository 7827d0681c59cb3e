package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// VirtualDevices is a Capturer backed by synthetic tracks. It stands in for
// a camera and microphone on hosts without capture hardware and in tests.
type VirtualDevices struct {
	// Kinds lists the devices present. Nil means audio and video.
	Kinds []Kind
	// Deny makes every capture fail with ErrPermissionDenied.
	Deny bool
	// Logger receives capture events. Nil uses slog.Default().
	Logger *slog.Logger

	mu       sync.Mutex
	captured []*Stream
}

var _ Capturer = (*VirtualDevices)(nil)

// Capture implements Capturer.
func (d *VirtualDevices) Capture(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Video && !constraints.Audio {
		return nil, fmt.Errorf("capture: no track kinds requested")
	}
	if d.Deny {
		return nil, ErrPermissionDenied
	}

	tracks := make([]*Track, 0, 2)
	if constraints.Video {
		if !d.has(KindVideo) {
			return nil, fmt.Errorf("capture %s: %w", KindVideo, ErrNoDevice)
		}
		tracks = append(tracks, NewTrack(KindVideo))
	}
	if constraints.Audio {
		if !d.has(KindAudio) {
			return nil, fmt.Errorf("capture %s: %w", KindAudio, ErrNoDevice)
		}
		tracks = append(tracks, NewTrack(KindAudio))
	}

	stream := NewStream(tracks...)
	d.mu.Lock()
	d.captured = append(d.captured, stream)
	d.mu.Unlock()

	d.logger().Debug("media captured", "stream_id", stream.ID(), "kinds", stream.Kinds())
	return stream, nil
}

// Captured returns every stream handed out so far.
func (d *VirtualDevices) Captured() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.captured...)
}

func (d *VirtualDevices) has(kind Kind) bool {
	if d.Kinds == nil {
		return true
	}
	for _, k := range d.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (d *VirtualDevices) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
