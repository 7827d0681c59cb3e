// Package media models local capture streams and their tracks.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind identifies what a track carries.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	// ErrPermissionDenied indicates the user refused access to a device.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrNoDevice indicates no capture device of a requested kind exists.
	ErrNoDevice = errors.New("media: no capture device")
)

// Constraints selects which kinds of tracks to capture.
type Constraints struct {
	Video bool
	Audio bool
}

// DefaultConstraints requests both camera and microphone.
var DefaultConstraints = Constraints{Video: true, Audio: true}

// Capturer acquires local media.
type Capturer interface {
	Capture(ctx context.Context, constraints Constraints) (*Stream, error)
}

// Track is one audio or video track of a stream.
type Track struct {
	id      string
	kind    Kind
	enabled atomic.Bool
	stopped atomic.Bool
}

// NewTrack returns an enabled track of the given kind.
func NewTrack(kind Kind) *Track {
	track := &Track{id: uuid.NewString(), kind: kind}
	track.enabled.Store(true)
	return track
}

func (t *Track) ID() string { return t.id }
func (t *Track) Kind() Kind { return t.kind }
func (t *Track) Enabled() bool { return t.enabled.Load() && !t.stopped.Load() }
func (t *Track) Stopped() bool { return t.stopped.Load() }

// SetEnabled mutes or unmutes the track without renegotiating anything.
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Stop releases the underlying device. A stopped track stays stopped.
func (t *Track) Stop() {
	t.stopped.Store(true)
}

// Stream is a captured set of tracks.
type Stream struct {
	id     string
	tracks []*Track

	stopOnce sync.Once
}

// NewStream groups tracks into a stream with a fresh id.
func NewStream(tracks ...*Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

// AudioTracks returns the audio tracks of the stream.
func (s *Stream) AudioTracks() []*Track {
	return s.byKind(KindAudio)
}

// VideoTracks returns the video tracks of the stream.
func (s *Stream) VideoTracks() []*Track {
	return s.byKind(KindVideo)
}

// Kinds lists the distinct kinds carried by the stream.
func (s *Stream) Kinds() []Kind {
	kinds := make([]Kind, 0, 2)
	seen := make(map[Kind]bool, 2)
	for _, track := range s.tracks {
		if !seen[track.kind] {
			seen[track.kind] = true
			kinds = append(kinds, track.kind)
		}
	}
	return kinds
}

// Stop stops every track. Repeated calls are no-ops.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		for _, track := range s.tracks {
			track.Stop()
		}
	})
}

func (s *Stream) byKind(kind Kind) []*Track {
	out := make([]*Track, 0, 1)
	for _, track := range s.tracks {
		if track.kind == kind {
			out = append(out, track)
		}
	}
	return out
}

// RemoteStream describes media received from a peer over a call.
type RemoteStream struct {
	ID    string `json:"id"`
	Peer  string `json:"peer"`
	Kinds []Kind `json:"kinds"`
}
