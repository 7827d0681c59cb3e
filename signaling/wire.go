package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"huddle/media"
)

const (
	// MaxFrameSize bounds one relay frame.
	MaxFrameSize = 64 * 1024
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongTimeout closes a relay connection that stops answering pings.
	DefaultPongTimeout = 60 * time.Second
	// DefaultPingInterval keeps idle relay connections alive.
	DefaultPingInterval = 45 * time.Second
)

const (
	TypeHello  = "hello"
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeHangup = "hangup"
	TypeError  = "error"
)

var (
	// ErrInvalidFrameType indicates the frame type is missing or unknown.
	ErrInvalidFrameType = errors.New("signaling: invalid frame type")
)

// Frame is one relay message. From is always set by the relay; clients
// leave it empty.
type Frame struct {
	Type    string              `json:"type"`
	From    string              `json:"from,omitempty"`
	To      string              `json:"to,omitempty"`
	CallID  string              `json:"call_id,omitempty"`
	Address string              `json:"address,omitempty"`
	Stream  *media.RemoteStream `json:"stream,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// DecodeFrame parses and validates one frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("decode frame: %d bytes exceeds %d", len(data), MaxFrameSize)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case TypeHello:
		if frame.Address == "" {
			return Frame{}, errors.New("decode frame: hello without address")
		}
	case TypeOffer, TypeAnswer, TypeHangup:
		if frame.CallID == "" {
			return Frame{}, fmt.Errorf("decode frame: %s without call id", frame.Type)
		}
	case TypeError:
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrInvalidFrameType, frame.Type)
	}
	return frame, nil
}
