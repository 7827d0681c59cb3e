// Package realtime defines the narrow interface to the hosted realtime store
// plus the plumbing shared by every backend: paths, snapshots, server values
// and the subscription hub.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("realtime: store closed")
	// ErrInvalidPath indicates a malformed store path.
	ErrInvalidPath = errors.New("realtime: invalid path")
)

// SnapshotFunc receives the current state of a subscribed path.
type SnapshotFunc func(Snapshot)

// ErrorFunc receives errors scoped to one subscription.
type ErrorFunc func(error)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Store is what the chat and video components need from the realtime database.
//
// Subscribe delivers an initial snapshot and then one snapshot per change to
// the path or one of its direct children. Snapshots for one subscription are
// delivered sequentially and may be coalesced. Values written through Write
// and Append may contain ServerTimestamp placeholders.
type Store interface {
	Subscribe(ctx context.Context, path string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error)
	Write(ctx context.Context, path string, value any) error
	Append(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
}

// Snapshot is the state of one path: its own leaf value, if any, and the leaf
// values of its direct children keyed by the last path segment.
type Snapshot struct {
	Path     string
	Value    json.RawMessage
	Children map[string]json.RawMessage
}

// Exists reports whether the path holds a value or has children.
func (s Snapshot) Exists() bool {
	return s.Value != nil || len(s.Children) > 0
}

// Decode unmarshals the leaf value into v. A missing value leaves v untouched.
func (s Snapshot) Decode(v any) error {
	if s.Value == nil {
		return nil
	}
	if err := json.Unmarshal(s.Value, v); err != nil {
		return fmt.Errorf("decode %q: %w", s.Path, err)
	}
	return nil
}

// DecodeChildren unmarshals every child value into T.
func DecodeChildren[T any](s Snapshot) (map[string]T, error) {
	out := make(map[string]T, len(s.Children))
	for key, raw := range s.Children {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", Join(s.Path, key), err)
		}
		out[key] = v
	}
	return out, nil
}
