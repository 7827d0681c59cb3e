package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ServerValue is a placeholder the store resolves at write time.
type ServerValue string

// ServerTimestamp resolves to the store clock in unix milliseconds.
const ServerTimestamp ServerValue = "timestamp"

const serverValueKey = ".sv"

// MarshalJSON encodes the placeholder as {".sv": "<name>"}.
func (v ServerValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{serverValueKey: string(v)})
}

// Encode marshals value and resolves server value placeholders with now.
func Encode(value any, now int64) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	if !bytes.Contains(raw, []byte(serverValueKey)) {
		return raw, nil
	}
	return ResolveServerValues(raw, now)
}

// ResolveServerValues replaces every ServerTimestamp placeholder in raw.
func ResolveServerValues(raw json.RawMessage, now int64) (json.RawMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var tree any
	if err := decoder.Decode(&tree); err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}

	resolved, err := json.Marshal(resolve(tree, now))
	if err != nil {
		return nil, fmt.Errorf("marshal resolved value: %w", err)
	}
	return resolved, nil
}

func resolve(node any, now int64) any {
	switch v := node.(type) {
	case map[string]any:
		if len(v) == 1 {
			if name, ok := v[serverValueKey].(string); ok && ServerValue(name) == ServerTimestamp {
				return now
			}
		}
		for key, child := range v {
			v[key] = resolve(child, now)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = resolve(child, now)
		}
		return v
	default:
		return node
	}
}

// NewPushID returns a time-ordered id: lexical order follows creation order.
func NewPushID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsNull reports whether raw encodes JSON null. Writing null removes a path.
func IsNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
