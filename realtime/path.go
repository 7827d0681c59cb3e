package realtime

import (
	"fmt"
	"strings"
)

const forbiddenSegmentChars = ".#$[]"

// Join builds a store path from segments.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		segment = strings.Trim(segment, "/")
		if segment != "" {
			parts = append(parts, segment)
		}
	}
	return strings.Join(parts, "/")
}

// Parent returns the path one level up, or "" for a top-level path.
func Parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// Base returns the last segment of path.
func Base(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// ValidateSegment checks one path segment.
func ValidateSegment(segment string) error {
	if strings.TrimSpace(segment) == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if strings.ContainsAny(segment, forbiddenSegmentChars+"/") {
		return fmt.Errorf("%w: segment %q contains one of %q", ErrInvalidPath, segment, forbiddenSegmentChars+"/")
	}
	return nil
}

// ValidatePath checks every segment of path.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, "/") {
		if err := ValidateSegment(segment); err != nil {
			return err
		}
	}
	return nil
}

// affects reports whether a change at changed must be re-delivered to a
// subscription on subscribed.
func affects(subscribed, changed string) bool {
	if subscribed == changed || Parent(changed) == subscribed {
		return true
	}
	// Subtree removals notify the removed root.
	return strings.HasPrefix(subscribed, changed+"/")
}
