package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"huddle/realtime"
)

// Subscribe implements realtime.Store.
func (s *Store) Subscribe(ctx context.Context, path string, onSnapshot realtime.SnapshotFunc, onError realtime.ErrorFunc) (realtime.Unsubscribe, error) {
	if s.closed.Load() {
		return nil, realtime.ErrClosed
	}
	return s.hub.Subscribe(ctx, path, onSnapshot, onError)
}

// Write implements realtime.Store. Writing null removes the path.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	if err := realtime.ValidatePath(path); err != nil {
		return err
	}
	if s.closed.Load() {
		return realtime.ErrClosed
	}

	now := s.clock()
	raw, err := realtime.Encode(value, now)
	if err != nil {
		return err
	}
	if realtime.IsNull(raw) {
		return s.Remove(ctx, path)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (path, parent, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		path,
		realtime.Parent(path),
		realtime.Base(path),
		string(raw),
		now,
	)
	if err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}

	s.hub.Notify(path)
	return nil
}

// Append implements realtime.Store.
func (s *Store) Append(ctx context.Context, path string, value any) (string, error) {
	if err := realtime.ValidatePath(path); err != nil {
		return "", err
	}
	id := s.newID()
	if err := s.Write(ctx, realtime.Join(path, id), value); err != nil {
		return "", err
	}
	return id, nil
}

// Remove implements realtime.Store. It deletes path and everything below it.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := realtime.ValidatePath(path); err != nil {
		return err
	}
	if s.closed.Load() {
		return realtime.ErrClosed
	}

	prefix := path + "/"
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM nodes
		WHERE path = ? OR substr(path, 1, ?) = ?`,
		path,
		len(prefix),
		prefix,
	)
	if err != nil {
		return fmt.Errorf("remove %q: %w", path, err)
	}

	s.hub.Notify(path)
	return nil
}

// Get returns the leaf value stored at path.
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := realtime.ValidatePath(path); err != nil {
		return nil, err
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM nodes WHERE path = ?`, path).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", path, err)
	}
	return json.RawMessage(value), nil
}

// PruneChildren removes children whose parent matches the GLOB pattern and
// whose last write is older than cutoffTimestamp (unix milliseconds).
func (s *Store) PruneChildren(ctx context.Context, parentPattern string, cutoffTimestamp int64) (int64, error) {
	if parentPattern == "" {
		return 0, errors.New("parent pattern is required")
	}
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM nodes
		WHERE parent GLOB ? AND updated_at < ?`,
		parentPattern,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("select stale children of %q: %w", parentPattern, err)
	}
	stale := make([]string, 0)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale path: %w", err)
		}
		stale = append(stale, path)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale paths: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM nodes
		WHERE parent GLOB ? AND updated_at < ?`,
		parentPattern,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune stale children of %q: %w", parentPattern, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune %q: %w", parentPattern, err)
	}

	for _, path := range stale {
		s.hub.Notify(path)
	}
	return rowsAffected, nil
}

func (s *Store) load(ctx context.Context, path string) (realtime.Snapshot, error) {
	snapshot := realtime.Snapshot{Path: path, Children: make(map[string]json.RawMessage)}

	value, err := s.Get(ctx, path)
	switch {
	case err == nil:
		snapshot.Value = value
	case errors.Is(err, ErrNotFound):
	default:
		return realtime.Snapshot{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM nodes
		WHERE parent = ?
		ORDER BY key`,
		path,
	)
	if err != nil {
		return realtime.Snapshot{}, fmt.Errorf("list children of %q: %w", path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return realtime.Snapshot{}, fmt.Errorf("scan child row: %w", err)
		}
		snapshot.Children[key] = json.RawMessage(raw)
	}
	if err := rows.Err(); err != nil {
		return realtime.Snapshot{}, fmt.Errorf("iterate child rows: %w", err)
	}

	return snapshot, nil
}
