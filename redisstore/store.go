// Package redisstore implements realtime.Store on Redis so that clients on
// different hosts share one tree of values and see each other's changes
// through pub/sub.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"huddle/realtime"
)

const (
	// DefaultKeyPrefix namespaces every key and the change channel.
	DefaultKeyPrefix = "huddle:"

	changesChannel = "changes"
)

// Options configures a Store.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Logger    *slog.Logger
}

// Store is a realtime.Store backed by Redis.
//
// Every leaf lives in a string key node:<path>; each parent keeps a hash
// children:<parent> mapping child key to value. Writes and removals publish
// the changed path on the changes channel, and every Store instance marks
// its local subscriptions dirty when it sees a matching path.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	newID  func() string

	hub    *realtime.Hub
	pubsub *redis.PubSub
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ realtime.Store = (*Store)(nil)

// writeScript stores the leaf, indexes it under its parent and publishes the
// path in one atomic step.
var writeScript = redis.NewScript(`
	local node_key = KEYS[1]
	local children_key = KEYS[2]
	local channel = ARGV[1]
	local path = ARGV[2]
	local child = ARGV[3]
	local value = ARGV[4]

	redis.call('SET', node_key, value)
	if child ~= '' then
		redis.call('HSET', children_key, child, value)
	end
	redis.call('PUBLISH', channel, path)
	return 1
`)

// removeScript deletes a leaf, every leaf below it and their parent index
// entries, then publishes the removed root.
var removeScript = redis.NewScript(`
	local prefix = ARGV[1]
	local channel = ARGV[2]
	local path = ARGV[3]
	local parent = ARGV[4]
	local child = ARGV[5]
	local node_pattern = ARGV[6]
	local children_pattern = ARGV[7]

	local removed = redis.call('DEL', prefix .. 'node:' .. path)
	if child ~= '' then
		redis.call('HDEL', prefix .. 'children:' .. parent, child)
	end

	local cursor = '0'
	repeat
		local page = redis.call('SCAN', cursor, 'MATCH', node_pattern, 'COUNT', 200)
		cursor = page[1]
		for _, key in ipairs(page[2]) do
			removed = removed + redis.call('DEL', key)
		end
	until cursor == '0'

	cursor = '0'
	repeat
		local page = redis.call('SCAN', cursor, 'MATCH', children_pattern, 'COUNT', 200)
		cursor = page[1]
		for _, key in ipairs(page[2]) do
			redis.call('DEL', key)
		end
	until cursor == '0'
	redis.call('DEL', prefix .. 'children:' .. path)

	redis.call('PUBLISH', channel, path)
	return removed
`)

// Open connects to Redis, verifies the connection and starts listening for
// change notifications.
func Open(ctx context.Context, options Options) (*Store, error) {
	if options.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if options.KeyPrefix == "" {
		options.KeyPrefix = DefaultKeyPrefix
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         options.Addr,
		Password:     options.Password,
		DB:           options.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", options.Addr, err)
	}

	store := &Store{
		client: client,
		prefix: options.KeyPrefix,
		logger: logger,
		newID:  realtime.NewPushID,
	}
	store.hub = realtime.NewHub(store.load)

	store.pubsub = client.Subscribe(ctx, store.channel())
	if _, err := store.pubsub.Receive(ctx); err != nil {
		_ = store.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe to change channel: %w", err)
	}

	store.wg.Add(1)
	go store.listen()

	logger.Info("redis store connected", "addr", options.Addr, "prefix", options.KeyPrefix)
	return store, nil
}

// Subscribe implements realtime.Store.
func (s *Store) Subscribe(ctx context.Context, path string, onSnapshot realtime.SnapshotFunc, onError realtime.ErrorFunc) (realtime.Unsubscribe, error) {
	if s.closed.Load() {
		return nil, realtime.ErrClosed
	}
	return s.hub.Subscribe(ctx, path, onSnapshot, onError)
}

// Write implements realtime.Store. Timestamps come from the Redis server
// clock. Writing null removes the path.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	if err := realtime.ValidatePath(path); err != nil {
		return err
	}
	if s.closed.Load() {
		return realtime.ErrClosed
	}

	serverTime, err := s.client.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("read redis server time: %w", err)
	}
	raw, err := realtime.Encode(value, serverTime.UnixMilli())
	if err != nil {
		return err
	}
	if realtime.IsNull(raw) {
		return s.Remove(ctx, path)
	}

	parent := realtime.Parent(path)
	child := ""
	if parent != "" {
		child = realtime.Base(path)
	}

	keys := []string{s.nodeKey(path), s.childrenKey(parent)}
	if err := writeScript.Run(ctx, s.client, keys, s.channel(), path, child, string(raw)).Err(); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
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

// Remove implements realtime.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := realtime.ValidatePath(path); err != nil {
		return err
	}
	if s.closed.Load() {
		return realtime.ErrClosed
	}

	parent := realtime.Parent(path)
	child := ""
	if parent != "" {
		child = realtime.Base(path)
	}

	nodePattern := escapeGlob(s.nodeKey(path)) + "/*"
	childrenPattern := escapeGlob(s.childrenKey(path)) + "/*"
	if err := removeScript.Run(ctx, s.client, nil, s.prefix, s.channel(), path, parent, child, nodePattern, childrenPattern).Err(); err != nil {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	return nil
}

// Close stops subscriptions and the change listener and closes the client.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.hub.Close()
		if err := s.pubsub.Close(); err != nil {
			s.logger.Warn("redis store: close pubsub", "error", err)
		}
		s.wg.Wait()
		closeErr = s.client.Close()
	})
	return closeErr
}

func (s *Store) listen() {
	defer s.wg.Done()

	for msg := range s.pubsub.Channel() {
		s.hub.Notify(msg.Payload)
	}
}

func (s *Store) load(ctx context.Context, path string) (realtime.Snapshot, error) {
	snapshot := realtime.Snapshot{Path: path, Children: make(map[string]json.RawMessage)}

	pipe := s.client.Pipeline()
	leaf := pipe.Get(ctx, s.nodeKey(path))
	children := pipe.HGetAll(ctx, s.childrenKey(path))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return realtime.Snapshot{}, fmt.Errorf("load %q: %w", path, err)
	}

	value, err := leaf.Result()
	switch {
	case err == nil:
		snapshot.Value = json.RawMessage(value)
	case errors.Is(err, redis.Nil):
	default:
		return realtime.Snapshot{}, fmt.Errorf("load %q: %w", path, err)
	}

	entries, err := children.Result()
	if err != nil {
		return realtime.Snapshot{}, fmt.Errorf("load children of %q: %w", path, err)
	}
	for key, raw := range entries {
		snapshot.Children[key] = json.RawMessage(raw)
	}
	return snapshot, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards, so that
// a key is matched literally.
func escapeGlob(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch r {
		case '\\', '*', '?', '[', ']', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) nodeKey(path string) string {
	return s.prefix + "node:" + path
}

func (s *Store) childrenKey(parent string) string {
	return s.prefix + "children:" + parent
}

func (s *Store) channel() string {
	return s.prefix + changesChannel
}
