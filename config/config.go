package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "huddle"
	// StoreBackendSQLite shares one SQLite file between processes on a host.
	StoreBackendSQLite = "sqlite"
	// StoreBackendRedis shares the tree through a Redis server.
	StoreBackendRedis = "redis"
	// StoreBackendMemory keeps the tree in process.
	StoreBackendMemory = "memory"
	// DefaultRelayListenAddr is where `huddle relay` listens when unset.
	DefaultRelayListenAddr = ":7420"
	// DefaultVideoRoom is joined by /video without an argument.
	DefaultVideoRoom = "main"
	// DefaultPeerRecordTTL is the age after which prune removes PeerRecords.
	DefaultPeerRecordTTL = 10 * time.Minute
	// envPrefix marks runtime overrides.
	envPrefix = "HUDDLE_"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// envFileName is loaded from the working directory and the data dir.
	envFileName = ".env"
)

// Config contains persistent client and relay settings.
type Config struct {
	DisplayName     string   `json:"display_name"`
	StoreBackend    string   `json:"store_backend"`
	SQLitePath      string   `json:"sqlite_path"`
	RedisAddr       string   `json:"redis_addr"`
	RedisPassword   string   `json:"redis_password,omitempty"`
	RedisDB         int      `json:"redis_db"`
	RedisKeyPrefix  string   `json:"redis_key_prefix"`
	RelayURL        string   `json:"relay_url"`
	RelayListenAddr string   `json:"relay_listen_addr"`
	RelayAdvertise  bool     `json:"relay_advertise"`
	VideoRoom       string   `json:"video_room"`
	LogLevel        string   `json:"log_level"`
	UploadsDir      string   `json:"uploads_dir"`
	PeerRecordTTL   Duration `json:"peer_record_ttl"`
}

// Duration is a time.Duration persisted as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(nanos)
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If HUDDLE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envPrefix + "DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "uploads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadEnvFiles loads KEY=VALUE files into the process environment. Missing
// files are skipped and variables already set are kept.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %q: %w", path, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// HUDDLE_* variables, including ones from .env files, override the returned
// values without being written back.
func LoadOrCreate() (*Config, string, error) {
	if err := LoadEnvFiles(envFileName); err != nil {
		return nil, "", err
	}
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if err := LoadEnvFiles(filepath.Join(dataDir, envFileName)); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDisplayName() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if name := sanitizeName(os.Getenv(key)); name != "" {
			return name
		}
	}
	if host, err := os.Hostname(); err == nil {
		if name := sanitizeName(host); name != "" {
			return name
		}
	}
	return "guest"
}

// sanitizeName drops characters that cannot appear in a store path segment
// and turns underscores, which usernames may not contain, into dashes.
func sanitizeName(name string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '/', '.', '#', '$', '[', ']':
			return -1
		case '_':
			return '-'
		}
		return r
	}, name))
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}

	backend := normalizeStoreBackend(cfg.StoreBackend)
	if backend == "" {
		backend = StoreBackendSQLite
	}
	if cfg.StoreBackend != backend {
		cfg.StoreBackend = backend
		updated = true
	}

	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(dataDir, "huddle.db")
		updated = true
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
		updated = true
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
		updated = true
	}
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "huddle:"
		updated = true
	}
	if cfg.RelayListenAddr == "" {
		cfg.RelayListenAddr = DefaultRelayListenAddr
		updated = true
	}
	if cfg.VideoRoom == "" {
		cfg.VideoRoom = DefaultVideoRoom
		updated = true
	}

	level := strings.ToLower(cfg.LogLevel)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		level = "info"
	}
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	if cfg.UploadsDir == "" {
		cfg.UploadsDir = filepath.Join(dataDir, "uploads")
		updated = true
	}
	if cfg.PeerRecordTTL <= 0 {
		cfg.PeerRecordTTL = Duration(DefaultPeerRecordTTL)
		updated = true
	}

	return updated
}

func normalizeStoreBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case StoreBackendSQLite:
		return StoreBackendSQLite
	case StoreBackendRedis:
		return StoreBackendRedis
	case StoreBackendMemory:
		return StoreBackendMemory
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, target *string) {
		if value, ok := os.LookupEnv(envPrefix + key); ok && value != "" {
			*target = value
		}
	}

	setString("DISPLAY_NAME", &cfg.DisplayName)
	setString("SQLITE_PATH", &cfg.SQLitePath)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setString("REDIS_KEY_PREFIX", &cfg.RedisKeyPrefix)
	setString("RELAY_URL", &cfg.RelayURL)
	setString("RELAY_LISTEN_ADDR", &cfg.RelayListenAddr)
	setString("VIDEO_ROOM", &cfg.VideoRoom)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("UPLOADS_DIR", &cfg.UploadsDir)

	if value := os.Getenv(envPrefix + "STORE_BACKEND"); value != "" {
		backend := normalizeStoreBackend(value)
		if backend == "" {
			return fmt.Errorf("invalid %sSTORE_BACKEND %q", envPrefix, value)
		}
		cfg.StoreBackend = backend
	}
	if value := os.Getenv(envPrefix + "REDIS_DB"); value != "" {
		db, err := strconv.Atoi(value)
		if err != nil || db < 0 {
			return fmt.Errorf("invalid %sREDIS_DB %q", envPrefix, value)
		}
		cfg.RedisDB = db
	}
	if value := os.Getenv(envPrefix + "RELAY_ADVERTISE"); value != "" {
		advertise, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %sRELAY_ADVERTISE %q: %w", envPrefix, value, err)
		}
		cfg.RelayAdvertise = advertise
	}
	if value := os.Getenv(envPrefix + "PEER_RECORD_TTL"); value != "" {
		ttl, err := time.ParseDuration(value)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid %sPEER_RECORD_TTL %q", envPrefix, value)
		}
		cfg.PeerRecordTTL = Duration(ttl)
	}
	return nil
}
