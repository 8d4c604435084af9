package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// SessionConfig tunes document sessions and the connections attached to them.
type SessionConfig struct {
	IdleGrace         time.Duration `yaml:"idle_grace"`
	ReconnectGrace    time.Duration `yaml:"reconnect_grace"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	HistoryRetention  int           `yaml:"history_retention"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	Type      string           `yaml:"type"`
	SQLite    *SQLiteConfig    `yaml:"sqlite,omitempty"`
	Postgres  *PostgresConfig  `yaml:"postgres,omitempty"`
	Bolt      *BoltConfig      `yaml:"bolt,omitempty"`
	Firestore *FirestoreConfig `yaml:"firestore,omitempty"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
}

// PersistConfig tunes write-behind flushing.
type PersistConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRetries     uint64        `yaml:"max_retries"`
}

// EventsConfig configures where lifecycle events go besides the log.
type EventsConfig struct {
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// AuthConfig restricts who may join. An empty list admits everyone.
type AuthConfig struct {
	AllowedParticipants []string `yaml:"allowed_participants"`
}

// DiscoveryConfig controls mDNS announcement of the gateway.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// AppConfig is the root configuration.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Persist   PersistConfig   `yaml:"persist"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// Load reads a config from path, applies defaults and then environment
// overrides. A missing file yields the defaults.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyConfigDefaults(cfg)
	applyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start.
func (c *AppConfig) Validate() error {
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.SQLite == nil || c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required")
		}
	case "postgres":
		if c.Store.Postgres == nil || c.Store.Postgres.URL == "" {
			return errors.New("store.postgres.url or DATABASE_URL is required")
		}
	case "bolt":
		if c.Store.Bolt == nil || c.Store.Bolt.Path == "" {
			return errors.New("store.bolt.path is required")
		}
	case "firestore":
		if c.Store.Firestore == nil || c.Store.Firestore.ProjectID == "" {
			return errors.New("store.firestore.project_id or FIRESTORE_PROJECT is required")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Session.HeartbeatTimeout <= c.Session.HeartbeatInterval {
		return fmt.Errorf("session.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Session.HeartbeatTimeout, c.Session.HeartbeatInterval)
	}
	return nil
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}

	s := &cfg.Session
	if s.IdleGrace == 0 {
		s.IdleGrace = 30 * time.Second
	}
	if s.ReconnectGrace == 0 {
		s.ReconnectGrace = 30 * time.Second
	}
	if s.SnapshotInterval == 0 {
		s.SnapshotInterval = 10 * time.Second
	}
	if s.HistoryRetention == 0 {
		s.HistoryRetention = 1000
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = 25 * time.Second
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = 60 * time.Second
	}
	if s.SendBuffer == 0 {
		s.SendBuffer = 256
	}
	if s.RateLimit == 0 {
		s.RateLimit = 50
	}
	if s.RateBurst == 0 {
		s.RateBurst = 100
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}
	if cfg.Store.Type == "firestore" && cfg.Store.Firestore != nil && cfg.Store.Firestore.Collection == "" {
		cfg.Store.Firestore.Collection = "snapshots"
	}

	p := &cfg.Persist
	if p.FlushInterval == 0 {
		p.FlushInterval = 5 * time.Second
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 5
	}

	if r := cfg.Events.Redis; r != nil && r.Channel == "" {
		r.Channel = "docsync.events"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	d := &cfg.Discovery
	if d.Service == "" {
		d.Service = "_docsync._tcp"
	}
	if d.Domain == "" {
		d.Domain = "local."
	}
}

// applyEnv overrides file settings from the environment. Setting DATABASE_URL
// or FIRESTORE_PROJECT also selects that backend when the file left the
// default in-memory store.
func applyEnv(cfg *AppConfig, getenv func(string) string) {
	if v := getenv("COLLAB_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := getenv("COLLAB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		if cfg.Store.Postgres == nil {
			cfg.Store.Postgres = &PostgresConfig{}
		}
		cfg.Store.Postgres.URL = v
		if cfg.Store.Type == "memory" {
			cfg.Store.Type = "postgres"
		}
	}
	if v := getenv("FIRESTORE_PROJECT"); v != "" {
		if cfg.Store.Firestore == nil {
			cfg.Store.Firestore = &FirestoreConfig{Collection: "snapshots"}
		}
		cfg.Store.Firestore.ProjectID = v
		if cfg.Store.Type == "memory" {
			cfg.Store.Type = "firestore"
		}
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		if cfg.Events.Redis == nil {
			cfg.Events.Redis = &RedisConfig{Channel: "docsync.events"}
		}
		cfg.Events.Redis.Addr = v
	}
}
