package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Defaults used when neither the config file nor the environment sets a value.
const (
	ServerAddr     = ":3000"
	NatsURL        = "nats://127.0.0.1:4222"
	StreamName     = "DM_MESSAGES"
	SubjectPrefix  = "dm"
	MaxMessageSize = 512 * 1024
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	SendBuffer     = 256

	defaultStorePath       = "./.dmrelay"
	defaultMongoDatabase   = "dmrelay"
	defaultTokenTTL        = 7 * 24 * time.Hour
	defaultEventsPerSecond = 20
	defaultEventBurst      = 40
	defaultMaxTextLength   = 4096
	defaultMaintenanceCron = "*/15 * * * *"
	defaultStreamMaxAge    = 24 * time.Hour
	defaultPresenceBeat    = 15 * time.Second
)

const envPrefix = "DMRELAY_"

// Store drivers.
const (
	DriverPebble = "pebble"
	DriverMongo  = "mongo"
)

// Config is the relay configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Store       StoreConfig       `yaml:"store"`
	Nats        NatsConfig        `yaml:"nats"`
	Websocket   WebsocketConfig   `yaml:"websocket"`
	Session     SessionConfig     `yaml:"session"`
	Logging     LoggingConfig     `yaml:"logging"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ServerConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

// StoreConfig selects the document store backing users, conversations and messages.
type StoreConfig struct {
	Driver        string `yaml:"driver"` // "pebble" or "mongo"
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// NatsConfig enables cross-process fan-out and the message archive stream
// when URL is set.
type NatsConfig struct {
	URL              string   `yaml:"url"`
	StreamName       string   `yaml:"stream_name"`
	SubjectPrefix    string   `yaml:"subject_prefix"`
	StreamMaxAge     Duration `yaml:"stream_max_age"`
	PresenceInterval Duration `yaml:"presence_interval"` // how often each process re-announces its online users
}

// PresenceSubject is the subject processes exchange online sets on.
func (n NatsConfig) PresenceSubject() string {
	return n.SubjectPrefix + ".presence"
}

type WebsocketConfig struct {
	MaxMessageSize SizeBytes `yaml:"max_message_size"`
	WriteWait      Duration  `yaml:"write_wait"`
	PongWait       Duration  `yaml:"pong_wait"`
	PingPeriod     Duration  `yaml:"ping_period"`
	SendBuffer     int       `yaml:"send_buffer"`
}

type SessionConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	EventBurst      int     `yaml:"event_burst"`
	MaxTextLength   int     `yaml:"max_text_length"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MaintenanceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// NatsEnabled reports whether a NATS server is configured.
func (c *Config) NatsEnabled() bool {
	return strings.TrimSpace(c.Nats.URL) != ""
}

// Load reads the YAML file at path (a missing file yields defaults), applies
// DMRELAY_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	str("SERVER_ADDR", &c.Server.Address)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("MONGO_URI", &c.Store.MongoURI)
	str("MONGO_DATABASE", &c.Store.MongoDatabase)
	str("NATS_URL", &c.Nats.URL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("MAINTENANCE_CRON", &c.Maintenance.Cron)

	if v := strings.TrimSpace(getenv(envPrefix + "ALLOWED_ORIGINS")); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(getenv(envPrefix + "TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sTOKEN_TTL: %w", envPrefix, err)
		}
		c.Auth.TokenTTL = Duration(d)
	}
	if v := strings.TrimSpace(getenv(envPrefix + "RATE_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_RPS: %w", envPrefix, err)
		}
		c.Session.EventsPerSecond = f
	}
	if v := strings.TrimSpace(getenv(envPrefix + "RATE_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_BURST: %w", envPrefix, err)
		}
		c.Session.EventBurst = n
	}
	if v := strings.TrimSpace(getenv(envPrefix + "MAX_MESSAGE_SIZE")); v != "" {
		var s SizeBytes
		if err := s.parse(v); err != nil {
			return fmt.Errorf("invalid %sMAX_MESSAGE_SIZE: %w", envPrefix, err)
		}
		c.Websocket.MaxMessageSize = s
	}
	if v := strings.TrimSpace(getenv(envPrefix + "MAINTENANCE_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAINTENANCE_ENABLED: %w", envPrefix, err)
		}
		c.Maintenance.Enabled = b
	}
	return nil
}

// Validate fills in defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		c.Server.Address = ServerAddr
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = Duration(defaultTokenTTL)
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "":
		c.Store.Driver = DriverPebble
	case DriverPebble, DriverMongo:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == DriverPebble && c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.Store.Driver == DriverMongo {
		if c.Store.MongoURI == "" {
			return errors.New("store.mongo_uri is required for the mongo driver")
		}
		if c.Store.MongoDatabase == "" {
			c.Store.MongoDatabase = defaultMongoDatabase
		}
	}

	if c.Nats.StreamName == "" {
		c.Nats.StreamName = StreamName
	}
	if c.Nats.SubjectPrefix == "" {
		c.Nats.SubjectPrefix = SubjectPrefix
	}
	if strings.ContainsAny(c.Nats.SubjectPrefix, " *>") {
		return fmt.Errorf("nats.subject_prefix %q contains wildcard or space", c.Nats.SubjectPrefix)
	}
	if c.Nats.StreamMaxAge <= 0 {
		c.Nats.StreamMaxAge = Duration(defaultStreamMaxAge)
	}
	if c.Nats.PresenceInterval <= 0 {
		c.Nats.PresenceInterval = Duration(defaultPresenceBeat)
	}

	ws := &c.Websocket
	if ws.MaxMessageSize <= 0 {
		ws.MaxMessageSize = MaxMessageSize
	}
	if ws.WriteWait <= 0 {
		ws.WriteWait = Duration(WriteWait)
	}
	if ws.PongWait <= 0 {
		ws.PongWait = Duration(PongWait)
	}
	if ws.PingPeriod <= 0 {
		ws.PingPeriod = Duration((ws.PongWait.Duration() * 9) / 10)
	}
	if ws.PingPeriod >= ws.PongWait {
		return fmt.Errorf("websocket.ping_period (%s) must be shorter than pong_wait (%s)", ws.PingPeriod.Duration(), ws.PongWait.Duration())
	}
	if ws.SendBuffer <= 0 {
		ws.SendBuffer = SendBuffer
	}

	if c.Session.EventsPerSecond < 0 {
		return errors.New("session.events_per_second must not be negative")
	}
	if c.Session.EventsPerSecond == 0 {
		c.Session.EventsPerSecond = defaultEventsPerSecond
	}
	if c.Session.EventBurst <= 0 {
		c.Session.EventBurst = defaultEventBurst
	}
	if c.Session.MaxTextLength <= 0 {
		c.Session.MaxTextLength = defaultMaxTextLength
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Maintenance.Cron == "" {
		c.Maintenance.Cron = defaultMaintenanceCron
	}
	if !gronx.IsValid(c.Maintenance.Cron) {
		return fmt.Errorf("invalid maintenance.cron %q", c.Maintenance.Cron)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
