// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then environment
// variables, then command-line flags. Each layer only overrides what it sets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

type Config struct {
	// Addr is the listen address of the HTTP and websocket server.
	Addr string `yaml:"addr"`
	// PublicURL is how clients reach the server; it is only used in the ws-info hint.
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
	// AllowedOrigins restricts browser origins for websocket upgrades and CORS. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Auth        AuthConfig        `yaml:"auth"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Relay       RelayConfig       `yaml:"relay"`
	Transport   TransportConfig   `yaml:"transport"`

	SetupTimeout    time.Duration `yaml:"setup_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Debug enables the /debug routes.
	Debug bool `yaml:"debug"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// Disabled accepts every connection without a token. For local development only.
	Disabled bool `yaml:"disabled"`
}

type PersistenceConfig struct {
	// Driver is one of memory, sqlite, bolt or postgres.
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and bolt, and a connection string for postgres.
	DSN string `yaml:"dsn"`
	// SnapshotOnRemove compacts a document's update log when its room closes. Leave it off
	// when several servers share the store through a relay.
	SnapshotOnRemove bool `yaml:"snapshot_on_remove"`
}

type RelayConfig struct {
	// RedisAddr enables the cross-server relay when set.
	RedisAddr string `yaml:"redis_addr"`
}

type TransportConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

func Default() *Config {
	return &Config{
		Addr:     ":5000",
		LogLevel: "info",
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Persistence: PersistenceConfig{
			Driver:           DriverSQLite,
			DSN:              "docs.sqlite",
			SnapshotOnRemove: true,
		},
		Transport: TransportConfig{
			SendBuffer:     256,
			WriteTimeout:   5 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 16 << 20,
		},
		SetupTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadFile merges the YAML file at path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with the environment variables that lookup reports as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	if port, ok := lookup("PORT"); ok {
		c.Addr = ":" + port
	}
	str("SYNC_ADDR", &c.Addr)
	str("BASE_URL", &c.PublicURL)
	str("SYNC_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("FRONTEND_URL"); ok {
		c.AllowedOrigins = splitList(v)
	}
	str("JWT_SECRET", &c.Auth.JWTSecret)
	duration("TOKEN_TTL", &c.Auth.TokenTTL)
	boolean("AUTH_DISABLED", &c.Auth.Disabled)
	str("PERSISTENCE_DRIVER", &c.Persistence.Driver)
	str("PERSISTENCE_DSN", &c.Persistence.DSN)
	boolean("SNAPSHOT_ON_REMOVE", &c.Persistence.SnapshotOnRemove)
	str("REDIS_ADDR", &c.Relay.RedisAddr)
	duration("SYNC_PING_INTERVAL", &c.Transport.PingInterval)
	boolean("SYNC_DEBUG", &c.Debug)
	return errors.Join(errs...)
}

// RegisterFlags binds one flag per setting to the fields of c.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "address to listen on")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "url clients use to reach this server")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origin", c.AllowedOrigins, "browser origin allowed to connect (repeatable)")
	fs.StringVar(&c.Auth.JWTSecret, "jwt-secret", c.Auth.JWTSecret, "HS256 secret used to verify client tokens")
	fs.DurationVar(&c.Auth.TokenTTL, "token-ttl", c.Auth.TokenTTL, "lifetime of issued tokens")
	fs.BoolVar(&c.Auth.Disabled, "no-auth", c.Auth.Disabled, "accept connections without a token")
	fs.StringVar(&c.Persistence.Driver, "persistence", c.Persistence.Driver, "memory, sqlite, bolt or postgres")
	fs.StringVar(&c.Persistence.DSN, "dsn", c.Persistence.DSN, "database file or connection string")
	fs.BoolVar(&c.Persistence.SnapshotOnRemove, "snapshot-on-remove", c.Persistence.SnapshotOnRemove, "compact the update log when a room closes")
	fs.StringVar(&c.Relay.RedisAddr, "redis-addr", c.Relay.RedisAddr, "redis address for the cross-server relay")
	fs.IntVar(&c.Transport.SendBuffer, "send-buffer", c.Transport.SendBuffer, "outbound messages queued per connection")
	fs.DurationVar(&c.Transport.WriteTimeout, "write-timeout", c.Transport.WriteTimeout, "websocket write deadline")
	fs.DurationVar(&c.Transport.PingInterval, "ping-interval", c.Transport.PingInterval, "websocket keepalive interval, 0 disables")
	fs.Int64Var(&c.Transport.MaxMessageSize, "max-message-size", c.Transport.MaxMessageSize, "largest accepted message in bytes")
	fs.DurationVar(&c.SetupTimeout, "setup-timeout", c.SetupTimeout, "time allowed to load a document")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time allowed to flush documents on exit")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "serve the /debug routes")
}

// Load builds the configuration for a process started with args. The file named by
// --config or SYNC_CONFIG is read first, then the environment, then the remaining flags.
func Load(args []string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("sync-server", pflag.ContinueOnError)
	configPath, _ := lookup("SYNC_CONFIG")
	fs.StringVar(&configPath, "config", configPath, "path to a YAML config file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// flags win over everything, so remember them and replay them after the other layers
	explicit := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			explicit[f.Name] = flagValue(f)
		}
	})
	*cfg = *Default()

	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	for name, value := range explicit {
		// Set appends to slice flags once they have been parsed
		if sv, ok := fs.Lookup(name).Value.(pflag.SliceValue); ok {
			if err := sv.Replace(splitList(value)); err != nil {
				return nil, err
			}
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func flagValue(f *pflag.Flag) string {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		return strings.Join(sv.GetSlice(), ",")
	}
	return f.Value.String()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.Persistence.Driver {
	case DriverMemory:
	case DriverSQLite, DriverBolt, DriverPostgres:
		if c.Persistence.DSN == "" {
			errs = append(errs, fmt.Errorf("persistence.dsn is required for the %s driver", c.Persistence.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver))
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth is disabled"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Transport.SendBuffer <= 0 {
		errs = append(errs, errors.New("transport.send_buffer must be positive"))
	}
	if c.Transport.PingInterval < 0 {
		errs = append(errs, errors.New("transport.ping_interval must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
