// Package config resolves the server settings from defaults, an optional TOML
// file and the environment, in that order of precedence (environment wins).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/panyam/collabws/origin"
)

// Environment variables read by FromEnv.
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvPort             = "PORT"
	EnvHost             = "HOST"
	EnvAllowedOrigins   = "ALLOWED_ORIGINS"
	EnvReflectOrigin    = "CORS_REFLECT_ORIGIN"
	EnvRejectWildcard   = "CORS_REJECT_WILDCARD"
	EnvRefuseRejected   = "CORS_REFUSE_REJECTED"
	EnvHeartbeatPeriod  = "HEARTBEAT_PERIOD"
	EnvShutdownDeadline = "SHUTDOWN_DEADLINE"
	EnvWriteWait        = "WRITE_WAIT"
	EnvMaxMessageBytes  = "MAX_MESSAGE_BYTES"
	EnvReadLimit        = "READ_LIMIT"
	EnvEnvironment      = "ENVIRONMENT"
	EnvLogLevel         = "LOG_LEVEL"
	EnvLogFormat        = "LOG_FORMAT"
)

// Config is the resolved server configuration.
type Config struct {
	Port             int
	Host             string
	AllowedOrigins   []string
	ReflectOrigin    bool
	RejectWildcard   bool
	RefuseRejected   bool
	HeartbeatPeriod  time.Duration
	ShutdownDeadline time.Duration
	WriteWait        time.Duration
	MaxMessageBytes  int64
	ReadLimit        int64
	Environment      string
	LogLevel         string
	LogFormat        string
}

// fileConfig mirrors Config with TOML-friendly field types.
type fileConfig struct {
	Port             int      `toml:"port"`
	Host             string   `toml:"host"`
	AllowedOrigins   []string `toml:"allowed_origins"`
	ReflectOrigin    bool     `toml:"reflect_origin"`
	RejectWildcard   bool     `toml:"reject_wildcard"`
	RefuseRejected   bool     `toml:"refuse_rejected"`
	HeartbeatPeriod  string   `toml:"heartbeat_period"`
	ShutdownDeadline string   `toml:"shutdown_deadline"`
	WriteWait        string   `toml:"write_wait"`
	MaxMessageBytes  int64    `toml:"max_message_bytes"`
	ReadLimit        int64    `toml:"read_limit"`
	Environment      string   `toml:"environment"`
	LogLevel         string   `toml:"log_level"`
	LogFormat        string   `toml:"log_format"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:             10000,
		Host:             "0.0.0.0",
		RefuseRejected:   true,
		HeartbeatPeriod:  30 * time.Second,
		ShutdownDeadline: 5 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageBytes:  0,
		Environment:      "development",
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load resolves the configuration: defaults, then the TOML file at path (if
// path is non-empty), then the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load with the file path taken from CONFIG_FILE. It is what the
// server uses when no -config flag is given.
func FromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfigFile))
}

func (c *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}

	if meta.IsDefined("port") {
		c.Port = raw.Port
	}
	if meta.IsDefined("host") {
		c.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("allowed_origins") {
		c.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	}
	if meta.IsDefined("reflect_origin") {
		c.ReflectOrigin = raw.ReflectOrigin
	}
	if meta.IsDefined("reject_wildcard") {
		c.RejectWildcard = raw.RejectWildcard
	}
	if meta.IsDefined("refuse_rejected") {
		c.RefuseRejected = raw.RefuseRejected
	}
	for key, dst := range map[string]struct {
		raw string
		out *time.Duration
	}{
		"heartbeat_period":  {raw.HeartbeatPeriod, &c.HeartbeatPeriod},
		"shutdown_deadline": {raw.ShutdownDeadline, &c.ShutdownDeadline},
		"write_wait":        {raw.WriteWait, &c.WriteWait},
	} {
		if !meta.IsDefined(key) {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(dst.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst.out = d
	}
	if meta.IsDefined("max_message_bytes") {
		c.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("read_limit") {
		c.ReadLimit = raw.ReadLimit
	}
	if meta.IsDefined("environment") {
		c.Environment = strings.TrimSpace(raw.Environment)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		c.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v, ok := get(EnvHost); ok {
		c.Host = v
	}
	if v, ok := get(EnvAllowedOrigins); ok {
		c.AllowedOrigins = normalizeOrigins(strings.Split(v, ","))
	}
	for key, out := range map[string]*bool{
		EnvReflectOrigin:  &c.ReflectOrigin,
		EnvRejectWildcard: &c.RejectWildcard,
		EnvRefuseRejected: &c.RefuseRejected,
	} {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*out = b
		}
	}
	for key, out := range map[string]*time.Duration{
		EnvHeartbeatPeriod:  &c.HeartbeatPeriod,
		EnvShutdownDeadline: &c.ShutdownDeadline,
		EnvWriteWait:        &c.WriteWait,
	} {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*out = d
		}
	}
	for key, out := range map[string]*int64{
		EnvMaxMessageBytes: &c.MaxMessageBytes,
		EnvReadLimit:       &c.ReadLimit,
	} {
		if v, ok := get(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*out = n
		}
	}
	if v, ok := get(EnvEnvironment); ok {
		c.Environment = v
	}
	if v, ok := get(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := get(EnvLogFormat); ok {
		c.LogFormat = v
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.HeartbeatPeriod <= 0 {
		return fmt.Errorf("heartbeat period must be positive, got %v", c.HeartbeatPeriod)
	}
	if c.ShutdownDeadline <= 0 {
		return fmt.Errorf("shutdown deadline must be positive, got %v", c.ShutdownDeadline)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("write wait must be positive, got %v", c.WriteWait)
	}
	if c.MaxMessageBytes < 0 {
		return fmt.Errorf("max message bytes must not be negative, got %d", c.MaxMessageBytes)
	}
	if c.ReadLimit < 0 {
		return fmt.Errorf("read limit must not be negative, got %d", c.ReadLimit)
	}
	if c.ReadLimit > 0 && c.MaxMessageBytes > c.ReadLimit {
		return fmt.Errorf("max message bytes %d exceeds read limit %d", c.MaxMessageBytes, c.ReadLimit)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Policy builds the origin admission policy. An empty allow-list, or one
// containing "*", permits every origin.
func (c Config) Policy() *origin.Policy {
	var opts []origin.Option
	if c.ReflectOrigin {
		opts = append(opts, origin.Reflect())
	}
	if c.RejectWildcard {
		opts = append(opts, origin.RejectWildcard())
	}
	if !c.RefuseRejected {
		opts = append(opts, origin.ServeRejected())
	}
	if len(c.AllowedOrigins) == 0 {
		return origin.PermitAll(opts...)
	}
	for _, o := range c.AllowedOrigins {
		if o == origin.Wildcard {
			return origin.PermitAll(opts...)
		}
	}
	return origin.AllowList(c.AllowedOrigins, opts...)
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, o := range in {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}
