package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment variable override,
	// e.g. BADGEOOR_CANVAS_CLIENT_SECRET.
	EnvPrefix = "BADGEOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSessionTTL bounds the launch-to-claim flow.
	DefaultSessionTTL = "2h"

	// DefaultSessionCookie is the name of the session cookie.
	DefaultSessionCookie = "badgeoor_session"

	// DefaultCanvasHost is used when a launch carries no usable instance guid.
	DefaultCanvasHost = "canvas.instructure.com"

	// DefaultBadgeImage is the placeholder image every badge points at.
	DefaultBadgeImage = "/images/badge.png"

	// DefaultTimestampWindow is how far a launch timestamp may drift.
	DefaultTimestampWindow = "5m"

	redacted = "<redacted>"
)

// Config is the root configuration for badgeoor.
type Config struct {
	LogLevel string         `yaml:"log_level" mapstructure:"log_level"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Session  SessionConfig  `yaml:"session" mapstructure:"session"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Canvas   CanvasConfig   `yaml:"canvas" mapstructure:"canvas"`
	LTI      LTIConfig      `yaml:"lti" mapstructure:"lti"`
	Issuer   IssuerConfig   `yaml:"issuer" mapstructure:"issuer"`
	Badge    BadgeConfig    `yaml:"badge" mapstructure:"badge"`
	Storage  StorageConfig  `yaml:"storage,omitempty" mapstructure:"storage"`
}

// CanvasConfig holds the developer key used for the OAuth2 code exchange
// and the parameters of outbound Canvas API calls.
type CanvasConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	DefaultHost  string `yaml:"default_host" mapstructure:"default_host"`
	Scheme       string `yaml:"scheme" mapstructure:"scheme"`
	Timeout      string `yaml:"timeout" mapstructure:"timeout"`
}

// LTIConfig contains launch verification settings.
type LTIConfig struct {
	TimestampWindow string        `yaml:"timestamp_window" mapstructure:"timestamp_window"`
	Consumers       []LTIConsumer `yaml:"consumers,omitempty" mapstructure:"consumers"`
}

// LTIConsumer is a tool consumer seeded into the store at startup.
type LTIConsumer struct {
	Key    string `yaml:"key" mapstructure:"key"`
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// IssuerConfig describes the organisation named in badge assertions.
type IssuerConfig struct {
	Origin  string `yaml:"origin,omitempty" mapstructure:"origin"`
	Name    string `yaml:"name" mapstructure:"name"`
	Org     string `yaml:"org" mapstructure:"org"`
	Contact string `yaml:"contact" mapstructure:"contact"`
}

// BadgeConfig contains badge presentation settings.
type BadgeConfig struct {
	DefaultImage string `yaml:"default_image" mapstructure:"default_image"`
}

// Load reads the configuration file at path (optional) and applies
// BADGEOOR_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every known key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.launch.requests_per_minute", 30)
	v.SetDefault("server.rate_limit.public.requests_per_minute", 120)

	v.SetDefault("session.ttl", DefaultSessionTTL)
	v.SetDefault("session.cookie_name", DefaultSessionCookie)
	v.SetDefault("session.secure_cookies", false)
	v.SetDefault("session.cleanup_interval", "15m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "badgeoor.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "badgeoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("canvas.client_id", "")
	v.SetDefault("canvas.client_secret", "")
	v.SetDefault("canvas.default_host", DefaultCanvasHost)
	v.SetDefault("canvas.scheme", "https")
	v.SetDefault("canvas.timeout", "30s")

	v.SetDefault("lti.timestamp_window", DefaultTimestampWindow)

	v.SetDefault("issuer.origin", "")
	v.SetDefault("issuer.name", "Canvabadges")
	v.SetDefault("issuer.org", "Instructure, Inc.")
	v.SetDefault("issuer.contact", "support@instructure.com")

	v.SetDefault("badge.default_image", DefaultBadgeImage)

	v.SetDefault("storage.local.enabled", false)
	v.SetDefault("storage.local.root", "")
	v.SetDefault("storage.s3.enabled", false)
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.presigned_urls.expiry", "1h")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	durations := map[string]string{
		"session.ttl":                      c.Session.TTL,
		"session.cleanup_interval":         c.Session.CleanupInterval,
		"canvas.timeout":                   c.Canvas.Timeout,
		"lti.timestamp_window":             c.LTI.TimestampWindow,
		"storage.s3.presigned_urls.expiry": c.Storage.S3.PresignedURLs.Expiry,
	}

	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}

		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Canvas.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("canvas.scheme must be http or https, got %q", c.Canvas.Scheme)
	}

	if c.Canvas.DefaultHost == "" {
		return fmt.Errorf("canvas.default_host is required")
	}

	if (c.Canvas.ClientID == "") != (c.Canvas.ClientSecret == "") {
		return fmt.Errorf("canvas.client_id and canvas.client_secret must be set together")
	}

	seen := make(map[string]struct{}, len(c.LTI.Consumers))

	for i, consumer := range c.LTI.Consumers {
		if consumer.Key == "" {
			return fmt.Errorf("lti consumer %d: key is required", i)
		}

		if consumer.Secret == "" {
			return fmt.Errorf("lti consumer %q: secret is required", consumer.Key)
		}

		if _, exists := seen[consumer.Key]; exists {
			return fmt.Errorf("lti consumer %d: duplicate key %q", i, consumer.Key)
		}

		seen[consumer.Key] = struct{}{}
	}

	if c.Storage.S3.Enabled && c.Storage.Local.Enabled {
		return fmt.Errorf("only one of storage.s3 and storage.local may be enabled")
	}

	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}

	if c.Storage.Local.Enabled && c.Storage.Local.Root == "" {
		return fmt.Errorf("storage.local.root is required when local storage is enabled")
	}

	return nil
}

// SessionTTL returns the parsed session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return mustDuration(c.Session.TTL, 2*time.Hour)
}

// SessionCleanupInterval returns how often expired sessions are pruned.
func (c *Config) SessionCleanupInterval() time.Duration {
	return mustDuration(c.Session.CleanupInterval, 15*time.Minute)
}

// CanvasTimeout returns the timeout applied to outbound Canvas requests.
func (c *Config) CanvasTimeout() time.Duration {
	return mustDuration(c.Canvas.Timeout, 30*time.Second)
}

// TimestampWindow returns the accepted launch timestamp skew.
func (c *Config) TimestampWindow() time.Duration {
	return mustDuration(c.LTI.TimestampWindow, 5*time.Minute)
}

// mustDuration parses s, falling back when the value is empty or invalid.
// Validate rejects invalid values before they reach here.
func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}

// Redacted returns a copy of the configuration with secrets masked, for
// printing.
func (c *Config) Redacted() *Config {
	out := *c

	out.Database.Postgres.Password = mask(c.Database.Postgres.Password)
	out.Canvas.ClientSecret = mask(c.Canvas.ClientSecret)
	out.Storage.S3.SecretAccessKey = mask(c.Storage.S3.SecretAccessKey)

	out.LTI.Consumers = make([]LTIConsumer, 0, len(c.LTI.Consumers))
	for _, consumer := range c.LTI.Consumers {
		out.LTI.Consumers = append(out.LTI.Consumers, LTIConsumer{
			Key:    consumer.Key,
			Secret: mask(consumer.Secret),
		})
	}

	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}
