package config

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
	// PublicURL is the externally reachable base URL, used to build the
	// OAuth redirect URI and badge claim links. When empty it is derived
	// from the incoming request.
	PublicURL   string          `yaml:"public_url,omitempty" mapstructure:"public_url"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Launch  RateLimitTier `yaml:"launch,omitempty" mapstructure:"launch"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// SessionConfig controls the browser session created at launch time.
type SessionConfig struct {
	TTL             string `yaml:"ttl" mapstructure:"ttl"`
	CookieName      string `yaml:"cookie_name" mapstructure:"cookie_name"`
	SecureCookies   bool   `yaml:"secure_cookies" mapstructure:"secure_cookies"`
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// StorageConfig contains the backend used to serve static assets such as
// badge images and stylesheets. Only one backend (S3 or local) may be
// enabled at a time.
type StorageConfig struct {
	S3    S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// LocalStorageConfig serves assets from a directory on disk.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Root    string `yaml:"root" mapstructure:"root"`
}

// S3Config contains S3 settings for presigned asset URLs.
type S3Config struct {
	Enabled         bool                 `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string               `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string               `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string               `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string               `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string               `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string               `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool                 `yaml:"force_path_style" mapstructure:"force_path_style"`
	PresignedURLs   S3PresignedURLConfig `yaml:"presigned_urls,omitempty" mapstructure:"presigned_urls"`
}

// S3PresignedURLConfig contains presigned URL generation settings.
type S3PresignedURLConfig struct {
	Expiry string `yaml:"expiry,omitempty" mapstructure:"expiry"`
}
