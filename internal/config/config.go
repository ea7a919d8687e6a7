// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for lookup cache + session denylist (optional)

	// IP geolocation provider
	GeoIPURL              string // URL template, %s is replaced by the IP
	GeoIPTimeout          time.Duration
	GeoIPCacheTTL         time.Duration
	GeoIPBreakerThreshold int
	GeoIPBreakerCooldown  time.Duration

	// Countries
	SupportedCountries []string
	CountryTablePath   string // optional YAML override of the phone prefix table

	// Sessions
	SessionSecret      string // HMAC key used to verify session credentials
	SessionIDPrefixLen int
	SessionLocationTTL time.Duration
	SweepInterval      time.Duration

	// Security
	AdminSecret string
	// ServiceSecret lets a backend name the end user's ipAddress and
	// userAgent on the check endpoints. Empty disables relaying.
	ServiceSecret string
	RateLimitRPM  int
	CORSOrigins   []string
	// TrustedProxies are the proxy CIDRs allowed to set X-Forwarded-For.
	// Empty means the client IP is always the TCP peer.
	TrustedProxies []string

	// Tracing
	OTLPEndpoint string
}

// DevSessionSecret is the session key used in development when
// SESSION_SECRET is unset. Credentials signed with it are forgeable.
const DevSessionSecret = "dev-session-secret-change-me"

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultGeoIPURL              = "http://ip-api.com/json/%s?fields=status,message,countryCode,proxy,hosting"
	DefaultGeoIPTimeout          = 3 * time.Second
	DefaultGeoIPCacheTTL         = 6 * time.Hour
	DefaultGeoIPBreakerThreshold = 5
	DefaultGeoIPBreakerCooldown  = 30 * time.Second
	DefaultSupportedCountries    = "KE,NG,GH,UG,TZ,RW,ZA"
	DefaultSessionIDPrefixLen    = 32
	DefaultSessionLocationTTL    = 30 * 24 * time.Hour
	DefaultSweepInterval         = time.Hour
	DefaultRateLimitRPM          = 120

	// minSessionIDPrefixLen keeps the prefix-collision risk negligible.
	minSessionIDPrefixLen = 16
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		GeoIPURL:              getEnv("GEOIP_URL", DefaultGeoIPURL),
		GeoIPTimeout:          getEnvMillis("GEOIP_TIMEOUT_MS", DefaultGeoIPTimeout),
		GeoIPCacheTTL:         getEnvDuration("GEOIP_CACHE_TTL", DefaultGeoIPCacheTTL),
		GeoIPBreakerThreshold: int(getEnvInt64("GEOIP_BREAKER_THRESHOLD", DefaultGeoIPBreakerThreshold)),
		GeoIPBreakerCooldown:  getEnvDuration("GEOIP_BREAKER_COOLDOWN", DefaultGeoIPBreakerCooldown),
		SupportedCountries:    splitCountries(getEnv("SUPPORTED_COUNTRIES", DefaultSupportedCountries)),
		CountryTablePath:      os.Getenv("COUNTRY_TABLE_PATH"),
		SessionSecret:         os.Getenv("SESSION_SECRET"),
		SessionIDPrefixLen:    int(getEnvInt64("SESSION_ID_PREFIX_LEN", DefaultSessionIDPrefixLen)),
		SessionLocationTTL:    getEnvDuration("SESSION_LOCATION_TTL", DefaultSessionLocationTTL),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		ServiceSecret:         os.Getenv("SERVICE_SECRET"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:           splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		TrustedProxies:        splitList(os.Getenv("TRUSTED_PROXIES")),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.SessionSecret == "" && cfg.IsDevelopment() {
		cfg.SessionSecret = DevSessionSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required outside development")
	}
	if c.IsProduction() && len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes in production")
	}
	if !strings.Contains(c.GeoIPURL, "%s") {
		return fmt.Errorf("GEOIP_URL must contain a %%s placeholder for the IP")
	}
	if c.GeoIPTimeout <= 0 {
		return fmt.Errorf("GEOIP_TIMEOUT_MS must be positive")
	}
	if c.SessionIDPrefixLen < minSessionIDPrefixLen {
		return fmt.Errorf("SESSION_ID_PREFIX_LEN must be at least %d", minSessionIDPrefixLen)
	}
	if len(c.SupportedCountries) == 0 {
		return fmt.Errorf("SUPPORTED_COUNTRIES must list at least one country")
	}
	for _, cc := range c.SupportedCountries {
		if len(cc) != 2 {
			return fmt.Errorf("SUPPORTED_COUNTRIES: %q is not an ISO 3166-1 alpha-2 code", cc)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCountries(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
