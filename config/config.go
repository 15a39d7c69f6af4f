package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/sensor-gateway/cognito"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cognito       CognitoConfig
	Revocation    RevocationConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// CognitoConfig holds AWS Cognito user pool and app client configuration
type CognitoConfig struct {
	Region       string
	UserPoolID   string
	ClientID     string
	ClientSecret string // Optional; SECRET_HASH is only sent when set
	// Endpoint overrides the Cognito API endpoint (local emulators).
	Endpoint string
	// JWKSURL overrides the key set location derived from the issuer.
	JWKSURL             string
	Algorithm           string
	TokenUse            string
	Leeway              time.Duration
	JWKSCacheTTL        time.Duration
	JWKSGracePeriod     time.Duration
	JWKSFetchTimeout    time.Duration
	MissRefreshInterval time.Duration
	ProviderTimeout     time.Duration
	BreakerFailures     int
	BreakerCooldown     time.Duration
}

// RevocationConfig selects where global sign-outs are recorded
type RevocationConfig struct {
	RedisURL  string // Empty means an in-process store
	KeyPrefix string
	TTL       time.Duration
}

// CORSConfig holds cross-origin settings for browser clients
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
	MaxAge           int
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel         string
	LogFormat        string // json or text
	MetricsEnabled   bool
	MetricsNamespace string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
		},
		Database: loadDatabaseConfig(),
		Cognito: CognitoConfig{
			Region:              getEnvFallback("COGNITO_REGION", "USER_POOL_REGION", ""),
			UserPoolID:          getEnvFallback("COGNITO_USER_POOL_ID", "USER_POOL_ID", ""),
			ClientID:            getEnvFallback("COGNITO_CLIENT_ID", "CLIENT_ID", ""),
			ClientSecret:        getEnvFallback("COGNITO_CLIENT_SECRET", "CLIENT_SECRET", ""),
			Endpoint:            getEnv("COGNITO_ENDPOINT", ""),
			JWKSURL:             getEnv("COGNITO_JWKS_URL", ""),
			Algorithm:           getEnv("COGNITO_TOKEN_ALGORITHM", "RS256"),
			TokenUse:            getEnv("COGNITO_TOKEN_USE", cognito.TokenUseAccess),
			Leeway:              getEnvAsDuration("COGNITO_CLOCK_LEEWAY", 0),
			JWKSCacheTTL:        getEnvAsDuration("COGNITO_JWKS_CACHE_TTL", time.Hour),
			JWKSGracePeriod:     getEnvAsDuration("COGNITO_JWKS_GRACE_PERIOD", 15*time.Minute),
			JWKSFetchTimeout:    getEnvAsDuration("COGNITO_JWKS_FETCH_TIMEOUT", 5*time.Second),
			MissRefreshInterval: getEnvAsDuration("COGNITO_JWKS_MISS_REFRESH_INTERVAL", 10*time.Second),
			ProviderTimeout:     getEnvAsDuration("COGNITO_PROVIDER_TIMEOUT", 10*time.Second),
			BreakerFailures:     getEnvAsInt("COGNITO_BREAKER_FAILURES", 5),
			BreakerCooldown:     getEnvAsDuration("COGNITO_BREAKER_COOLDOWN", 30*time.Second),
		},
		Revocation: RevocationConfig{
			RedisURL:  getEnv("REDIS_URL", ""),
			KeyPrefix: getEnv("REVOCATION_KEY_PREFIX", "signout"),
			TTL:       getEnvAsDuration("REVOCATION_TTL", 24*time.Hour),
		},
		CORS: CORSConfig{
			AllowedOrigins:   getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:8080"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", true),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 300),
		},
		Observability: ObservabilityConfig{
			LogLevel:         getEnv("LOG_LEVEL", "info"),
			LogFormat:        getEnv("LOG_FORMAT", "json"),
			MetricsEnabled:   getEnvAsBool("METRICS_ENABLED", true),
			MetricsNamespace: getEnv("METRICS_NAMESPACE", "sensor_gateway"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Cognito.Region == "" {
		return fmt.Errorf("cognito region is required: set COGNITO_REGION or USER_POOL_REGION")
	}
	if c.Cognito.UserPoolID == "" {
		return fmt.Errorf("cognito user pool ID is required: set COGNITO_USER_POOL_ID or USER_POOL_ID")
	}
	if c.Cognito.ClientID == "" {
		return fmt.Errorf("cognito client ID is required: set COGNITO_CLIENT_ID or CLIENT_ID")
	}
	if !cognito.IsAsymmetricAlgorithm(c.Cognito.Algorithm) {
		return fmt.Errorf("unsupported token algorithm %q: must be one of RS*, PS*, ES*", c.Cognito.Algorithm)
	}
	if c.Cognito.TokenUse != cognito.TokenUseAccess && c.Cognito.TokenUse != cognito.TokenUseID {
		return fmt.Errorf("token use must be %q or %q", cognito.TokenUseAccess, cognito.TokenUseID)
	}
	if c.Cognito.Leeway < 0 {
		return fmt.Errorf("clock leeway must not be negative")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Issuer returns the token issuer of the configured user pool.
func (c *CognitoConfig) Issuer() string {
	return cognito.IssuerURL(c.Region, c.UserPoolID)
}

// KeySetURL returns the JWKS location, honoring the override.
func (c *CognitoConfig) KeySetURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return cognito.JWKSURL(c.Issuer())
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", false),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 3000)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 3000
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvFallback reads key, then legacy, then falls back to defaultValue.
func getEnvFallback(key, legacy, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return getEnv(legacy, defaultValue)
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
