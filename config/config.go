package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
	StoreBolt   = "bolt"
)

// Introspection cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// ServerConfig holds all configuration for the server. Keys double as
// environment variable names.
type ServerConfig struct {
	HTTPAddr        string `mapstructure:"HTTP_ADDR"`
	Issuer          string `mapstructure:"ISSUER"`
	DevMode         bool   `mapstructure:"DEV_MODE"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogPretty       bool   `mapstructure:"LOG_PRETTY"`
	TracingEnabled  bool   `mapstructure:"TRACING_ENABLED"`
	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	AuditLog        bool   `mapstructure:"AUDIT_LOG"`

	AccessTokenTTL       time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	IDTokenTTL           time.Duration `mapstructure:"ID_TOKEN_TTL"`
	RefreshTokenTTL      time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	AuthCodeTTL          time.Duration `mapstructure:"AUTH_CODE_TTL"`
	RefreshTokenRotation bool          `mapstructure:"REFRESH_TOKEN_ROTATION"`
	AllowPlainPKCE       bool          `mapstructure:"ALLOW_PLAIN_PKCE"`

	SigningKeyFile      string        `mapstructure:"SIGNING_KEY_FILE"`
	SigningAlgorithm    string        `mapstructure:"SIGNING_ALGORITHM"`
	KeyRotationInterval time.Duration `mapstructure:"KEY_ROTATION_INTERVAL"`
	KeyRetention        time.Duration `mapstructure:"KEY_RETENTION"`

	// Store holds clients, resources and consents. GrantStore defaults to it.
	Store      string `mapstructure:"STORE"`
	GrantStore string `mapstructure:"GRANT_STORE"`
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	BoltPath   string `mapstructure:"BOLT_PATH"`

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	IntrospectionCache string        `mapstructure:"INTROSPECTION_CACHE"`
	CacheMaxTTL        time.Duration `mapstructure:"CACHE_MAX_TTL"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SeedFile           string        `mapstructure:"SEED_FILE"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("ISSUER", "http://localhost:8080")
	v.SetDefault("DEV_MODE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "arch-idp")
	v.SetDefault("AUDIT_LOG", true)

	v.SetDefault("ACCESS_TOKEN_TTL", time.Hour)
	v.SetDefault("ID_TOKEN_TTL", 5*time.Minute)
	v.SetDefault("REFRESH_TOKEN_TTL", 30*24*time.Hour)
	v.SetDefault("AUTH_CODE_TTL", 5*time.Minute)
	v.SetDefault("REFRESH_TOKEN_ROTATION", false)
	v.SetDefault("ALLOW_PLAIN_PKCE", false)

	v.SetDefault("SIGNING_KEY_FILE", "")
	v.SetDefault("SIGNING_ALGORITHM", "RS256")
	v.SetDefault("KEY_ROTATION_INTERVAL", 0)
	v.SetDefault("KEY_RETENTION", 24*time.Hour)

	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("GRANT_STORE", "")
	v.SetDefault("SQLITE_PATH", "arch-idp.db")
	v.SetDefault("BOLT_PATH", "arch-idp-grants.bolt")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB_NAME", "arch_idp")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "archidp:")

	v.SetDefault("INTROSPECTION_CACHE", CacheMemory)
	v.SetDefault("CACHE_MAX_TTL", time.Minute)
	v.SetDefault("SWEEP_INTERVAL", 10*time.Minute)
	v.SetDefault("SEED_FILE", "")
}

// LoadConfig reads configuration from the config file, environment variables
// and defaults, in increasing order of precedence for env over file. An
// explicit cfgFile must exist; otherwise config.yaml is optional.
func LoadConfig(cfgFile string) (*ServerConfig, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/arch-idp/")
		v.AddConfigPath("$HOME/.arch-idp")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if cfg.GrantStore == "" {
		cfg.GrantStore = cfg.Store
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the provider settings.
func (c *ServerConfig) Validate() error {
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if u.Scheme != "https" && !c.DevMode {
		return fmt.Errorf("issuer must use https outside development mode")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	for name, ttl := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":  c.AccessTokenTTL,
		"ID_TOKEN_TTL":      c.IDTokenTTL,
		"REFRESH_TOKEN_TTL": c.RefreshTokenTTL,
		"AUTH_CODE_TTL":     c.AuthCodeTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if longest := max(c.AccessTokenTTL, c.IDTokenTTL); c.KeyRetention < longest {
		return fmt.Errorf("KEY_RETENTION must be at least %s, the longest token lifetime", longest)
	}

	if !slices.Contains([]string{"RS256", "ES256"}, c.SigningAlgorithm) {
		return fmt.Errorf("unsupported signing algorithm: %s", c.SigningAlgorithm)
	}
	if c.SigningKeyFile == "" && !c.DevMode {
		return fmt.Errorf("SIGNING_KEY_FILE is required outside development mode")
	}

	if !slices.Contains([]string{StoreMemory, StoreSQLite, StoreMongo}, c.Store) {
		return fmt.Errorf("unsupported store: %s", c.Store)
	}
	if !slices.Contains([]string{StoreMemory, StoreSQLite, StoreMongo, StoreRedis, StoreBolt}, c.GrantStore) {
		return fmt.Errorf("unsupported grant store: %s", c.GrantStore)
	}
	if !slices.Contains([]string{CacheNone, CacheMemory, CacheRedis}, c.IntrospectionCache) {
		return fmt.Errorf("unsupported introspection cache: %s", c.IntrospectionCache)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *ServerConfig) UsesRedis() bool {
	return c.GrantStore == StoreRedis || c.IntrospectionCache == CacheRedis
}

// UsesMongo reports whether any component needs a MongoDB connection.
func (c *ServerConfig) UsesMongo() bool {
	return c.Store == StoreMongo || c.GrantStore == StoreMongo
}

// UsesSQLite reports whether any component needs the SQLite database.
func (c *ServerConfig) UsesSQLite() bool {
	return c.Store == StoreSQLite || c.GrantStore == StoreSQLite
}
