// Package config provides configuration loading for the samples service.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvironmentDevelopment relaxes the admin key check on the ingest trigger
// and logs mapped records during ingestion.
const EnvironmentDevelopment = "development"

// Config holds all configuration for the samples service
type Config struct {
	Environment string           `mapstructure:"environment"`
	FrontendDir string           `mapstructure:"frontend_dir"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Kobo        KoboConfig       `mapstructure:"kobo"`
	Ingest      IngestConfig     `mapstructure:"ingest"`
	Auth        AuthConfig       `mapstructure:"auth"`
	NCBI        NCBIConfig       `mapstructure:"ncbi"`
	Redis       RedisConfig      `mapstructure:"redis"`
	NATS        NATSConfig       `mapstructure:"nats"`
	OpenSearch  OpenSearchConfig `mapstructure:"opensearch"`
	Audit       AuditConfig      `mapstructure:"audit"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	CORS        CORSConfig       `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	MigrationsDir string         `mapstructure:"migrations_dir"`
	AutoMigrate   bool           `mapstructure:"auto_migrate"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// KoboConfig holds the submission source settings
type KoboConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	AssetUID string        `mapstructure:"asset_uid"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// IngestConfig holds the daily schedule (UTC)
type IngestConfig struct {
	Hour             int  `mapstructure:"hour"`
	Minute           int  `mapstructure:"minute"`
	SchedulerEnabled bool `mapstructure:"scheduler_enabled"`
}

// AuthConfig holds the role API keys
type AuthConfig struct {
	AdminKey   string `mapstructure:"admin_key"`
	CuratorKey string `mapstructure:"curator_key"`
}

// NCBIConfig holds accession validation settings
type NCBIConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RedisConfig holds the accession cache connection
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// OpenSearchConfig holds the sample search index settings
type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
	Enabled  bool   `mapstructure:"enabled"`
}

// AuditConfig holds the audit signing secret
type AuditConfig struct {
	Secret string `mapstructure:"secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CORSConfig holds the allowed browser origins as a comma-separated list
type CORSConfig struct {
	Origins string `mapstructure:"origins"`
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, EnvironmentDevelopment)
}

// ConnString builds the PostgreSQL connection URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ingest.Hour < 0 || c.Ingest.Hour > 23 {
		return fmt.Errorf("invalid ingest hour %d", c.Ingest.Hour)
	}
	if c.Ingest.Minute < 0 || c.Ingest.Minute > 59 {
		return fmt.Errorf("invalid ingest minute %d", c.Ingest.Minute)
	}
	if c.Audit.Secret == "" {
		return fmt.Errorf("audit.secret must be set")
	}
	return nil
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", EnvironmentDevelopment)
	v.SetDefault("frontend_dir", "frontend")

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "wwm")
	v.SetDefault("database.postgres.password", "wwm")
	v.SetDefault("database.postgres.database", "wwm")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.migrations_dir", "migrations")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("kobo.base_url", "https://eu.kobotoolbox.org")
	v.SetDefault("kobo.asset_uid", "")
	v.SetDefault("kobo.token", "")
	v.SetDefault("kobo.timeout", "30s")

	v.SetDefault("ingest.hour", 2)
	v.SetDefault("ingest.minute", 0)
	v.SetDefault("ingest.scheduler_enabled", true)

	v.SetDefault("auth.admin_key", "admin-key")
	v.SetDefault("auth.curator_key", "curator-key")

	v.SetDefault("ncbi.enabled", false)
	v.SetDefault("ncbi.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi")
	v.SetDefault("ncbi.timeout", "10s")
	v.SetDefault("ncbi.cache_ttl", "24h")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index", "wwm-samples")
	v.SetDefault("opensearch.enabled", false)

	v.SetDefault("audit.secret", "wwm-dev-audit-secret")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("cors.origins", "http://localhost:8080,http://127.0.0.1:8080,http://localhost:8000")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wwm/samples")
	}

	// Environment variables override (WWM_SERVER_PORT, WWM_KOBO_TOKEN, etc.)
	v.SetEnvPrefix("WWM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config - ignore file not found for defaults
	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
