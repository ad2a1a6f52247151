// Package config provides configuration management for ibekd.
// It handles loading configuration from YAML files, applying environment variable
// and command line overrides, and validating the settings used by the key
// generation authority and by subordinate nodes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable override
const EnvPrefix = "IBEKD_"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Authority AuthorityConfig `yaml:"authority"`
	Requests  RequestsConfig  `yaml:"requests"`
	Node      NodeConfig      `yaml:"node"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	TLSCert      string        `yaml:"tls_cert"`
	TLSKey       string        `yaml:"tls_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	MySQL    MySQLConfig    `yaml:"mysql"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// MySQLConfig holds MySQL-specific configuration
type MySQLConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// JWTConfig holds JWT authentication configuration
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	Expiration time.Duration `yaml:"expiration"`
	Issuer     string        `yaml:"issuer"`
}

// CryptoConfig holds cryptographic defaults
type CryptoConfig struct {
	DefaultPairing          string        `yaml:"default_pairing"`
	SessionKeySize          int           `yaml:"session_key_size"`
	DefaultIdentityValidity time.Duration `yaml:"default_identity_validity"`
	SystemCertValidity      time.Duration `yaml:"system_cert_validity"`
}

// AuthorityConfig holds settings for the key generation authority
type AuthorityConfig struct {
	CreateDefaultSystem   bool   `yaml:"create_default_system"`
	DefaultSystemOwner    string `yaml:"default_system_owner"`
	DefaultSystemPassword string `yaml:"default_system_password"`
}

// RequestsConfig holds settings for identity request processing
type RequestsConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollLimit      int           `yaml:"poll_limit"`
	ProcessEnabled bool          `yaml:"process_enabled"`
}

// NodeConfig holds settings for a subordinate server bootstrapping against the authority
type NodeConfig struct {
	AuthorityURL      string        `yaml:"authority_url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	System            string        `yaml:"system"`
	ServerID          string        `yaml:"server_id"`
	ServerKeyValidity time.Duration `yaml:"server_key_validity"`
	KeyDir            string        `yaml:"key_dir"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ListenPort        int           `yaml:"listen_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORSEnabled       bool          `yaml:"cors_enabled"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	RateLimitEnabled  bool          `yaml:"rate_limit_enabled"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:   "sqlite",
			SQLite: SQLiteConfig{Path: "./data/ibekd.db"},
			Postgres: PostgresConfig{
				Port:         5432,
				SSLMode:      "disable",
				MaxOpenConns: 25,
				MaxIdleConns: 5,
			},
			MySQL: MySQLConfig{
				Port:         3306,
				MaxOpenConns: 25,
				MaxIdleConns: 5,
			},
		},
		JWT: JWTConfig{
			Expiration: 24 * time.Hour,
			Issuer:     "ibekd",
		},
		Crypto: CryptoConfig{
			DefaultPairing:          "bn256",
			SessionKeySize:          64,
			DefaultIdentityValidity: 365 * 24 * time.Hour,
			SystemCertValidity:      10 * 365 * 24 * time.Hour,
		},
		Authority: AuthorityConfig{
			CreateDefaultSystem: true,
			DefaultSystemOwner:  "IBE_SERVER",
		},
		Requests: RequestsConfig{
			BatchSize:      100,
			PollInterval:   10 * time.Second,
			PollLimit:      50,
			ProcessEnabled: true,
		},
		Node: NodeConfig{
			System:            "IBE_SERVER",
			ServerKeyValidity: 365 * 24 * time.Hour,
			KeyDir:            "./data/keys",
			RequestTimeout:    30 * time.Second,
			ListenPort:        8001,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			CORSEnabled:       true,
			CORSOrigins:       []string{"*"},
			RateLimitEnabled:  true,
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), environment variables and finally command line flags.
func Load(path string, flags *Flags) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if flags != nil {
		if err := flags.apply(cfg); err != nil {
			return nil, fmt.Errorf("invalid flag value: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func envString(name string, target *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

func envDuration(name string, target *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func envBool(name string, target *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvOverrides() {
	// Server
	envInt("SERVER_PORT", &c.Server.Port)
	envString("SERVER_HOST", &c.Server.Host)

	// Database
	envString("DB_TYPE", &c.Database.Type)
	envString("DB_SQLITE_PATH", &c.Database.SQLite.Path)
	envString("DB_POSTGRES_HOST", &c.Database.Postgres.Host)
	envInt("DB_POSTGRES_PORT", &c.Database.Postgres.Port)
	envString("DB_POSTGRES_DATABASE", &c.Database.Postgres.Database)
	envString("DB_POSTGRES_USER", &c.Database.Postgres.User)
	envString("DB_POSTGRES_PASSWORD", &c.Database.Postgres.Password)
	envString("DB_MYSQL_HOST", &c.Database.MySQL.Host)
	envInt("DB_MYSQL_PORT", &c.Database.MySQL.Port)
	envString("DB_MYSQL_DATABASE", &c.Database.MySQL.Database)
	envString("DB_MYSQL_USER", &c.Database.MySQL.User)
	envString("DB_MYSQL_PASSWORD", &c.Database.MySQL.Password)

	// JWT
	envString("JWT_SECRET", &c.JWT.Secret)

	// Authority
	envBool("AUTHORITY_CREATE_DEFAULT_SYSTEM", &c.Authority.CreateDefaultSystem)
	envString("AUTHORITY_DEFAULT_SYSTEM_OWNER", &c.Authority.DefaultSystemOwner)
	envString("AUTHORITY_DEFAULT_SYSTEM_PASSWORD", &c.Authority.DefaultSystemPassword)

	// Requests
	envInt("REQUESTS_BATCH_SIZE", &c.Requests.BatchSize)
	envDuration("REQUESTS_POLL_INTERVAL", &c.Requests.PollInterval)

	// Node
	envString("NODE_AUTHORITY_URL", &c.Node.AuthorityURL)
	envString("NODE_USERNAME", &c.Node.Username)
	envString("NODE_PASSWORD", &c.Node.Password)
	envString("NODE_SYSTEM", &c.Node.System)
	envString("NODE_SERVER_ID", &c.Node.ServerID)
	envString("NODE_KEY_DIR", &c.Node.KeyDir)
	envInt("NODE_LISTEN_PORT", &c.Node.ListenPort)

	// Logging
	envString("LOG_LEVEL", &c.Logging.Level)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert or key not specified")
		}
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("SQLite path not specified")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL host and database must be specified")
		}
	case "mysql":
		if c.Database.MySQL.Host == "" || c.Database.MySQL.Database == "" {
			return fmt.Errorf("MySQL host and database must be specified")
		}
	default:
		return fmt.Errorf("invalid database type: %s (must be 'sqlite', 'postgres' or 'mysql')", c.Database.Type)
	}

	if c.Crypto.DefaultPairing == "" {
		return fmt.Errorf("default pairing not specified")
	}
	if c.Crypto.SessionKeySize < 32 {
		return fmt.Errorf("session key size must be at least 32 bytes")
	}
	if c.Crypto.DefaultIdentityValidity <= 0 || c.Crypto.SystemCertValidity <= 0 {
		return fmt.Errorf("identity and system certificate validity must be positive")
	}

	if c.Authority.CreateDefaultSystem && strings.TrimSpace(c.Authority.DefaultSystemOwner) == "" {
		return fmt.Errorf("default system owner not specified")
	}

	if c.Requests.BatchSize < 1 {
		return fmt.Errorf("request batch size must be at least 1")
	}
	if c.Requests.PollInterval <= 0 {
		return fmt.Errorf("request poll interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// ValidateNode checks the settings a subordinate node needs before it can
// contact the authority.
func (c *Config) ValidateNode() error {
	if c.Node.AuthorityURL == "" {
		return fmt.Errorf("node authority URL not specified")
	}
	if c.Node.System == "" {
		return fmt.Errorf("node system not specified")
	}
	if c.Node.ServerID == "" {
		return fmt.Errorf("node server id not specified")
	}
	if c.Node.KeyDir == "" {
		return fmt.Errorf("node key directory not specified")
	}
	if c.Node.ServerKeyValidity <= 0 {
		return fmt.Errorf("node server key validity must be positive")
	}
	if c.Node.ListenPort < 1 || c.Node.ListenPort > 65535 {
		return fmt.Errorf("invalid node listen port: %d", c.Node.ListenPort)
	}
	return nil
}

// GetDSN returns the database connection string based on the configured type
func (c *Config) GetDSN() string {
	switch c.Database.Type {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = c.Database.MySQL.User
		mc.Passwd = c.Database.MySQL.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(c.Database.MySQL.Host, strconv.Itoa(c.Database.MySQL.Port))
		mc.DBName = c.Database.MySQL.Database
		mc.Collation = "utf8mb4_general_ci"
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.Params = map[string]string{"time_zone": "'+00:00'"}
		return mc.FormatDSN()
	default:
		return ""
	}
}
