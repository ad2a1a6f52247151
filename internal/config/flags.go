package config

import (
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
)

// Flags holds command line flag values registered on a FlagSet
type Flags struct {
	fs *flag.FlagSet

	// Server
	serverPort         *int
	serverHost         *string
	serverReadTimeout  *string
	serverWriteTimeout *string
	serverTLSEnabled   *bool
	serverTLSCert      *string
	serverTLSKey       *string

	// Database
	dbType             *string
	dbSQLitePath       *string
	dbPostgresHost     *string
	dbPostgresPort     *int
	dbPostgresDatabase *string
	dbPostgresUser     *string
	dbPostgresPassword *string
	dbPostgresSSLMode  *string
	dbMySQLHost        *string
	dbMySQLPort        *int
	dbMySQLDatabase    *string
	dbMySQLUser        *string
	dbMySQLPassword    *string

	// JWT
	jwtSecret     *string
	jwtExpiration *string
	jwtIssuer     *string

	// Crypto
	cryptoDefaultPairing          *string
	cryptoDefaultIdentityValidity *string

	// Requests
	requestsBatchSize    *int
	requestsPollInterval *string

	// Node
	nodeAuthorityURL *string
	nodeUsername     *string
	nodePassword     *string
	nodeSystem       *string
	nodeServerID     *string
	nodeKeyDir       *string
	nodeListenPort   *int

	// Logging
	logLevel  *string
	logFormat *string

	// Security
	securityCORSEnabled      *bool
	securityCORSOrigins      *[]string
	securityRateLimitEnabled *bool
}

// RegisterFlags defines all configuration flags on fs
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}

	f.serverPort = fs.Int("server.port", 0, "HTTP server port")
	f.serverHost = fs.String("server.host", "", "HTTP server bind address")
	f.serverReadTimeout = fs.String("server.read-timeout", "", "Server read timeout (e.g., 30s)")
	f.serverWriteTimeout = fs.String("server.write-timeout", "", "Server write timeout (e.g., 30s)")
	f.serverTLSEnabled = fs.Bool("server.tls-enabled", false, "Enable HTTPS")
	f.serverTLSCert = fs.String("server.tls-cert", "", "Path to TLS certificate")
	f.serverTLSKey = fs.String("server.tls-key", "", "Path to TLS key")

	f.dbType = fs.String("db.type", "", "Database type (sqlite, postgres or mysql)")
	f.dbSQLitePath = fs.String("db.sqlite.path", "", "SQLite database file path")
	f.dbPostgresHost = fs.String("db.postgres.host", "", "PostgreSQL host")
	f.dbPostgresPort = fs.Int("db.postgres.port", 0, "PostgreSQL port")
	f.dbPostgresDatabase = fs.String("db.postgres.database", "", "PostgreSQL database name")
	f.dbPostgresUser = fs.String("db.postgres.user", "", "PostgreSQL user")
	f.dbPostgresPassword = fs.String("db.postgres.password", "", "PostgreSQL password")
	f.dbPostgresSSLMode = fs.String("db.postgres.ssl-mode", "", "PostgreSQL SSL mode")
	f.dbMySQLHost = fs.String("db.mysql.host", "", "MySQL host")
	f.dbMySQLPort = fs.Int("db.mysql.port", 0, "MySQL port")
	f.dbMySQLDatabase = fs.String("db.mysql.database", "", "MySQL database name")
	f.dbMySQLUser = fs.String("db.mysql.user", "", "MySQL user")
	f.dbMySQLPassword = fs.String("db.mysql.password", "", "MySQL password")

	f.jwtSecret = fs.String("jwt.secret", "", "JWT secret key")
	f.jwtExpiration = fs.String("jwt.expiration", "", "JWT expiration duration (e.g., 24h)")
	f.jwtIssuer = fs.String("jwt.issuer", "", "JWT issuer")

	f.cryptoDefaultPairing = fs.String("crypto.default-pairing", "", "Pairing descriptor for new systems")
	f.cryptoDefaultIdentityValidity = fs.String("crypto.default-identity-validity", "", "Default identity key validity (e.g., 8760h)")

	f.requestsBatchSize = fs.Int("requests.batch-size", 0, "Maximum identity requests updated per batch statement")
	f.requestsPollInterval = fs.String("requests.poll-interval", "", "Interval between identity request processing runs")

	f.nodeAuthorityURL = fs.String("node.authority-url", "", "Base URL of the key generation authority")
	f.nodeUsername = fs.String("node.username", "", "Node account used to authenticate with the authority")
	f.nodePassword = fs.String("node.password", "", "Node account password")
	f.nodeSystem = fs.String("node.system", "", "Owner name of the system this node belongs to")
	f.nodeServerID = fs.String("node.server-id", "", "Identity string of this node")
	f.nodeKeyDir = fs.String("node.key-dir", "", "Directory holding the local key file")
	f.nodeListenPort = fs.Int("node.listen-port", 0, "Port of the node status API")

	f.logLevel = fs.StringP("log.level", "l", "", "Log level (debug, info, warn, error)")
	f.logFormat = fs.String("log.format", "", "Log format (json or console)")

	f.securityCORSEnabled = fs.Bool("security.cors-enabled", false, "Enable CORS")
	f.securityCORSOrigins = fs.StringSlice("security.cors-origins", nil, "CORS allowed origins (can be specified multiple times)")
	f.securityRateLimitEnabled = fs.Bool("security.rate-limit-enabled", false, "Enable rate limiting")

	return f
}

func (f *Flags) changed(name string) bool {
	fl := f.fs.Lookup(name)
	return fl != nil && fl.Changed
}

// GetServerPort returns the server port flag value and whether it was set
func (f *Flags) GetServerPort() (int, bool) {
	return *f.serverPort, f.changed("server.port")
}

// GetDBType returns the database type flag value and whether it was set
func (f *Flags) GetDBType() (string, bool) {
	return *f.dbType, f.changed("db.type")
}

// GetLogLevel returns the log level flag value and whether it was set
func (f *Flags) GetLogLevel() (string, bool) {
	return *f.logLevel, f.changed("log.level")
}

func (f *Flags) setString(name string, src *string, dst *string) {
	if f.changed(name) {
		*dst = *src
	}
}

func (f *Flags) setInt(name string, src *int, dst *int) {
	if f.changed(name) {
		*dst = *src
	}
}

func (f *Flags) setBool(name string, src *bool, dst *bool) {
	if f.changed(name) {
		*dst = *src
	}
}

func (f *Flags) setDuration(name string, src *string, dst *time.Duration) error {
	if !f.changed(name) {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	*dst = d
	return nil
}

// apply copies every explicitly set flag into cfg
func (f *Flags) apply(cfg *Config) error {
	f.setInt("server.port", f.serverPort, &cfg.Server.Port)
	f.setString("server.host", f.serverHost, &cfg.Server.Host)
	if err := f.setDuration("server.read-timeout", f.serverReadTimeout, &cfg.Server.ReadTimeout); err != nil {
		return err
	}
	if err := f.setDuration("server.write-timeout", f.serverWriteTimeout, &cfg.Server.WriteTimeout); err != nil {
		return err
	}
	f.setBool("server.tls-enabled", f.serverTLSEnabled, &cfg.Server.TLSEnabled)
	f.setString("server.tls-cert", f.serverTLSCert, &cfg.Server.TLSCert)
	f.setString("server.tls-key", f.serverTLSKey, &cfg.Server.TLSKey)

	f.setString("db.type", f.dbType, &cfg.Database.Type)
	f.setString("db.sqlite.path", f.dbSQLitePath, &cfg.Database.SQLite.Path)
	f.setString("db.postgres.host", f.dbPostgresHost, &cfg.Database.Postgres.Host)
	f.setInt("db.postgres.port", f.dbPostgresPort, &cfg.Database.Postgres.Port)
	f.setString("db.postgres.database", f.dbPostgresDatabase, &cfg.Database.Postgres.Database)
	f.setString("db.postgres.user", f.dbPostgresUser, &cfg.Database.Postgres.User)
	f.setString("db.postgres.password", f.dbPostgresPassword, &cfg.Database.Postgres.Password)
	f.setString("db.postgres.ssl-mode", f.dbPostgresSSLMode, &cfg.Database.Postgres.SSLMode)
	f.setString("db.mysql.host", f.dbMySQLHost, &cfg.Database.MySQL.Host)
	f.setInt("db.mysql.port", f.dbMySQLPort, &cfg.Database.MySQL.Port)
	f.setString("db.mysql.database", f.dbMySQLDatabase, &cfg.Database.MySQL.Database)
	f.setString("db.mysql.user", f.dbMySQLUser, &cfg.Database.MySQL.User)
	f.setString("db.mysql.password", f.dbMySQLPassword, &cfg.Database.MySQL.Password)

	f.setString("jwt.secret", f.jwtSecret, &cfg.JWT.Secret)
	if err := f.setDuration("jwt.expiration", f.jwtExpiration, &cfg.JWT.Expiration); err != nil {
		return err
	}
	f.setString("jwt.issuer", f.jwtIssuer, &cfg.JWT.Issuer)

	f.setString("crypto.default-pairing", f.cryptoDefaultPairing, &cfg.Crypto.DefaultPairing)
	if err := f.setDuration("crypto.default-identity-validity", f.cryptoDefaultIdentityValidity, &cfg.Crypto.DefaultIdentityValidity); err != nil {
		return err
	}

	f.setInt("requests.batch-size", f.requestsBatchSize, &cfg.Requests.BatchSize)
	if err := f.setDuration("requests.poll-interval", f.requestsPollInterval, &cfg.Requests.PollInterval); err != nil {
		return err
	}

	f.setString("node.authority-url", f.nodeAuthorityURL, &cfg.Node.AuthorityURL)
	f.setString("node.username", f.nodeUsername, &cfg.Node.Username)
	f.setString("node.password", f.nodePassword, &cfg.Node.Password)
	f.setString("node.system", f.nodeSystem, &cfg.Node.System)
	f.setString("node.server-id", f.nodeServerID, &cfg.Node.ServerID)
	f.setString("node.key-dir", f.nodeKeyDir, &cfg.Node.KeyDir)
	f.setInt("node.listen-port", f.nodeListenPort, &cfg.Node.ListenPort)

	f.setString("log.level", f.logLevel, &cfg.Logging.Level)
	f.setString("log.format", f.logFormat, &cfg.Logging.Format)

	f.setBool("security.cors-enabled", f.securityCORSEnabled, &cfg.Security.CORSEnabled)
	if f.changed("security.cors-origins") {
		cfg.Security.CORSOrigins = *f.securityCORSOrigins
	}
	f.setBool("security.rate-limit-enabled", f.securityRateLimitEnabled, &cfg.Security.RateLimitEnabled)

	return nil
}
