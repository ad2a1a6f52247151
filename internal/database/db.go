// Package database provides database connection management, migrations, and
// data access methods for the ibekd authority.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/database/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicate is returned when an insert violates a uniqueness constraint
var ErrDuplicate = errors.New("duplicate record")

// Database represents the database connection and operations
type Database struct {
	db     *sql.DB
	dbType string
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new database connection
func New(cfg *config.Config) (*Database, error) {
	var db *sql.DB
	var err error

	switch cfg.Database.Type {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLite.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		db, err = sql.Open("sqlite3", cfg.Database.SQLite.Path+"?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		// SQLite only allows one writer at a time
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("postgres", cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
	case "mysql":
		db, err = sql.Open("mysql", cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open MySQL database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MySQL.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MySQL.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{
		db:     db,
		dbType: cfg.Database.Type,
	}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying database connection for direct queries
func (d *Database) DB() *sql.DB {
	return d.db
}

// Type returns the configured dialect
func (d *Database) Type() string {
	return d.dbType
}

func (d *Database) migrationFiles() []string {
	switch d.dbType {
	case "postgres":
		return []string{"migrations/000001_init_schema.postgres.up.sql"}
	case "mysql":
		return []string{"migrations/000001_init_schema.mysql.up.sql"}
	default:
		return []string{"migrations/000001_init_schema.up.sql"}
	}
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	for _, migrationFile := range d.migrationFiles() {
		content, err := migrationsFS.ReadFile(migrationFile)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", migrationFile, err)
		}

		for _, stmt := range splitStatements(string(content)) {
			if _, err := d.db.Exec(stmt); err != nil {
				// Re-running a migration must be harmless
				if !isAlreadyExists(err) {
					return fmt.Errorf("migration %s failed: %w\nStatement: %s", migrationFile, err, stmt)
				}
			}
		}
	}

	return nil
}

// splitStatements drops comment lines and splits on trailing semicolons
func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "--") || line == "" {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	return statements
}

func isAlreadyExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "Duplicate key name")
}

// isUniqueViolation recognizes unique constraint errors from every supported driver
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (d *Database) rebind(query string) string {
	if d.dbType != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertReturningID runs an INSERT and returns the generated key
func (d *Database) insertReturningID(ctx context.Context, q queryer, query, idColumn string, args ...any) (int64, error) {
	if d.dbType == "postgres" {
		var id int64
		err := q.QueryRowContext(ctx, d.rebind(query)+" RETURNING "+idColumn, args...).Scan(&id)
		return id, err
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// withTx runs fn inside a transaction, committing only if fn succeeds
func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// User operations

// CreateUser creates a new user
func (d *Database) CreateUser(user *models.User) error {
	query := `INSERT INTO users (id, username, password_hash, role, created_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err := d.db.Exec(d.rebind(query), user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username %q", ErrDuplicate, user.Username)
	}
	return err
}

// GetUserByUsername retrieves a user by username
func (d *Database) GetUserByUsername(username string) (*models.User, error) {
	query := `SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`
	return d.scanUser(d.db.QueryRow(d.rebind(query), username))
}

// GetUserByID retrieves a user by ID
func (d *Database) GetUserByID(id string) (*models.User, error) {
	query := `SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?`
	return d.scanUser(d.db.QueryRow(d.rebind(query), id))
}

func (d *Database) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// System config operations

// SetSystemConfig sets a system configuration value
func (d *Database) SetSystemConfig(key, value string) error {
	var query string
	switch d.dbType {
	case "postgres":
		query = `INSERT INTO system_config (key, value, updated_at)
		         VALUES ($1, $2, $3)
		         ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = $3`
	case "mysql":
		query = "INSERT INTO system_config (`key`, value, updated_at) VALUES (?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)"
	default:
		query = `INSERT OR REPLACE INTO system_config (key, value, updated_at) VALUES (?, ?, ?)`
	}

	_, err := d.db.Exec(query, key, value, time.Now().UTC())
	return err
}

// GetSystemConfig retrieves a system configuration value
func (d *Database) GetSystemConfig(key string) (string, error) {
	query := `SELECT value FROM system_config WHERE key = ?`
	if d.dbType == "mysql" {
		query = "SELECT value FROM system_config WHERE `key` = ?"
	}

	var value string
	err := d.db.QueryRow(d.rebind(query), key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

// IsSetupComplete checks if initial setup has been completed
func (d *Database) IsSetupComplete() (bool, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
