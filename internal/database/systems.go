package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/robcowart/ibekd/internal/database/models"
)

const systemColumns = `system_id, owner, pairing, public_parameter, certificate,
	master_key_enc, master_key_hash, access_secret_enc, created_at`

// CreateSystem inserts a System and returns its assigned ID. A second System
// with the same owner yields ErrDuplicate and writes nothing.
func (d *Database) CreateSystem(ctx context.Context, s *models.System) (int64, error) {
	query := `INSERT INTO ibe_systems
	          (owner, pairing, public_parameter, certificate, master_key_enc,
	           master_key_hash, access_secret_enc, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	id, err := d.insertReturningID(ctx, d.db, query, "system_id",
		s.Owner, s.Pairing, s.PublicParameter, s.Certificate, s.MasterKeyEnc,
		s.MasterKeyHash, s.AccessSecretEnc, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: system owner %q", ErrDuplicate, s.Owner)
	}
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

func scanSystem(scan func(dest ...any) error) (*models.System, error) {
	var s models.System
	err := scan(&s.ID, &s.Owner, &s.Pairing, &s.PublicParameter, &s.Certificate,
		&s.MasterKeyEnc, &s.MasterKeyHash, &s.AccessSecretEnc, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSystem retrieves a System by ID
func (d *Database) GetSystem(ctx context.Context, id int64) (*models.System, error) {
	query := `SELECT ` + systemColumns + ` FROM ibe_systems WHERE system_id = ?`
	return scanSystem(d.db.QueryRowContext(ctx, d.rebind(query), id).Scan)
}

// GetSystemByOwner retrieves a System by its owner name
func (d *Database) GetSystemByOwner(ctx context.Context, owner string) (*models.System, error) {
	query := `SELECT ` + systemColumns + ` FROM ibe_systems WHERE owner = ?`
	return scanSystem(d.db.QueryRowContext(ctx, d.rebind(query), owner).Scan)
}

// ListSystems returns a page of Systems ordered by ID. A limit of zero or
// less returns every System.
func (d *Database) ListSystems(ctx context.Context, offset, limit int) ([]*models.System, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		query := `SELECT ` + systemColumns + ` FROM ibe_systems ORDER BY system_id LIMIT ? OFFSET ?`
		rows, err = d.db.QueryContext(ctx, d.rebind(query), limit, offset)
	} else {
		rows, err = d.db.QueryContext(ctx, `SELECT `+systemColumns+` FROM ibe_systems ORDER BY system_id`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var systems []*models.System
	for rows.Next() {
		s, err := scanSystem(rows.Scan)
		if err != nil {
			return nil, err
		}
		systems = append(systems, s)
	}
	return systems, rows.Err()
}

// CountSystems returns the number of Systems
func (d *Database) CountSystems(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ibe_systems`).Scan(&count)
	return count, err
}
