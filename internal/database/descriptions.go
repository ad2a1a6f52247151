package database

import (
	"context"

	"github.com/robcowart/ibekd/internal/database/models"
)

// CreateIdentityDescription stores a sealed identity description
func (d *Database) CreateIdentityDescription(ctx context.Context, rec *models.IdentityDescriptionRecord) (int64, error) {
	query := `INSERT INTO identity_descriptions
	          (identity_string, ibe_system_id, request_id, capsule, not_before, not_after, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	id, err := d.insertReturningID(ctx, d.db, query, "id",
		rec.IdentityString, rec.SystemID, rec.RequestID, rec.Capsule,
		rec.NotBefore, rec.NotAfter, rec.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

// HasServerDescription reports whether identity was ever issued to a
// subordinate server, that is without an end-user request behind it
func (d *Database) HasServerDescription(ctx context.Context, identity string) (bool, error) {
	query := `SELECT COUNT(*) FROM identity_descriptions
	          WHERE identity_string = ? AND request_id IS NULL`
	var n int64
	if err := d.db.QueryRowContext(ctx, d.rebind(query), identity).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLatestIdentityDescription returns the newest description issued for an
// identity under a System
func (d *Database) GetLatestIdentityDescription(ctx context.Context, systemID int64, identity string) (*models.IdentityDescriptionRecord, error) {
	query := `SELECT id, identity_string, ibe_system_id, request_id, capsule, not_before, not_after, created_at
	          FROM identity_descriptions
	          WHERE ibe_system_id = ? AND identity_string = ?
	          ORDER BY id DESC LIMIT 1`

	var rec models.IdentityDescriptionRecord
	err := d.db.QueryRowContext(ctx, d.rebind(query), systemID, identity).Scan(
		&rec.ID, &rec.IdentityString, &rec.SystemID, &rec.RequestID, &rec.Capsule,
		&rec.NotBefore, &rec.NotAfter, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
