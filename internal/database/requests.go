package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/robcowart/ibekd/internal/database/models"
)

const requestColumns = `request_id, applicant, identity_string, password_hash, password_keygen,
	ibe_system_id, validity_seconds, application_date, application_status`

func scanRequest(scan func(dest ...any) error) (*models.IDRequest, error) {
	var r models.IDRequest
	err := scan(&r.ID, &r.ApplicantID, &r.IdentityString, &r.PasswordHash, &r.PasswordKeygen,
		&r.SystemID, &r.ValiditySeconds, &r.ApplicationDate, &r.Status)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRequests(rows *sql.Rows) ([]*models.IDRequest, error) {
	defer rows.Close()

	var requests []*models.IDRequest
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// CreateIDRequest stores a new identity request and returns its ID. A second
// unresolved request for the same identity yields ErrDuplicate.
func (d *Database) CreateIDRequest(ctx context.Context, r *models.IDRequest) (int64, error) {
	query := `INSERT INTO ibe_id_requests
	          (applicant, identity_string, password_hash, password_keygen, ibe_system_id,
	           validity_seconds, application_date, application_status)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	id, err := d.insertReturningID(ctx, d.db, query, "request_id",
		r.ApplicantID, r.IdentityString, r.PasswordHash, r.PasswordKeygen, r.SystemID,
		r.ValiditySeconds, r.ApplicationDate, r.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: unresolved request for %q", ErrDuplicate, r.IdentityString)
		}
		return 0, err
	}
	r.ID = id
	return id, nil
}

// GetIDRequest retrieves a request by ID
func (d *Database) GetIDRequest(ctx context.Context, id int64) (*models.IDRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ibe_id_requests WHERE request_id = ?`
	return scanRequest(d.db.QueryRowContext(ctx, d.rebind(query), id).Scan)
}

// FindActiveRequest returns the newest unresolved request for an identity
func (d *Database) FindActiveRequest(ctx context.Context, identity string) (*models.IDRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ibe_id_requests
	          WHERE identity_string = ? AND application_status < ?
	          ORDER BY request_id DESC LIMIT 1`
	return scanRequest(d.db.QueryRowContext(ctx, d.rebind(query), identity, models.ResolvedThreshold).Scan)
}

// FindLatestRequestByApplicant returns the newest request an applicant made for an identity
func (d *Database) FindLatestRequestByApplicant(ctx context.Context, applicant, identity string) (*models.IDRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ibe_id_requests
	          WHERE applicant = ? AND identity_string = ?
	          ORDER BY request_id DESC LIMIT 1`
	return scanRequest(d.db.QueryRowContext(ctx, d.rebind(query), applicant, identity).Scan)
}

// FindLatestRequestWithStatus returns the newest request for an identity in the given status
func (d *Database) FindLatestRequestWithStatus(ctx context.Context, identity string, status models.RequestStatus) (*models.IDRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ibe_id_requests
	          WHERE identity_string = ? AND application_status = ?
	          ORDER BY request_id DESC LIMIT 1`
	return scanRequest(d.db.QueryRowContext(ctx, d.rebind(query), identity, status).Scan)
}

// ListRequestsByIdentity returns every request for an identity, newest first
func (d *Database) ListRequestsByIdentity(ctx context.Context, identity string) ([]*models.IDRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ibe_id_requests
	          WHERE identity_string = ? ORDER BY request_id DESC`
	rows, err := d.db.QueryContext(ctx, d.rebind(query), identity)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

// ListRequestsByStatus returns up to limit requests in a status, oldest first
func (d *Database) ListRequestsByStatus(ctx context.Context, status models.RequestStatus, limit int) ([]*models.IDRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ibe_id_requests
	          WHERE application_status = ?
	          ORDER BY application_date, request_id LIMIT ?`
	rows, err := d.db.QueryContext(ctx, d.rebind(query), status, limit)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

// ListRequestsByApplicant returns a page of an applicant's requests, newest
// first. StatusAll disables the status filter.
func (d *Database) ListRequestsByApplicant(ctx context.Context, applicant string, status models.RequestStatus, offset, limit int) ([]*models.IDRequest, error) {
	var rows *sql.Rows
	var err error
	if status == models.StatusAll {
		query := `SELECT ` + requestColumns + ` FROM ibe_id_requests
		          WHERE applicant = ? ORDER BY request_id DESC LIMIT ? OFFSET ?`
		rows, err = d.db.QueryContext(ctx, d.rebind(query), applicant, limit, offset)
	} else {
		query := `SELECT ` + requestColumns + ` FROM ibe_id_requests
		          WHERE applicant = ? AND application_status = ?
		          ORDER BY request_id DESC LIMIT ? OFFSET ?`
		rows, err = d.db.QueryContext(ctx, d.rebind(query), applicant, status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

// CountRequestsByApplicant returns how many requests an applicant has made
func (d *Database) CountRequestsByApplicant(ctx context.Context, applicant string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM ibe_id_requests WHERE applicant = ?`
	err := d.db.QueryRowContext(ctx, d.rebind(query), applicant).Scan(&count)
	return count, err
}

// UpdateRequestStatuses moves each identity's unresolved request to its new
// status. Rows already resolved, or already at or past the new status, are
// left alone so statuses never move backwards. Updates are grouped by target
// status and issued in chunks of batchSize identities, all inside a single
// transaction. It returns the number of rows changed.
func (d *Database) UpdateRequestStatuses(ctx context.Context, updates map[string]models.RequestStatus, batchSize int) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	if batchSize < 1 {
		batchSize = 1
	}

	byStatus := make(map[models.RequestStatus][]string)
	for identity, status := range updates {
		byStatus[status] = append(byStatus[status], identity)
	}
	statuses := make([]models.RequestStatus, 0, len(byStatus))
	for status, identities := range byStatus {
		sort.Strings(identities)
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	var total int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for _, status := range statuses {
			identities := byStatus[status]
			for start := 0; start < len(identities); start += batchSize {
				end := start + batchSize
				if end > len(identities) {
					end = len(identities)
				}
				chunk := identities[start:end]

				query := `UPDATE ibe_id_requests SET application_status = ?
				          WHERE application_status < ? AND application_status < ?
				          AND identity_string IN (` + placeholders(len(chunk)) + `)`
				args := make([]any, 0, len(chunk)+3)
				args = append(args, status, models.ResolvedThreshold, status)
				for _, identity := range chunk {
					args = append(args, identity)
				}

				res, err := tx.ExecContext(ctx, d.rebind(query), args...)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				total += n
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
