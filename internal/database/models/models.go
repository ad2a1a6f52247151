// Package models defines the data structures for database entities in ibekd.
// It includes models for users, IBE Systems, identity requests, issued
// identity descriptions and system configuration.
package models

import (
	"database/sql"
	"time"
)

// User roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleNode  = "node"
)

// User represents an account on the authority
type User struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	CreatedAt    time.Time `db:"created_at"`
}

// System is one independent IBE parameter set with its own owner and master secret
type System struct {
	ID              int64     `db:"system_id" json:"system_id"`
	Owner           string    `db:"owner" json:"owner"`
	Pairing         []byte    `db:"pairing" json:"pairing"`
	PublicParameter []byte    `db:"public_parameter" json:"public_parameter"`
	Certificate     []byte    `db:"certificate" json:"certificate"`
	MasterKeyEnc    []byte    `db:"master_key_enc" json:"-"`
	MasterKeyHash   string    `db:"master_key_hash" json:"-"`
	AccessSecretEnc []byte    `db:"access_secret_enc" json:"-"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// RequestStatus is the lifecycle state of an identity request. Values only
// ever increase; anything at or above StatusVerified is resolved.
type RequestStatus int

const (
	// StatusAll selects every status when listing
	StatusAll RequestStatus = -1
	// StatusNotVerified is a freshly submitted request
	StatusNotVerified RequestStatus = 0
	// StatusStarted means the authority has picked the request up
	StatusStarted RequestStatus = 1
	// StatusVerified means an identity description was issued
	StatusVerified RequestStatus = 2
	// StatusRejected means the request will not be fulfilled
	StatusRejected RequestStatus = 3
)

// ResolvedThreshold is the lowest status that counts as resolved
const ResolvedThreshold = StatusVerified

// Resolved reports whether the status is terminal
func (s RequestStatus) Resolved() bool {
	return s >= ResolvedThreshold
}

// Valid reports whether s is a storable status
func (s RequestStatus) Valid() bool {
	return s >= StatusNotVerified && s <= StatusRejected
}

func (s RequestStatus) String() string {
	switch s {
	case StatusAll:
		return "ALL"
	case StatusNotVerified:
		return "NOT_VERIFIED"
	case StatusStarted:
		return "STARTED"
	case StatusVerified:
		return "VERIFIED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IDRequest is an end-user application for an identity credential
type IDRequest struct {
	ID              int64         `db:"request_id" json:"request_id"`
	ApplicantID     string        `db:"applicant" json:"applicant"`
	IdentityString  string        `db:"identity_string" json:"identity_string"`
	PasswordHash    string        `db:"password_hash" json:"-"`
	PasswordKeygen  []byte        `db:"password_keygen" json:"-"`
	SystemID        int64         `db:"ibe_system_id" json:"system_id"`
	ValiditySeconds int64         `db:"validity_seconds" json:"validity_seconds"`
	ApplicationDate time.Time     `db:"application_date" json:"application_date"`
	Status          RequestStatus `db:"application_status" json:"status"`
}

// Validity returns the requested key validity period
func (r *IDRequest) Validity() time.Duration {
	return time.Duration(r.ValiditySeconds) * time.Second
}

// IdentityDescriptionRecord is a sealed identity description issued by the authority
type IdentityDescriptionRecord struct {
	ID             int64         `db:"id"`
	IdentityString string        `db:"identity_string"`
	SystemID       int64         `db:"ibe_system_id"`
	RequestID      sql.NullInt64 `db:"request_id"`
	Capsule        []byte        `db:"capsule"`
	NotBefore      time.Time     `db:"not_before"`
	NotAfter       time.Time     `db:"not_after"`
	CreatedAt      time.Time     `db:"created_at"`
}

// SystemConfig represents system-wide configuration stored in the database
type SystemConfig struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
