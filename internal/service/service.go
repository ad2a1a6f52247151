// Package service provides the business logic of the key generation
// authority. It orchestrates the IBE engine and the database layer to manage
// IBE Systems, derive and cache identity keys, and drive identity requests
// from submission to issuance.
package service

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/robcowart/ibekd/internal/database"
)

var (
	// ErrNotFound is returned when a System, request or description does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation would violate a uniqueness rule
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput is returned for malformed or missing arguments
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is returned when a login does not check out
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrForbidden is returned when an identity is reserved for another party
	ErrForbidden = errors.New("forbidden")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// translate maps storage sentinels to service sentinels
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, database.ErrDuplicate):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
