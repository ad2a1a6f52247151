package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robcowart/ibekd/internal/auth"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/database"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/robcowart/ibekd/internal/metrics"
	"go.uber.org/zap"
)

// OwnershipResult is the outcome of an identity ownership check
type OwnershipResult int

const (
	// OwnershipOK means the identity belongs to the user and the password matches
	OwnershipOK OwnershipResult = iota
	// OwnershipWrongPassword means the identity belongs to the user but the password is wrong
	OwnershipWrongPassword
	// OwnershipWrongOwner means the user never requested the identity
	OwnershipWrongOwner
)

func (o OwnershipResult) String() string {
	switch o {
	case OwnershipOK:
		return "OK"
	case OwnershipWrongPassword:
		return "WRONG_PASSWORD"
	case OwnershipWrongOwner:
		return "WRONG_OWNER"
	default:
		return "UNKNOWN"
	}
}

// SubmitRequest is an end-user application for an identity
type SubmitRequest struct {
	IdentityString string
	Password       string
	SystemID       int64
	Validity       time.Duration
}

// RequestService drives identity requests through their lifecycle
type RequestService struct {
	db      *database.Database
	cfg     *config.Config
	engine  ibe.Engine
	systems *SystemService
	logger  *zap.Logger
}

// NewRequestService creates a request service
func NewRequestService(db *database.Database, cfg *config.Config, engine ibe.Engine, systems *SystemService, logger *zap.Logger) *RequestService {
	return &RequestService{
		db:      db,
		cfg:     cfg,
		engine:  engine,
		systems: systems,
		logger:  logger,
	}
}

// Submit records a new NotVerified request. An identity may have only one
// unresolved request at a time, and an identity already verified for one
// applicant cannot be requested by another; both cases yield ErrConflict.
// The first rule is backed by a unique index, so of several concurrent
// submissions for one identity exactly one is stored. System owners and
// identities issued to subordinate servers yield ErrForbidden.
func (s *RequestService) Submit(ctx context.Context, user *models.User, req SubmitRequest) (*models.IDRequest, error) {
	identity := strings.TrimSpace(req.IdentityString)
	switch {
	case user == nil:
		return nil, invalidf("applicant is required")
	case identity == "":
		return nil, invalidf("identity string is required")
	case req.Password == "":
		return nil, invalidf("identity password is required")
	case req.SystemID <= 0:
		return nil, invalidf("system id is required")
	case req.Validity < 0:
		return nil, invalidf("validity must not be negative")
	}
	validity := req.Validity
	if validity == 0 {
		validity = s.cfg.Crypto.DefaultIdentityValidity
	}

	if owner, err := s.systems.IsOwner(ctx, identity); err != nil {
		return nil, err
	} else if owner {
		return nil, fmt.Errorf("identity %q owns a system: %w", identity, ErrForbidden)
	}
	if server, err := s.db.HasServerDescription(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to check server identities: %w", err)
	} else if server {
		return nil, fmt.Errorf("identity %q belongs to a server: %w", identity, ErrForbidden)
	}

	if active, err := s.db.FindActiveRequest(ctx, identity); err == nil {
		return nil, fmt.Errorf("identity %q already has a %s request: %w", identity, active.Status, ErrConflict)
	} else if err = translate(err, "find active request"); !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if verified, err := s.db.FindLatestRequestWithStatus(ctx, identity, models.StatusVerified); err == nil {
		if verified.ApplicantID != user.ID {
			return nil, fmt.Errorf("identity %q belongs to another applicant: %w", identity, ErrConflict)
		}
	} else if err = translate(err, "find verified request"); !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	public, owner, err := s.systems.PublicParameter(ctx, req.SystemID)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.engine.Encrypt(public, []byte(req.Password), owner)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password for key generation: %w", err)
	}

	r := &models.IDRequest{
		ApplicantID:     user.ID,
		IdentityString:  identity,
		PasswordHash:    auth.HashIdentityPassword(req.Password),
		PasswordKeygen:  encrypted,
		SystemID:        req.SystemID,
		ValiditySeconds: int64(validity / time.Second),
		ApplicationDate: time.Now().UTC(),
		Status:          models.StatusNotVerified,
	}
	if _, err := s.db.CreateIDRequest(ctx, r); err != nil {
		return nil, translate(err, "failed to store request")
	}

	metrics.RequestsSubmitted.Inc()
	s.logger.Info("Identity request submitted",
		zap.Int64("request_id", r.ID),
		zap.String("identity", identity),
		zap.String("applicant", user.Username),
		zap.Int64("system_id", r.SystemID),
	)
	return r, nil
}

func (s *RequestService) pollLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.Requests.PollLimit
	}
	return limit
}

// ListNewRequests returns up to limit NotVerified requests, oldest first
func (s *RequestService) ListNewRequests(ctx context.Context, limit int) ([]*models.IDRequest, error) {
	return s.db.ListRequestsByStatus(ctx, models.StatusNotVerified, s.pollLimit(limit))
}

// ListUnhandledRequests returns up to limit Started requests, oldest first
func (s *RequestService) ListUnhandledRequests(ctx context.Context, limit int) ([]*models.IDRequest, error) {
	return s.db.ListRequestsByStatus(ctx, models.StatusStarted, s.pollLimit(limit))
}

// RequestHandled applies a batch of status changes keyed by identity string.
// Resolved requests are never touched and statuses never decrease, so
// repeating a call changes nothing.
func (s *RequestService) RequestHandled(ctx context.Context, results map[string]models.RequestStatus) (int64, error) {
	for identity, status := range results {
		if !status.Valid() {
			return 0, invalidf("invalid status %d for %q", int(status), identity)
		}
	}
	n, err := s.db.UpdateRequestStatuses(ctx, results, s.cfg.Requests.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to update request statuses: %w", err)
	}
	if n > 0 {
		metrics.RequestStatusChanges.Add(float64(n))
	}
	s.logger.Debug("Request statuses updated", zap.Int("submitted", len(results)), zap.Int64("changed", n))
	return n, nil
}

// DoesIDBelongToUser checks that user requested identity with password. The
// stored digest is compared case-insensitively.
func (s *RequestService) DoesIDBelongToUser(ctx context.Context, identity string, user *models.User, password string) (OwnershipResult, error) {
	r, err := s.db.FindLatestRequestByApplicant(ctx, user.ID, identity)
	if err != nil {
		if err = translate(err, "find request"); errors.Is(err, ErrNotFound) {
			return OwnershipWrongOwner, nil
		}
		return OwnershipWrongOwner, err
	}
	if !auth.IdentityPasswordMatches(password, r.PasswordHash) {
		return OwnershipWrongPassword, nil
	}
	return OwnershipOK, nil
}

// DoesIDRequestExist returns 0 when identity has no unresolved request, and
// the request status plus one otherwise.
func (s *RequestService) DoesIDRequestExist(ctx context.Context, identity string) (int, error) {
	r, err := s.db.FindActiveRequest(ctx, identity)
	if err != nil {
		if err = translate(err, "find active request"); errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return int(r.Status) + 1, nil
}

// GetByOwner returns the newest request user made for identity
func (s *RequestService) GetByOwner(ctx context.Context, user *models.User, identity string) (*models.IDRequest, error) {
	r, err := s.db.FindLatestRequestByApplicant(ctx, user.ID, identity)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("request for %q", identity))
	}
	return r, nil
}

// GetByIDString returns the newest request for identity
func (s *RequestService) GetByIDString(ctx context.Context, identity string) (*models.IDRequest, error) {
	requests, err := s.db.ListRequestsByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("request for %q: %w", identity, ErrNotFound)
	}
	return requests[0], nil
}

// List returns one zero-based page of user's requests in status, newest
// first. models.StatusAll lists every status.
func (s *RequestService) List(ctx context.Context, user *models.User, page, amount int, status models.RequestStatus) ([]*models.IDRequest, error) {
	if page < 0 || amount < 1 {
		return nil, invalidf("page must be >= 0 and amount >= 1")
	}
	if status != models.StatusAll && !status.Valid() {
		return nil, invalidf("invalid status %d", int(status))
	}
	return s.db.ListRequestsByApplicant(ctx, user.ID, status, page*amount, amount)
}

// Count returns how many requests user has made
func (s *RequestService) Count(ctx context.Context, user *models.User) (int64, error) {
	return s.db.CountRequestsByApplicant(ctx, user.ID)
}
