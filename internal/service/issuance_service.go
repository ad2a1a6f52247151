package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robcowart/ibekd/internal/crypto"
	"github.com/robcowart/ibekd/internal/database"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/robcowart/ibekd/internal/metrics"
	"go.uber.org/zap"
)

// IssuanceService extracts identity keys, certifies them and seals the
// resulting identity descriptions for delivery.
type IssuanceService struct {
	db       *database.Database
	engine   ibe.Engine
	systems  *SystemService
	requests *RequestService
	logger   *zap.Logger
}

// NewIssuanceService creates an issuance service
func NewIssuanceService(db *database.Database, engine ibe.Engine, systems *SystemService, requests *RequestService, logger *zap.Logger) *IssuanceService {
	return &IssuanceService{
		db:       db,
		engine:   engine,
		systems:  systems,
		requests: requests,
		logger:   logger,
	}
}

// IssueForCSR serves a subordinate server's CSR. The session key is
// recovered with the System server key, the identity description is sealed
// under it and the capsule is stored and returned. System owners and
// identities end users have requested are refused with ErrForbidden.
func (s *IssuanceService) IssueForCSR(ctx context.Context, csr *ibe.CSR) ([]byte, error) {
	if csr == nil {
		return nil, invalidf("csr is required")
	}
	identity := strings.TrimSpace(csr.IdentityString)
	switch {
	case identity == "":
		return nil, invalidf("identity string is required")
	case csr.SystemID <= 0:
		return nil, invalidf("system id is required")
	case csr.ValidityPeriod <= 0:
		return nil, invalidf("validity period must be positive")
	case csr.ValidityPeriod > ibe.MaxValidityPeriod:
		return nil, invalidf("validity period must not exceed %d ms", ibe.MaxValidityPeriod)
	case len(csr.Password) == 0:
		return nil, invalidf("encrypted session key is required")
	}
	if err := s.checkServerIdentity(ctx, identity); err != nil {
		return nil, err
	}
	notBefore := csr.ApplicationDate
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}

	serverKey, err := s.systems.ServerPrivateKey(ctx, csr.SystemID)
	if err != nil {
		return nil, err
	}
	sessionKey, err := s.engine.Decrypt(serverKey, csr.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: session key does not decrypt under system %d", ErrInvalidInput, csr.SystemID)
	}
	defer crypto.Wipe(sessionKey)
	if len(sessionKey) < crypto.MinSessionKeySize {
		return nil, invalidf("session key must be at least %d bytes", crypto.MinSessionKeySize)
	}

	rec, err := s.issue(ctx, csr.SystemID, identity, sessionKey, notBefore, csr.Validity(), sql.NullInt64{})
	if err != nil {
		return nil, err
	}
	metrics.IdentitiesIssued.WithLabelValues("csr").Inc()
	s.logger.Info("Identity issued for CSR",
		zap.String("identity", identity),
		zap.Int64("system_id", csr.SystemID),
		zap.Time("not_after", rec.NotAfter),
	)
	return rec.Capsule, nil
}

// checkServerIdentity refuses identities a node account must not obtain
func (s *IssuanceService) checkServerIdentity(ctx context.Context, identity string) error {
	owner, err := s.systems.IsOwner(ctx, identity)
	if err != nil {
		return err
	}
	if owner {
		return fmt.Errorf("identity %q owns a system: %w", identity, ErrForbidden)
	}
	requests, err := s.db.ListRequestsByIdentity(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to list requests: %w", err)
	}
	if len(requests) > 0 {
		return fmt.Errorf("identity %q belongs to an end user: %w", identity, ErrForbidden)
	}
	return nil
}

// issue builds, seals and stores one identity description
func (s *IssuanceService) issue(ctx context.Context, systemID int64, identity string, sessionKey []byte, notBefore time.Time, validity time.Duration, requestID sql.NullInt64) (*models.IdentityDescriptionRecord, error) {
	if validity <= 0 {
		return nil, invalidf("validity must be positive")
	}
	sp, err := s.systems.SystemParameter(ctx, systemID)
	if err != nil {
		return nil, err
	}
	key, err := s.systems.GetPrivateKeyForIdentity(ctx, systemID, identity)
	if err != nil {
		return nil, err
	}
	cert, err := s.engine.IssueCertificate(sp, identity, notBefore, validity)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate: %w", err)
	}

	capsule, err := crypto.SealIdentity(sessionKey, &ibe.IdentityDescription{PrivateKey: key, Certificate: cert})
	if err != nil {
		return nil, fmt.Errorf("failed to seal identity description: %w", err)
	}

	rec := &models.IdentityDescriptionRecord{
		IdentityString: identity,
		SystemID:       systemID,
		RequestID:      requestID,
		Capsule:        capsule,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.db.CreateIdentityDescription(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store identity description: %w", err)
	}
	return rec, nil
}

// IssueForRequest issues the identity description of an end-user request.
// The password recovered from the request seals the capsule through
// crypto.DeriveIdentityKey.
func (s *IssuanceService) IssueForRequest(ctx context.Context, r *models.IDRequest, password []byte) (*models.IdentityDescriptionRecord, error) {
	sessionKey := crypto.DeriveIdentityKey(password, r.IdentityString)
	defer crypto.Wipe(sessionKey)

	rec, err := s.issue(ctx, r.SystemID, r.IdentityString, sessionKey, r.ApplicationDate, r.Validity(),
		sql.NullInt64{Int64: r.ID, Valid: true})
	if err != nil {
		return nil, err
	}
	metrics.IdentitiesIssued.WithLabelValues("request").Inc()
	return rec, nil
}

// LatestDescription returns the newest sealed description of identity once
// the caller has proven ownership with the identity password.
func (s *IssuanceService) LatestDescription(ctx context.Context, user *models.User, identity, password string) (*models.IdentityDescriptionRecord, error) {
	result, err := s.requests.DoesIDBelongToUser(ctx, identity, user, password)
	if err != nil {
		return nil, err
	}
	switch result {
	case OwnershipWrongOwner:
		return nil, fmt.Errorf("identity %q: %w", identity, ErrNotFound)
	case OwnershipWrongPassword:
		return nil, ErrInvalidCredentials
	}

	r, err := s.requests.GetByOwner(ctx, user, identity)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusVerified {
		return nil, fmt.Errorf("identity %q is %s: %w", identity, r.Status, ErrNotFound)
	}

	rec, err := s.db.GetLatestIdentityDescription(ctx, r.SystemID, identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("description for %q: %w", identity, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get description: %w", err)
	}
	return rec, nil
}
