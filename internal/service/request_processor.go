package service

import (
	"context"
	"errors"
	"time"

	"github.com/robcowart/ibekd/internal/auth"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/crypto"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/ibe"
	"go.uber.org/zap"
)

// RequestProcessor is the authority worker that turns pending identity
// requests into issued identity descriptions.
type RequestProcessor struct {
	cfg      *config.Config
	engine   ibe.Engine
	systems  *SystemService
	requests *RequestService
	issuance *IssuanceService
	logger   *zap.Logger
}

// NewRequestProcessor creates a request processor
func NewRequestProcessor(cfg *config.Config, engine ibe.Engine, systems *SystemService, requests *RequestService, issuance *IssuanceService, logger *zap.Logger) *RequestProcessor {
	return &RequestProcessor{
		cfg:      cfg,
		engine:   engine,
		systems:  systems,
		requests: requests,
		issuance: issuance,
		logger:   logger,
	}
}

// Run processes requests every poll interval until ctx is cancelled
func (p *RequestProcessor) Run(ctx context.Context) {
	interval := p.cfg.Requests.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.logger.Info("Request processor started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Request processing round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Request processor stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce runs one round. Requests left Started by an earlier round are
// retried first, then new requests are claimed. It returns the number of
// requests resolved.
func (p *RequestProcessor) ProcessOnce(ctx context.Context) (int, error) {
	limit := p.cfg.Requests.PollLimit
	pending, err := p.requests.ListUnhandledRequests(ctx, limit)
	if err != nil {
		return 0, err
	}
	fresh, err := p.requests.ListNewRequests(ctx, limit)
	if err != nil {
		return 0, err
	}

	if len(fresh) > 0 {
		claimed := make(map[string]models.RequestStatus, len(fresh))
		for _, r := range fresh {
			claimed[r.IdentityString] = models.StatusStarted
		}
		if _, err := p.requests.RequestHandled(ctx, claimed); err != nil {
			return 0, err
		}
	}

	results := make(map[string]models.RequestStatus)
	for _, r := range append(pending, fresh...) {
		if ctx.Err() != nil {
			break
		}
		if status, ok := p.handle(ctx, r); ok {
			results[r.IdentityString] = status
		}
	}
	if len(results) == 0 {
		return 0, nil
	}
	if _, err := p.requests.RequestHandled(ctx, results); err != nil {
		return 0, err
	}
	return len(results), nil
}

// handle issues one request. It reports false when the failure is transient
// and the request should stay Started for the next round.
func (p *RequestProcessor) handle(ctx context.Context, r *models.IDRequest) (models.RequestStatus, bool) {
	log := p.logger.With(zap.Int64("request_id", r.ID), zap.String("identity", r.IdentityString))

	serverKey, err := p.systems.ServerPrivateKey(ctx, r.SystemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("Rejecting request for unknown system", zap.Int64("system_id", r.SystemID))
			return models.StatusRejected, true
		}
		log.Error("Failed to load system server key", zap.Error(err))
		return 0, false
	}

	password, err := p.engine.Decrypt(serverKey, r.PasswordKeygen)
	if err != nil {
		log.Warn("Rejecting request with undecryptable password", zap.Error(err))
		return models.StatusRejected, true
	}
	defer crypto.Wipe(password)
	if !auth.IdentityPasswordMatches(string(password), r.PasswordHash) {
		log.Warn("Rejecting request whose password does not match its digest")
		return models.StatusRejected, true
	}

	if _, err := p.issuance.IssueForRequest(ctx, r, password); err != nil {
		if errors.Is(err, ErrInvalidInput) {
			log.Warn("Rejecting request", zap.Error(err))
			return models.StatusRejected, true
		}
		log.Error("Failed to issue identity", zap.Error(err))
		return 0, false
	}
	log.Info("Identity request verified")
	return models.StatusVerified, true
}
