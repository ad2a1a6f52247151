// Package bootstrap obtains and keeps a subordinate server's own identity
// description. On startup the node loads it from the local key store, or
// requests a fresh one from the key generation authority.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robcowart/ibekd/internal/crypto"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/robcowart/ibekd/internal/keystore"
	"github.com/robcowart/ibekd/internal/metrics"
	"go.uber.org/zap"
)

// State is the provisioning state of a node
type State int

const (
	// Unprovisioned means the node holds no usable identity description
	Unprovisioned State = iota
	// Provisioned means the node holds a verified identity description
	Provisioned
)

func (s State) String() string {
	if s == Provisioned {
		return "provisioned"
	}
	return "unprovisioned"
}

// ErrNotInitialized is returned when the authority does not publish the
// owner or public parameter of the configured System.
var ErrNotInitialized = errors.New("provisioner not initialized")

// Authority is the part of the authority API the provisioner needs
type Authority interface {
	Login(ctx context.Context, username, password string) error
	SystemNumber(ctx context.Context, name string) (int64, error)
	AllSystems(ctx context.Context) (map[int64]string, error)
	AllParameters(ctx context.Context) (map[int64]*ibe.PublicParameter, error)
	RequestIdentity(ctx context.Context, csr *ibe.CSR) ([]byte, error)
}

// Options configures a Provisioner
type Options struct {
	Username       string
	Password       string
	System         string
	ServerID       string
	Validity       time.Duration
	SessionKeySize int
}

// Status is a snapshot of the provisioner
type Status struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	ServerID  string    `json:"server_id"`
	SystemID  int64     `json:"system_id"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// Provisioner runs the server bootstrap protocol
type Provisioner struct {
	opts      Options
	authority Authority
	store     *keystore.Store
	engine    ibe.Engine
	logger    *zap.Logger
	now       func() time.Time

	systems sync.Map // int64 -> owner
	params  sync.Map // int64 -> *ibe.PublicParameter

	mu        sync.Mutex
	state     State
	identity  *ibe.IdentityDescription
	systemID  int64
	connected bool
}

// New creates a Provisioner in the Unprovisioned state
func New(opts Options, authority Authority, store *keystore.Store, engine ibe.Engine, logger *zap.Logger) *Provisioner {
	if opts.SessionKeySize == 0 {
		opts.SessionKeySize = crypto.SessionKeySize
	}
	return &Provisioner{
		opts:      opts,
		authority: authority,
		store:     store,
		engine:    engine,
		logger:    logger,
		now:       time.Now,
		systemID:  -1,
	}
}

// Init provisions the node at startup. A usable key file is taken as is and
// the authority is only contacted afterwards to refresh the System caches;
// an unreachable authority does not stop a node that already holds its
// identity. A stored description that fails verification against the
// refreshed parameters is replaced.
func (p *Provisioner) Init(ctx context.Context) (*ibe.IdentityDescription, error) {
	desc, err := p.Provision(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return desc, nil
	}
	if err := p.connect(ctx); err != nil {
		p.logger.Warn("Key generation authority unreachable, serving stored identity", zap.Error(err))
		return desc, nil
	}
	if param, ok := p.SystemParameter(p.systemID); ok {
		if err := desc.Certificate.Verify(param); err != nil {
			p.logger.Warn("Stored identity does not verify against the authority, requesting a new one", zap.Error(err))
			p.state, p.identity = Unprovisioned, nil
			metrics.Provisioned.Set(0)
			return p.bootstrapLocked(ctx)
		}
	}
	return desc, nil
}

// connect logs in to the authority, resolves the configured System and
// caches every System's owner and public parameter. The caller holds p.mu.
func (p *Provisioner) connect(ctx context.Context) error {
	if p.opts.Username != "" {
		if err := p.authority.Login(ctx, p.opts.Username, p.opts.Password); err != nil {
			return fmt.Errorf("failed to log in to authority: %w", err)
		}
	}

	systemID, err := p.authority.SystemNumber(ctx, p.opts.System)
	if err != nil {
		return fmt.Errorf("failed to resolve system %q: %w", p.opts.System, err)
	}
	systems, err := p.authority.AllSystems(ctx)
	if err != nil {
		return fmt.Errorf("failed to list systems: %w", err)
	}
	params, err := p.authority.AllParameters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list system parameters: %w", err)
	}
	for id, owner := range systems {
		p.systems.Store(id, owner)
	}
	for id, param := range params {
		p.params.Store(id, param)
	}
	p.systemID = systemID
	p.connected = true

	p.logger.Info("Connected to key generation authority",
		zap.String("system", p.opts.System),
		zap.Int64("system_id", systemID),
		zap.Int("systems", len(systems)),
	)
	return nil
}

// SystemOwner returns the cached owner of a System
func (p *Provisioner) SystemOwner(systemID int64) (string, bool) {
	v, ok := p.systems.Load(systemID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// SystemParameter returns the cached public parameter of a System
func (p *Provisioner) SystemParameter(systemID int64) (*ibe.PublicParameter, bool) {
	v, ok := p.params.Load(systemID)
	if !ok {
		return nil, false
	}
	return v.(*ibe.PublicParameter), true
}

// Provision returns the node's identity description. A usable key file is
// loaded as is without contacting the authority; otherwise the node logs in,
// refreshes the System caches and requests a new description, which is
// stored. Concurrent callers wait for one another and share the result.
// On failure the state and the key file are left unchanged.
func (p *Provisioner) Provision(ctx context.Context) (*ibe.IdentityDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Provisioned {
		return p.identity, nil
	}

	desc, err := p.store.Load()
	switch {
	case err != nil && !errors.Is(err, crypto.ErrDecode):
		return nil, err
	case err != nil:
		p.logger.Warn("Stored identity description is unusable, requesting a new one", zap.Error(err))
	case desc != nil:
		if reason := p.rejectStored(desc); reason != "" {
			p.logger.Warn("Stored identity description rejected, requesting a new one", zap.String("reason", reason))
		} else {
			p.setProvisioned(desc)
			p.logger.Info("Loaded identity description from key store",
				zap.String("identity", desc.Identity()),
				zap.Time("not_after", desc.Certificate.NotAfter),
			)
			return desc, nil
		}
	}

	return p.bootstrapLocked(ctx)
}

// Reprovision requests a new identity description even when one is held.
// The previous key file is kept as a backup by the key store.
func (p *Provisioner) Reprovision(ctx context.Context) (*ibe.IdentityDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bootstrapLocked(ctx)
}

// rejectStored explains why a loaded description cannot be used, or
// returns "" when it can.
func (p *Provisioner) rejectStored(desc *ibe.IdentityDescription) string {
	if desc.Identity() != p.opts.ServerID {
		return fmt.Sprintf("issued for %q, expected %q", desc.Identity(), p.opts.ServerID)
	}
	if !desc.Certificate.NotAfter.After(p.now()) {
		return "certificate expired"
	}
	if param, ok := p.SystemParameter(p.systemID); ok {
		if err := desc.Certificate.Verify(param); err != nil {
			return err.Error()
		}
	}
	return ""
}

func (p *Provisioner) bootstrapLocked(ctx context.Context) (*ibe.IdentityDescription, error) {
	desc, err := p.bootstrap(ctx)
	if err != nil {
		metrics.BootstrapAttempts.WithLabelValues("failure").Inc()
		p.logger.Error("Server bootstrap failed", zap.String("server_id", p.opts.ServerID), zap.Error(err))
		return nil, err
	}
	metrics.BootstrapAttempts.WithLabelValues("success").Inc()
	p.setProvisioned(desc)
	p.logger.Info("Server identity provisioned",
		zap.String("identity", desc.Identity()),
		zap.Int64("system_id", p.systemID),
		zap.Time("not_after", desc.Certificate.NotAfter),
	)
	return desc, nil
}

// bootstrap requests, verifies and stores a new identity description. The
// login is renewed on every attempt so an expired token never blocks a
// later retry.
func (p *Provisioner) bootstrap(ctx context.Context) (*ibe.IdentityDescription, error) {
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	param, ok := p.SystemParameter(p.systemID)
	if !ok {
		return nil, fmt.Errorf("%w: no public parameter for system %d", ErrNotInitialized, p.systemID)
	}
	owner, ok := p.SystemOwner(p.systemID)
	if !ok {
		return nil, fmt.Errorf("%w: no owner for system %d", ErrNotInitialized, p.systemID)
	}

	sessionKey, err := crypto.GenerateSessionKey(p.opts.SessionKeySize)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(sessionKey)

	encrypted, err := p.engine.Encrypt(param, sessionKey, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt session key: %w", err)
	}
	csr := &ibe.CSR{
		IdentityString:  p.opts.ServerID,
		SystemID:        p.systemID,
		ApplicationDate: p.now().UTC(),
		ValidityPeriod:  p.opts.Validity.Milliseconds(),
		Password:        encrypted,
	}
	capsule, err := p.authority.RequestIdentity(ctx, csr)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}

	desc, err := crypto.OpenIdentity(sessionKey, capsule)
	if err != nil {
		return nil, fmt.Errorf("authority returned an unusable capsule: %w", err)
	}
	if desc.Identity() != p.opts.ServerID {
		return nil, fmt.Errorf("authority issued %q, expected %q", desc.Identity(), p.opts.ServerID)
	}
	if err := desc.Certificate.Verify(param); err != nil {
		return nil, fmt.Errorf("authority certificate does not verify: %w", err)
	}

	if err := p.store.SaveSealed(capsule, sessionKey); err != nil {
		return nil, fmt.Errorf("failed to store identity description: %w", err)
	}
	return desc, nil
}

func (p *Provisioner) setProvisioned(desc *ibe.IdentityDescription) {
	p.identity = desc
	p.state = Provisioned
	metrics.Provisioned.Set(1)
}

// Identity returns the held identity description, if any
func (p *Provisioner) Identity() (*ibe.IdentityDescription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity, p.state == Provisioned
}

// Status returns a snapshot of the provisioner
func (p *Provisioner) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		State:     p.state,
		StateName: p.state.String(),
		ServerID:  p.opts.ServerID,
		SystemID:  p.systemID,
	}
	if p.identity != nil && p.identity.Certificate != nil {
		st.NotBefore = p.identity.Certificate.NotBefore
		st.NotAfter = p.identity.Certificate.NotAfter
	}
	return st
}
