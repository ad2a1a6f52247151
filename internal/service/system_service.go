package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robcowart/ibekd/internal/auth"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/crypto"
	"github.com/robcowart/ibekd/internal/database"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/robcowart/ibekd/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SecretProvider recovers the password that unlocks a System's master secret
type SecretProvider interface {
	// SealAccessPassword protects password for storage next to the System row
	SealAccessPassword(owner string, password []byte) ([]byte, error)
	// SystemAccessPassword returns the access password of a stored System
	SystemAccessPassword(ctx context.Context, systemID int64) ([]byte, error)
}

// MasterKeySource supplies the authority master key
type MasterKeySource interface {
	EnsureMasterKey() ([]byte, error)
}

// AccessSecretService keeps System access passwords encrypted under the
// authority master key.
type AccessSecretService struct {
	db   *database.Database
	keys MasterKeySource
}

// NewAccessSecretService creates the default SecretProvider
func NewAccessSecretService(db *database.Database, keys MasterKeySource) *AccessSecretService {
	return &AccessSecretService{db: db, keys: keys}
}

func accessSecretAAD(owner string) string {
	return "ibekd system access|" + owner
}

// SealAccessPassword encrypts password under the authority master key
func (s *AccessSecretService) SealAccessPassword(owner string, password []byte) ([]byte, error) {
	key, err := s.keys.EnsureMasterKey()
	if err != nil {
		return nil, err
	}
	return crypto.EncryptWithKey(password, key, accessSecretAAD(owner))
}

// SystemAccessPassword decrypts the access password stored with a System
func (s *AccessSecretService) SystemAccessPassword(ctx context.Context, systemID int64) ([]byte, error) {
	system, err := s.db.GetSystem(ctx, systemID)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("system %d", systemID))
	}
	key, err := s.keys.EnsureMasterKey()
	if err != nil {
		return nil, err
	}
	password, err := crypto.DecryptWithKey(system.AccessSecretEnc, key, accessSecretAAD(system.Owner))
	if err != nil {
		return nil, fmt.Errorf("failed to recover access password for system %d: %w", systemID, err)
	}
	return password, nil
}

type keyCacheKey struct {
	systemID int64
	identity string
}

// systemEntry is the cached, unlocked form of a stored System
type systemEntry struct {
	owner string
	param *ibe.SystemParameter
}

// publicEntry is the cached public view of a stored System
type publicEntry struct {
	owner  string
	public *ibe.PublicParameter
}

// SystemService is the System Registry. It creates Systems, unlocks their
// master secrets on demand and caches the private keys extracted from them.
type SystemService struct {
	db      *database.Database
	cfg     *config.Config
	engine  ibe.Engine
	secrets SecretProvider
	logger  *zap.Logger

	keys    sync.Map // keyCacheKey -> *ibe.PrivateKey
	systems sync.Map // int64 -> *systemEntry
	publics sync.Map // int64 -> *publicEntry
	flight  singleflight.Group
}

// NewSystemService creates a System Registry
func NewSystemService(db *database.Database, cfg *config.Config, engine ibe.Engine, secrets SecretProvider, logger *zap.Logger) *SystemService {
	return &SystemService{
		db:      db,
		cfg:     cfg,
		engine:  engine,
		secrets: secrets,
		logger:  logger,
	}
}

// CreateSystem runs IBE setup for a new owner and stores the result in one
// insert. The master secret is sealed with password. An owner that already
// has a System yields ErrConflict and nothing is written.
func (s *SystemService) CreateSystem(ctx context.Context, owner, pairing, password string) (*models.System, error) {
	if owner == "" {
		return nil, invalidf("system owner is required")
	}
	if password == "" {
		return nil, invalidf("system password is required")
	}
	if pairing == "" {
		pairing = s.cfg.Crypto.DefaultPairing
	}

	if _, err := s.db.GetSystemByOwner(ctx, owner); err == nil {
		return nil, fmt.Errorf("system owner %q: %w", owner, ErrConflict)
	} else if err = translate(err, "lookup system owner"); !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sp, err := s.engine.Setup([]byte(pairing))
	if err != nil {
		if errors.Is(err, ibe.ErrUnsupportedPairing) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("failed to set up system: %w", err)
	}

	now := time.Now().UTC()
	cert, err := s.engine.IssueCertificate(sp, owner, now, s.cfg.Crypto.SystemCertValidity)
	if err != nil {
		return nil, fmt.Errorf("failed to certify system owner: %w", err)
	}

	sealedMaster, err := crypto.SealWithPassword([]byte(password), sp.Master)
	if err != nil {
		return nil, fmt.Errorf("failed to seal master secret: %w", err)
	}
	accessSecret, err := s.secrets.SealAccessPassword(owner, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to seal access password: %w", err)
	}
	publicJSON, err := sp.Public.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize public parameter: %w", err)
	}
	certJSON, err := json.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize certificate: %w", err)
	}

	system := &models.System{
		Owner:           owner,
		Pairing:         []byte(pairing),
		PublicParameter: publicJSON,
		Certificate:     certJSON,
		MasterKeyEnc:    sealedMaster,
		MasterKeyHash:   auth.HashIdentityPassword(password),
		AccessSecretEnc: accessSecret,
		CreatedAt:       now,
	}
	if _, err := s.db.CreateSystem(ctx, system); err != nil {
		return nil, translate(err, "failed to create system")
	}

	s.systems.Store(system.ID, &systemEntry{owner: owner, param: sp})
	s.publics.Store(system.ID, &publicEntry{owner: owner, public: sp.Public})
	metrics.SystemsCreated.Inc()
	s.logger.Info("IBE system created",
		zap.Int64("system_id", system.ID),
		zap.String("owner", owner),
		zap.String("pairing", pairing),
	)
	return system, nil
}

// EnsureDefaultSystem creates the configured default System when it does not
// exist yet. It returns the System ID, or -1 when creation is disabled.
func (s *SystemService) EnsureDefaultSystem(ctx context.Context) (int64, error) {
	owner := s.cfg.Authority.DefaultSystemOwner
	if !s.cfg.Authority.CreateDefaultSystem || owner == "" {
		return -1, nil
	}
	if id, err := s.GetIDByName(ctx, owner); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	password := s.cfg.Authority.DefaultSystemPassword
	if password == "" {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			return 0, fmt.Errorf("failed to generate system password: %w", err)
		}
		password = fmt.Sprintf("%x", key)
	}

	system, err := s.CreateSystem(ctx, owner, s.cfg.Crypto.DefaultPairing, password)
	if errors.Is(err, ErrConflict) {
		return s.GetIDByName(ctx, owner)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create default system: %w", err)
	}
	return system.ID, nil
}

// unlock returns the System's parameters including its master secret
func (s *SystemService) unlock(ctx context.Context, systemID int64) (*systemEntry, error) {
	if v, ok := s.systems.Load(systemID); ok {
		return v.(*systemEntry), nil
	}

	v, err, _ := s.flight.Do("system|"+strconv.FormatInt(systemID, 10), func() (any, error) {
		if v, ok := s.systems.Load(systemID); ok {
			return v, nil
		}

		system, err := s.db.GetSystem(ctx, systemID)
		if err != nil {
			return nil, translate(err, fmt.Sprintf("system %d", systemID))
		}
		password, err := s.secrets.SystemAccessPassword(ctx, systemID)
		if err != nil {
			return nil, err
		}
		defer crypto.Wipe(password)

		if !auth.IdentityPasswordMatches(string(password), system.MasterKeyHash) {
			return nil, fmt.Errorf("access password for system %d does not match its key hash", systemID)
		}
		master, err := crypto.OpenWithPassword(password, system.MasterKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to open master secret of system %d: %w", systemID, err)
		}
		public, err := ibe.UnmarshalPublicParameter(system.PublicParameter)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public parameter of system %d: %w", systemID, err)
		}

		entry := &systemEntry{
			owner: system.Owner,
			param: &ibe.SystemParameter{Public: public, Master: master},
		}
		s.systems.Store(systemID, entry)
		s.publics.LoadOrStore(systemID, &publicEntry{owner: system.Owner, public: public})
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*systemEntry), nil
}

// SystemParameter returns the unlocked parameters of a System
func (s *SystemService) SystemParameter(ctx context.Context, systemID int64) (*ibe.SystemParameter, error) {
	entry, err := s.unlock(ctx, systemID)
	if err != nil {
		return nil, err
	}
	return entry.param, nil
}

// PublicParameter returns a System's public parameter and owner without
// touching its master secret.
func (s *SystemService) PublicParameter(ctx context.Context, systemID int64) (*ibe.PublicParameter, string, error) {
	if v, ok := s.publics.Load(systemID); ok {
		e := v.(*publicEntry)
		return e.public, e.owner, nil
	}

	system, err := s.db.GetSystem(ctx, systemID)
	if err != nil {
		return nil, "", translate(err, fmt.Sprintf("system %d", systemID))
	}
	public, err := ibe.UnmarshalPublicParameter(system.PublicParameter)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode public parameter of system %d: %w", systemID, err)
	}
	v, _ := s.publics.LoadOrStore(systemID, &publicEntry{owner: system.Owner, public: public})
	e := v.(*publicEntry)
	return e.public, e.owner, nil
}

// GetPrivateKeyForIdentity returns the private key of identity under a
// System, extracting and caching it on first use. Concurrent misses for the
// same key share one extraction.
func (s *SystemService) GetPrivateKeyForIdentity(ctx context.Context, systemID int64, identity string) (*ibe.PrivateKey, error) {
	if identity == "" {
		return nil, invalidf("identity is required")
	}
	ck := keyCacheKey{systemID: systemID, identity: identity}
	if v, ok := s.keys.Load(ck); ok {
		metrics.KeyCacheLookups.WithLabelValues("hit").Inc()
		return v.(*ibe.PrivateKey), nil
	}
	metrics.KeyCacheLookups.WithLabelValues("miss").Inc()

	flightKey := "key|" + strconv.FormatInt(systemID, 10) + "|" + identity
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		if v, ok := s.keys.Load(ck); ok {
			return v, nil
		}
		entry, err := s.unlock(ctx, systemID)
		if err != nil {
			return nil, err
		}
		key, err := s.engine.Keygen(entry.param, identity)
		if err != nil {
			return nil, fmt.Errorf("failed to extract key for %q: %w", identity, err)
		}
		metrics.KeyDerivations.Inc()
		actual, _ := s.keys.LoadOrStore(ck, key)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ibe.PrivateKey), nil
}

// ServerPrivateKey returns the private key of a System's owner identity, the
// key that opens everything encrypted to the System itself.
func (s *SystemService) ServerPrivateKey(ctx context.Context, systemID int64) (*ibe.PrivateKey, error) {
	_, owner, err := s.PublicParameter(ctx, systemID)
	if err != nil {
		return nil, err
	}
	return s.GetPrivateKeyForIdentity(ctx, systemID, owner)
}

// ListSystems returns one zero-based page of Systems as ID to owner
func (s *SystemService) ListSystems(ctx context.Context, page, pageSize int) (map[int64]string, error) {
	if page < 0 || pageSize < 1 {
		return nil, invalidf("page must be >= 0 and page size >= 1")
	}
	systems, err := s.db.ListSystems(ctx, page*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	return ownersByID(systems), nil
}

// ListAllSystems returns every System as ID to owner
func (s *SystemService) ListAllSystems(ctx context.Context) (map[int64]string, error) {
	systems, err := s.db.ListSystems(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	return ownersByID(systems), nil
}

// ListAllParameters returns the public parameter of every System. Rows whose
// parameter cannot be decoded are logged and left out.
func (s *SystemService) ListAllParameters(ctx context.Context) (map[int64]*ibe.PublicParameter, error) {
	systems, err := s.db.ListSystems(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	params := make(map[int64]*ibe.PublicParameter, len(systems))
	for _, system := range systems {
		public, err := ibe.UnmarshalPublicParameter(system.PublicParameter)
		if err != nil {
			s.logger.Warn("Skipping system with undecodable public parameter",
				zap.Int64("system_id", system.ID), zap.Error(err))
			continue
		}
		params[system.ID] = public
	}
	return params, nil
}

// GetIDByName returns the ID of the System owned by owner
func (s *SystemService) GetIDByName(ctx context.Context, owner string) (int64, error) {
	system, err := s.db.GetSystemByOwner(ctx, owner)
	if err != nil {
		return 0, translate(err, fmt.Sprintf("system owner %q", owner))
	}
	return system.ID, nil
}

// IsOwner reports whether identity owns a System. An owner's private key
// opens every session key sent to that System, so it is never issued.
func (s *SystemService) IsOwner(ctx context.Context, identity string) (bool, error) {
	_, err := s.db.GetSystemByOwner(ctx, identity)
	if err == nil {
		return true, nil
	}
	if err = translate(err, "find system owner"); errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// TotalSystems returns the number of Systems
func (s *SystemService) TotalSystems(ctx context.Context) (int64, error) {
	return s.db.CountSystems(ctx)
}

func ownersByID(systems []*models.System) map[int64]string {
	out := make(map[int64]string, len(systems))
	for _, system := range systems {
		out[system.ID] = system.Owner
	}
	return out
}
