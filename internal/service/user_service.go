package service

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robcowart/ibekd/internal/auth"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/crypto"
	"github.com/robcowart/ibekd/internal/database"
	"github.com/robcowart/ibekd/internal/database/models"
	"go.uber.org/zap"
)

const (
	configMasterKey = "master_key"
	configJWTSecret = "jwt_secret"
)

// UserService handles accounts, logins and the authority master key
type UserService struct {
	db     *database.Database
	cfg    *config.Config
	logger *zap.Logger

	mu        sync.Mutex
	masterKey []byte
}

// NewUserService creates a new user service
func NewUserService(db *database.Database, cfg *config.Config, logger *zap.Logger) *UserService {
	return &UserService{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateUserRequest represents a request to create a user
type CreateUserRequest struct {
	Username string
	Password string
	Role     string
}

// CreateUser creates a new account. Duplicate usernames yield ErrConflict.
func (s *UserService) CreateUser(req *CreateUserRequest) (*models.User, error) {
	if req.Username == "" {
		return nil, invalidf("username is required")
	}
	switch req.Role {
	case "":
		req.Role = models.RoleUser
	case models.RoleAdmin, models.RoleUser, models.RoleNode:
	default:
		return nil, invalidf("unknown role %q", req.Role)
	}
	if err := auth.ValidatePasswordStrength(req.Password); err != nil {
		return nil, fmt.Errorf("%w: weak password: %v", ErrInvalidInput, err)
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		PasswordHash: passwordHash,
		Role:         req.Role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.CreateUser(user); err != nil {
		return nil, translate(err, "failed to create user")
	}

	s.logger.Info("User created", zap.String("username", user.Username), zap.String("role", user.Role))
	return user, nil
}

// GetUser returns the account with the given ID
func (s *UserService) GetUser(id string) (*models.User, error) {
	user, err := s.db.GetUserByID(id)
	if err != nil {
		return nil, translate(err, "failed to get user")
	}
	return user, nil
}

// AuthenticateUser checks a login and returns a JWT for the account
func (s *UserService) AuthenticateUser(username, password string) (string, *models.User, error) {
	user, err := s.db.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := auth.VerifyPassword(password, user.PasswordHash); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.issueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *UserService) issueToken(user *models.User) (string, error) {
	token, err := auth.GenerateToken(
		auth.Principal{UserID: user.ID, Username: user.Username, Role: user.Role},
		s.cfg.JWT.Secret,
		s.cfg.JWT.Issuer,
		s.cfg.JWT.Expiration,
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}

// SetupRequest represents initial setup request
type SetupRequest struct {
	Username string
	Password string
}

// SetupResponse contains setup response data
type SetupResponse struct {
	User      *models.User
	MasterKey string
	Token     string
}

// PerformInitialSetup creates the first admin account. The authority master
// key is created here unless an earlier command already did.
func (s *UserService) PerformInitialSetup(req *SetupRequest) (*SetupResponse, error) {
	isComplete, err := s.db.IsSetupComplete()
	if err != nil {
		return nil, fmt.Errorf("failed to check setup status: %w", err)
	}
	if isComplete {
		return nil, fmt.Errorf("%w: setup already complete", ErrConflict)
	}

	masterKey, err := s.EnsureMasterKey()
	if err != nil {
		return nil, err
	}

	if s.cfg.JWT.Secret == "" {
		jwtSecret, err := crypto.GenerateMasterKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		s.cfg.JWT.Secret = hex.EncodeToString(jwtSecret)
		if err := s.db.SetSystemConfig(configJWTSecret, s.cfg.JWT.Secret); err != nil {
			return nil, fmt.Errorf("failed to store JWT secret: %w", err)
		}
	}

	user, err := s.CreateUser(&CreateUserRequest{
		Username: req.Username,
		Password: req.Password,
		Role:     models.RoleAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin user: %w", err)
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, err
	}

	return &SetupResponse{
		User:      user,
		MasterKey: hex.EncodeToString(masterKey),
		Token:     token,
	}, nil
}

// IsSetupComplete checks if initial setup has been completed
func (s *UserService) IsSetupComplete() (bool, error) {
	return s.db.IsSetupComplete()
}

// EnsureMasterKey returns the authority master key, generating and storing
// one on first use.
func (s *UserService) EnsureMasterKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.masterKeyLocked()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	key, err = crypto.GenerateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := s.db.SetSystemConfig(configMasterKey, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("failed to store master key: %w", err)
	}
	s.masterKey = key
	s.logger.Info("Authority master key generated")
	return key, nil
}

// GetMasterKey retrieves the authority master key. It returns ErrNotFound
// until one has been generated.
func (s *UserService) GetMasterKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterKeyLocked()
}

func (s *UserService) masterKeyLocked() ([]byte, error) {
	if s.masterKey != nil {
		return s.masterKey, nil
	}

	masterKeyHex, err := s.db.GetSystemConfig(configMasterKey)
	if err != nil {
		return nil, translate(err, "failed to get master key")
	}
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	s.masterKey = masterKey
	return masterKey, nil
}

// LoadJWTSecret loads JWT secret from database if it exists
func (s *UserService) LoadJWTSecret() error {
	secret, err := s.db.GetSystemConfig(configJWTSecret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to get JWT secret: %w", err)
	}

	s.cfg.JWT.Secret = secret
	return nil
}
