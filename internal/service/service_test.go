package service

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/database"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestDB creates a test database with migrations
func setupTestDB(t *testing.T) (*database.Database, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteConfig{Path: t.TempDir() + "/test.db"},
		},
		JWT: config.JWTConfig{
			Secret:     "test-secret-12345",
			Expiration: 24 * time.Hour,
			Issuer:     "ibekd-test",
		},
		Crypto: config.CryptoConfig{
			DefaultPairing:          ibe.PairingBN256,
			SessionKeySize:          64,
			DefaultIdentityValidity: 24 * time.Hour,
			SystemCertValidity:      365 * 24 * time.Hour,
		},
		Authority: config.AuthorityConfig{
			CreateDefaultSystem: true,
			DefaultSystemOwner:  "IBE_SERVER",
		},
		Requests: config.RequestsConfig{
			BatchSize:    2,
			PollInterval: 10 * time.Millisecond,
			PollLimit:    50,
		},
	}

	db, err := database.New(cfg)
	require.NoError(t, err, "Failed to create test database")
	require.NoError(t, db.Migrate(), "Failed to run migrations")
	t.Cleanup(func() { db.Close() })
	return db, cfg
}

// testEnv wires every authority service against one test database
type testEnv struct {
	db         *database.Database
	cfg        *config.Config
	engine     *ibe.BB1
	users      *UserService
	secrets    *AccessSecretService
	systems    *SystemService
	requests   *RequestService
	issuance   *IssuanceService
	processor  *RequestProcessor
	systemID   int64
	systemName string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, cfg := setupTestDB(t)
	logger := zap.NewNop()
	engine := ibe.NewBB1()

	env := &testEnv{db: db, cfg: cfg, engine: engine, systemName: "IBE_SERVER"}
	env.users = NewUserService(db, cfg, logger)
	env.secrets = NewAccessSecretService(db, env.users)
	env.systems = NewSystemService(db, cfg, engine, env.secrets, logger)
	env.requests = NewRequestService(db, cfg, engine, env.systems, logger)
	env.issuance = NewIssuanceService(db, engine, env.systems, env.requests, logger)
	env.processor = NewRequestProcessor(cfg, engine, env.systems, env.requests, env.issuance, logger)

	system, err := env.systems.CreateSystem(t.Context(), env.systemName, "", "system-password")
	require.NoError(t, err)
	env.systemID = system.ID
	return env
}

func (e *testEnv) user(t *testing.T, username string) *models.User {
	t.Helper()
	u, err := e.users.CreateUser(&CreateUserRequest{Username: username, Password: "password123", Role: models.RoleUser})
	require.NoError(t, err)
	return u
}

func (e *testEnv) submit(t *testing.T, u *models.User, identity, password string) *models.IDRequest {
	t.Helper()
	r, err := e.requests.Submit(t.Context(), u, SubmitRequest{
		IdentityString: identity,
		Password:       password,
		SystemID:       e.systemID,
	})
	require.NoError(t, err)
	return r
}

func (e *testEnv) status(t *testing.T, id int64) models.RequestStatus {
	t.Helper()
	r, err := e.db.GetIDRequest(t.Context(), id)
	require.NoError(t, err)
	return r.Status
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
