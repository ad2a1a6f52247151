package service

import (
	"testing"

	"github.com/robcowart/ibekd/internal/auth"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUserService_CreateUser(t *testing.T) {
	db, cfg := setupTestDB(t)
	userService := NewUserService(db, cfg, zap.NewNop())

	t.Run("Create user successfully", func(t *testing.T) {
		user, err := userService.CreateUser(&CreateUserRequest{
			Username: "testuser",
			Password: "password123",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "testuser", user.Username)
		assert.Equal(t, models.RoleUser, user.Role, "role defaults to user")
		assert.NotEmpty(t, user.PasswordHash)
		assert.NotZero(t, user.CreatedAt)
	})

	t.Run("Create node account", func(t *testing.T) {
		user, err := userService.CreateUser(&CreateUserRequest{
			Username: "node-1",
			Password: "password123",
			Role:     models.RoleNode,
		})
		require.NoError(t, err)
		assert.Equal(t, models.RoleNode, user.Role)
	})

	t.Run("Unknown role fails", func(t *testing.T) {
		_, err := userService.CreateUser(&CreateUserRequest{
			Username: "root",
			Password: "password123",
			Role:     "superuser",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("Create user with weak password fails", func(t *testing.T) {
		_, err := userService.CreateUser(&CreateUserRequest{
			Username: "testuser2",
			Password: "short",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Contains(t, err.Error(), "weak password")
	})

	t.Run("Create duplicate username fails", func(t *testing.T) {
		req := &CreateUserRequest{Username: "duplicate", Password: "password123"}
		_, err := userService.CreateUser(req)
		require.NoError(t, err)

		_, err = userService.CreateUser(req)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestUserService_AuthenticateUser(t *testing.T) {
	db, cfg := setupTestDB(t)
	userService := NewUserService(db, cfg, zap.NewNop())

	created, err := userService.CreateUser(&CreateUserRequest{
		Username: "authuser",
		Password: "password123",
		Role:     models.RoleAdmin,
	})
	require.NoError(t, err)

	t.Run("Authenticate with valid credentials", func(t *testing.T) {
		token, user, err := userService.AuthenticateUser("authuser", "password123")
		require.NoError(t, err)
		assert.Equal(t, created.ID, user.ID)

		claims, err := auth.ValidateToken(token, cfg.JWT.Secret, cfg.JWT.Issuer)
		require.NoError(t, err)
		assert.Equal(t, created.ID, claims.UserID)
		assert.Equal(t, models.RoleAdmin, claims.Role)
	})

	t.Run("Authenticate with invalid password", func(t *testing.T) {
		_, _, err := userService.AuthenticateUser("authuser", "wrongpassword")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("Authenticate with non-existent user", func(t *testing.T) {
		_, _, err := userService.AuthenticateUser("nonexistent", "password123")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestUserService_PerformInitialSetup(t *testing.T) {
	db, cfg := setupTestDB(t)
	userService := NewUserService(db, cfg, zap.NewNop())

	t.Run("Setup not complete initially", func(t *testing.T) {
		isComplete, err := userService.IsSetupComplete()
		require.NoError(t, err)
		assert.False(t, isComplete)
	})

	t.Run("Perform initial setup successfully", func(t *testing.T) {
		response, err := userService.PerformInitialSetup(&SetupRequest{
			Username: "admin",
			Password: "adminpass123",
		})
		require.NoError(t, err)
		assert.Equal(t, "admin", response.User.Username)
		assert.Equal(t, models.RoleAdmin, response.User.Role)
		assert.Len(t, response.MasterKey, 64)
		assert.NotEmpty(t, response.Token)

		masterKey, err := userService.GetMasterKey()
		require.NoError(t, err)
		assert.Len(t, masterKey, 32)

		isComplete, err := userService.IsSetupComplete()
		require.NoError(t, err)
		assert.True(t, isComplete)
	})

	t.Run("Setup already complete fails", func(t *testing.T) {
		_, err := userService.PerformInitialSetup(&SetupRequest{
			Username: "admin2",
			Password: "adminpass123",
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "setup already complete")
	})
}

func TestUserService_MasterKey(t *testing.T) {
	db, cfg := setupTestDB(t)
	userService := NewUserService(db, cfg, zap.NewNop())

	t.Run("Get master key before it exists", func(t *testing.T) {
		_, err := userService.GetMasterKey()
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("EnsureMasterKey generates once", func(t *testing.T) {
		first, err := userService.EnsureMasterKey()
		require.NoError(t, err)
		assert.Len(t, first, 32)

		second, err := userService.EnsureMasterKey()
		require.NoError(t, err)
		assert.Equal(t, first, second)

		// A fresh service reads the stored key back
		reloaded, err := NewUserService(db, cfg, zap.NewNop()).GetMasterKey()
		require.NoError(t, err)
		assert.Equal(t, first, reloaded)
	})

	t.Run("Setup reuses an existing master key", func(t *testing.T) {
		existing, err := userService.GetMasterKey()
		require.NoError(t, err)

		response, err := userService.PerformInitialSetup(&SetupRequest{Username: "admin", Password: "password123"})
		require.NoError(t, err)
		assert.Equal(t, existing, mustHex(t, response.MasterKey))
	})
}

func TestUserService_LoadJWTSecret(t *testing.T) {
	db, cfg := setupTestDB(t)
	cfg.JWT.Secret = ""
	userService := NewUserService(db, cfg, zap.NewNop())

	t.Run("Load JWT secret when not set", func(t *testing.T) {
		require.NoError(t, userService.LoadJWTSecret())
		assert.Empty(t, cfg.JWT.Secret)
	})

	t.Run("Load JWT secret after setup", func(t *testing.T) {
		_, err := userService.PerformInitialSetup(&SetupRequest{Username: "admin", Password: "password123"})
		require.NoError(t, err)

		setupSecret := cfg.JWT.Secret
		require.NotEmpty(t, setupSecret)

		cfg.JWT.Secret = ""
		require.NoError(t, userService.LoadJWTSecret())
		assert.Equal(t, setupSecret, cfg.JWT.Secret)
	})
}
