package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/api/middleware"
	"github.com/robcowart/ibekd/internal/service"
	"go.uber.org/zap"
)

// AuthHandler handles authentication and account operations
type AuthHandler struct {
	userService *service.UserService
	logger      *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(userService *service.UserService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userService: userService,
		logger:      logger,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates a user or node and returns a JWT
// @Summary User login
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} map[string]string
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, user, err := h.userService.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.logger.Warn("Login failed", zap.String("username", req.Username))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		fail(c, h.logger, "login failed", err)
		return
	}

	h.logger.Info("User logged in", zap.String("username", user.Username), zap.String("role", user.Role))

	c.JSON(http.StatusOK, gin.H{
		"token": token,
	})
}

// GetCurrentUser returns the currently authenticated user
// @Summary Get current user
// @Success 200 {object} map[string]string
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user_id":  c.GetString(middleware.ContextUserID),
		"username": c.GetString(middleware.ContextUsername),
		"role":     c.GetString(middleware.ContextRole),
	})
}

// CreateUserRequest represents a request to create an account
type CreateUserRequest struct {
	Username string `json:"username" binding:"required,min=3"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

// CreateUser creates a user or node account
// @Summary Create account
// @Accept json
// @Produce json
// @Param request body CreateUserRequest true "Account"
// @Success 201 {object} map[string]string
// @Router /api/v1/users [post]
func (h *AuthHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.userService.CreateUser(&service.CreateUserRequest{
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		fail(c, h.logger, "failed to create user", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}
