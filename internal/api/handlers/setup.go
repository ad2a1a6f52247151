package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/service"
	"go.uber.org/zap"
)

// SetupHandler brings a fresh authority into service
type SetupHandler struct {
	users   *service.UserService
	systems *service.SystemService
	logger  *zap.Logger
}

// NewSetupHandler creates a new setup handler
func NewSetupHandler(users *service.UserService, systems *service.SystemService, logger *zap.Logger) *SetupHandler {
	return &SetupHandler{
		users:   users,
		systems: systems,
		logger:  logger,
	}
}

// SetupStatus describes how far the authority has been set up
type SetupStatus struct {
	SetupComplete bool  `json:"setup_complete"`
	Systems       int64 `json:"systems"`
}

// GetStatus reports whether the first admin exists and how many Systems
// the authority holds.
// @Summary Setup status
// @Success 200 {object} SetupStatus
// @Router /api/v1/setup/status [get]
func (h *SetupHandler) GetStatus(c *gin.Context) {
	complete, err := h.users.IsSetupComplete()
	if err != nil {
		fail(c, h.logger, "failed to check setup status", err)
		return
	}
	total, err := h.systems.TotalSystems(c.Request.Context())
	if err != nil {
		fail(c, h.logger, "failed to count systems", err)
		return
	}
	c.JSON(http.StatusOK, SetupStatus{SetupComplete: complete, Systems: total})
}

// SetupRequest creates the first admin and, optionally, the first node account
type SetupRequest struct {
	Username     string `json:"username" binding:"required,min=3"`
	Password     string `json:"password" binding:"required,min=8"`
	NodeUsername string `json:"node_username,omitempty"`
	NodePassword string `json:"node_password,omitempty"`
}

// SetupResult is returned once by a successful setup
type SetupResult struct {
	Token           string `json:"token"`
	Username        string `json:"username"`
	MasterKey       string `json:"master_key"`
	DefaultSystemID int64  `json:"default_system_id"`
	NodeUsername    string `json:"node_username,omitempty"`
}

// PerformSetup creates the first admin, the authority master key and the
// configured default System. A node account is created as well when its
// credentials are given, so a subordinate server can bootstrap right away.
// @Summary Perform initial setup
// @Accept json
// @Produce json
// @Param request body SetupRequest true "Setup request"
// @Success 200 {object} SetupResult
// @Router /api/v1/setup [post]
func (h *SetupHandler) PerformSetup(c *gin.Context) {
	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.NodeUsername == "") != (req.NodePassword == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_username and node_password go together"})
		return
	}

	result, err := h.users.PerformInitialSetup(&service.SetupRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		fail(c, h.logger, "setup failed", err)
		return
	}

	systemID, err := h.systems.EnsureDefaultSystem(c.Request.Context())
	if err != nil {
		fail(c, h.logger, "failed to create default system", err)
		return
	}

	out := SetupResult{
		Token:           result.Token,
		Username:        result.User.Username,
		MasterKey:       result.MasterKey,
		DefaultSystemID: systemID,
	}
	if req.NodeUsername != "" {
		node, err := h.users.CreateUser(&service.CreateUserRequest{
			Username: req.NodeUsername,
			Password: req.NodePassword,
			Role:     models.RoleNode,
		})
		if err != nil {
			fail(c, h.logger, "failed to create node account", err)
			return
		}
		out.NodeUsername = node.Username
	}

	h.logger.Info("Initial setup completed",
		zap.String("username", out.Username),
		zap.Int64("default_system_id", systemID),
		zap.String("node_username", out.NodeUsername),
	)
	c.JSON(http.StatusOK, out)
}
