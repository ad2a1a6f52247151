package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/service"
	"go.uber.org/zap"
)

// SystemHandler handles System administration
type SystemHandler struct {
	systems *service.SystemService
	cfg     *config.Config
	logger  *zap.Logger
}

// NewSystemHandler creates a new System handler
func NewSystemHandler(systems *service.SystemService, cfg *config.Config, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		systems: systems,
		cfg:     cfg,
		logger:  logger,
	}
}

// CreateSystemRequest represents a request to create a System
type CreateSystemRequest struct {
	Owner    string `json:"owner" binding:"required"`
	Pairing  string `json:"pairing"`
	Password string `json:"password" binding:"required,min=8"`
}

// CreateSystem runs setup for a new System
// @Summary Create System
// @Accept json
// @Produce json
// @Param request body CreateSystemRequest true "System request"
// @Success 201 {object} models.System
// @Router /api/v1/systems [post]
func (h *SystemHandler) CreateSystem(c *gin.Context) {
	var req CreateSystemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Pairing == "" {
		req.Pairing = h.cfg.Crypto.DefaultPairing
	}

	system, err := h.systems.CreateSystem(c.Request.Context(), req.Owner, req.Pairing, req.Password)
	if err != nil {
		fail(c, h.logger, "failed to create system", err)
		return
	}

	c.JSON(http.StatusCreated, system)
}

// ListSystems returns one page of Systems as ID to owner
// @Summary List Systems
// @Param page query int false "Zero-based page"
// @Param size query int false "Page size"
// @Success 200 {object} map[string]string
// @Router /api/v1/systems [get]
func (h *SystemHandler) ListSystems(c *gin.Context) {
	page, err := queryInt(c, "page", 0)
	if err != nil {
		fail(c, h.logger, "invalid page", err)
		return
	}
	size, err := queryInt(c, "size", 20)
	if err != nil {
		fail(c, h.logger, "invalid size", err)
		return
	}

	systems, err := h.systems.ListSystems(c.Request.Context(), page, size)
	if err != nil {
		fail(c, h.logger, "failed to list systems", err)
		return
	}
	c.JSON(http.StatusOK, systems)
}

// CountSystems returns the number of Systems
// @Summary Count Systems
// @Success 200 {object} map[string]int64
// @Router /api/v1/systems/count [get]
func (h *SystemHandler) CountSystems(c *gin.Context) {
	total, err := h.systems.TotalSystems(c.Request.Context())
	if err != nil {
		fail(c, h.logger, "failed to count systems", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total})
}
