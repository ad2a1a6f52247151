package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/bootstrap"
	"go.uber.org/zap"
)

// NodeHandler exposes a subordinate server's provisioning state
type NodeHandler struct {
	provisioner *bootstrap.Provisioner
	logger      *zap.Logger
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(provisioner *bootstrap.Provisioner, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		provisioner: provisioner,
		logger:      logger,
	}
}

// Status returns the provisioning state
// @Summary Node status
// @Success 200 {object} bootstrap.Status
// @Router /api/v1/node/status [get]
func (h *NodeHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.provisioner.Status())
}

// Provision obtains the node identity if it is not held yet. With
// ?force=true a new identity is requested even when one is held.
// @Summary Provision node
// @Param force query bool false "Request a new identity"
// @Success 200 {object} bootstrap.Status
// @Router /api/v1/node/provision [post]
func (h *NodeHandler) Provision(c *gin.Context) {
	var err error
	if c.Query("force") == "true" {
		_, err = h.provisioner.Reprovision(c.Request.Context())
	} else {
		_, err = h.provisioner.Provision(c.Request.Context())
	}
	if err != nil {
		h.logger.Error("Provisioning failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"status": h.provisioner.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, h.provisioner.Status())
}
