package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/robcowart/ibekd/internal/service"
	"go.uber.org/zap"
)

// Result codes carried in a Response
const (
	ResultOK       = 0
	ResultNotFound = 1
	ResultInvalid  = 2
	ResultConflict = 3
	ResultRefused  = 4
	ResultInternal = 9
)

// Response is the envelope of the key distribution endpoints
type Response struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	Payload    any    `json:"payload"`
}

// KeyDistHandler serves the endpoints subordinate servers use to look up
// Systems and request their own identity descriptions.
type KeyDistHandler struct {
	systems  *service.SystemService
	issuance *service.IssuanceService
	logger   *zap.Logger
}

// NewKeyDistHandler creates a new key distribution handler
func NewKeyDistHandler(systems *service.SystemService, issuance *service.IssuanceService, logger *zap.Logger) *KeyDistHandler {
	return &KeyDistHandler{
		systems:  systems,
		issuance: issuance,
		logger:   logger,
	}
}

func resultCodeFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return ResultNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return ResultInvalid
	case errors.Is(err, service.ErrConflict):
		return ResultConflict
	case errors.Is(err, service.ErrForbidden):
		return ResultRefused
	default:
		return ResultInternal
	}
}

func (h *KeyDistHandler) ok(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, Response{ResultCode: ResultOK, Message: "ok", Payload: payload})
}

func (h *KeyDistHandler) fail(c *gin.Context, what string, err error) {
	code := resultCodeFor(err)
	msg := err.Error()
	if code == ResultInternal {
		h.logger.Error(what, zap.Error(err))
		msg = what
	} else {
		h.logger.Info(what, zap.Error(err))
	}
	c.JSON(statusFor(err), Response{ResultCode: code, Message: msg})
}

// SystemNumber resolves a System owner name to its ID
// @Summary System ID by owner
// @Param name path string true "Owner name"
// @Success 200 {object} Response
// @Router /system/{name}/number [get]
func (h *KeyDistHandler) SystemNumber(c *gin.Context) {
	id, err := h.systems.GetIDByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, "failed to resolve system", err)
		return
	}
	h.ok(c, id)
}

// AllSystems returns every System as ID to owner
// @Summary All Systems
// @Success 200 {object} map[string]string
// @Router /system/all [get]
func (h *KeyDistHandler) AllSystems(c *gin.Context) {
	systems, err := h.systems.ListAllSystems(c.Request.Context())
	if err != nil {
		fail(c, h.logger, "failed to list systems", err)
		return
	}
	c.JSON(http.StatusOK, systems)
}

// AllParameters returns the public parameter of every System
// @Summary All public parameters
// @Success 200 {object} map[string]ibe.PublicParameter
// @Router /system/allparam [get]
func (h *KeyDistHandler) AllParameters(c *gin.Context) {
	params, err := h.systems.ListAllParameters(c.Request.Context())
	if err != nil {
		fail(c, h.logger, "failed to list system parameters", err)
		return
	}
	c.JSON(http.StatusOK, params)
}

// SingleID issues an identity description for a subordinate server's CSR.
// The payload is the capsule sealed under the CSR's session key.
// @Summary Issue server identity
// @Accept json
// @Produce json
// @Param request body ibe.CSR true "CSR"
// @Success 200 {object} Response
// @Router /singleid [post]
func (h *KeyDistHandler) SingleID(c *gin.Context) {
	var csr ibe.CSR
	if err := c.ShouldBindJSON(&csr); err != nil {
		c.JSON(http.StatusBadRequest, Response{ResultCode: ResultInvalid, Message: err.Error()})
		return
	}

	capsule, err := h.issuance.IssueForCSR(c.Request.Context(), &csr)
	if err != nil {
		h.fail(c, "failed to issue identity", err)
		return
	}
	// []byte renders as base64
	h.ok(c, capsule)
}
