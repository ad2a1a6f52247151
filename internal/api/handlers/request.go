package handlers

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/service"
	"go.uber.org/zap"
)

// RequestHandler handles identity requests from end users and the admin
// endpoints that resolve them.
type RequestHandler struct {
	users    *service.UserService
	requests *service.RequestService
	issuance *service.IssuanceService
	logger   *zap.Logger
}

// NewRequestHandler creates a new request handler
func NewRequestHandler(users *service.UserService, requests *service.RequestService, issuance *service.IssuanceService, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{
		users:    users,
		requests: requests,
		issuance: issuance,
		logger:   logger,
	}
}

// SubmitRequestBody represents an application for an identity
type SubmitRequestBody struct {
	IdentityString  string `json:"identity_string" binding:"required"`
	Password        string `json:"password" binding:"required"`
	SystemID        int64  `json:"system_id" binding:"required"`
	ValiditySeconds int64  `json:"validity_seconds"`
}

// maxValiditySeconds is the longest validity a time.Duration can hold
const maxValiditySeconds = math.MaxInt64 / int64(time.Second)

// PasswordBody carries an identity password
type PasswordBody struct {
	Password string `json:"password" binding:"required"`
}

// HandledBody carries request outcomes keyed by identity string
type HandledBody struct {
	Results map[string]models.RequestStatus `json:"results" binding:"required"`
}

// Submit records a new identity request for the caller
// @Summary Submit identity request
// @Accept json
// @Produce json
// @Param request body SubmitRequestBody true "Identity request"
// @Success 201 {object} models.IDRequest
// @Router /api/v1/requests [post]
func (h *RequestHandler) Submit(c *gin.Context) {
	var body SubmitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.ValiditySeconds < 0 || body.ValiditySeconds > maxValiditySeconds {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validity_seconds is out of range"})
		return
	}
	user, err := currentUser(c, h.users)
	if err != nil {
		fail(c, h.logger, "unknown caller", err)
		return
	}

	r, err := h.requests.Submit(c.Request.Context(), user, service.SubmitRequest{
		IdentityString: body.IdentityString,
		Password:       body.Password,
		SystemID:       body.SystemID,
		Validity:       time.Duration(body.ValiditySeconds) * time.Second,
	})
	if err != nil {
		fail(c, h.logger, "failed to submit request", err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// List returns one page of the caller's requests
// @Summary List own requests
// @Param page query int false "Zero-based page"
// @Param amount query int false "Page size"
// @Param status query int false "Status, -1 for all"
// @Success 200 {array} models.IDRequest
// @Router /api/v1/requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	user, err := currentUser(c, h.users)
	if err != nil {
		fail(c, h.logger, "unknown caller", err)
		return
	}
	page, err := queryInt(c, "page", 0)
	if err != nil {
		fail(c, h.logger, "invalid page", err)
		return
	}
	amount, err := queryInt(c, "amount", 20)
	if err != nil {
		fail(c, h.logger, "invalid amount", err)
		return
	}
	status, err := queryInt(c, "status", int(models.StatusAll))
	if err != nil {
		fail(c, h.logger, "invalid status", err)
		return
	}

	requests, err := h.requests.List(c.Request.Context(), user, page, amount, models.RequestStatus(status))
	if err != nil {
		fail(c, h.logger, "failed to list requests", err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

// Count returns how many requests the caller has made
// @Summary Count own requests
// @Success 200 {object} map[string]int64
// @Router /api/v1/requests/count [get]
func (h *RequestHandler) Count(c *gin.Context) {
	user, err := currentUser(c, h.users)
	if err != nil {
		fail(c, h.logger, "unknown caller", err)
		return
	}
	total, err := h.requests.Count(c.Request.Context(), user)
	if err != nil {
		fail(c, h.logger, "failed to count requests", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total})
}

// Exists reports whether an identity has an unresolved request. The value is
// 0 when it has none and the request status plus one otherwise.
// @Summary Active request lookup
// @Param identity path string true "Identity string"
// @Success 200 {object} map[string]int
// @Router /api/v1/requests/exists/{identity} [get]
func (h *RequestHandler) Exists(c *gin.Context) {
	n, err := h.requests.DoesIDRequestExist(c.Request.Context(), c.Param("identity"))
	if err != nil {
		fail(c, h.logger, "failed to look up request", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": n})
}

// Ownership checks that the caller requested an identity with the password
// @Summary Ownership check
// @Param identity path string true "Identity string"
// @Param request body PasswordBody true "Identity password"
// @Success 200 {object} map[string]any
// @Router /api/v1/requests/{identity}/ownership [post]
func (h *RequestHandler) Ownership(c *gin.Context) {
	var body PasswordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := currentUser(c, h.users)
	if err != nil {
		fail(c, h.logger, "unknown caller", err)
		return
	}

	result, err := h.requests.DoesIDBelongToUser(c.Request.Context(), c.Param("identity"), user, body.Password)
	if err != nil {
		fail(c, h.logger, "failed to check ownership", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": int(result), "result": result.String()})
}

// Description returns the caller's newest sealed identity description. The
// capsule opens with the key derived from the identity password.
// @Summary Retrieve identity description
// @Param identity path string true "Identity string"
// @Param request body PasswordBody true "Identity password"
// @Success 200 {object} map[string]any
// @Router /api/v1/requests/{identity}/description [post]
func (h *RequestHandler) Description(c *gin.Context) {
	var body PasswordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := currentUser(c, h.users)
	if err != nil {
		fail(c, h.logger, "unknown caller", err)
		return
	}

	rec, err := h.issuance.LatestDescription(c.Request.Context(), user, c.Param("identity"), body.Password)
	if err != nil {
		fail(c, h.logger, "failed to retrieve description", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity_string": rec.IdentityString,
		"system_id":       rec.SystemID,
		"not_before":      rec.NotBefore,
		"not_after":       rec.NotAfter,
		"capsule":         rec.Capsule,
	})
}

// ListNew returns NotVerified requests for the processing side
// @Summary New requests
// @Param limit query int false "Maximum results"
// @Success 200 {array} models.IDRequest
// @Router /api/v1/requests/new [get]
func (h *RequestHandler) ListNew(c *gin.Context) {
	h.listByStatus(c, h.requests.ListNewRequests)
}

// ListUnhandled returns Started requests for the processing side
// @Summary Unhandled requests
// @Param limit query int false "Maximum results"
// @Success 200 {array} models.IDRequest
// @Router /api/v1/requests/unhandled [get]
func (h *RequestHandler) ListUnhandled(c *gin.Context) {
	h.listByStatus(c, h.requests.ListUnhandledRequests)
}

func (h *RequestHandler) listByStatus(c *gin.Context, list func(ctx context.Context, limit int) ([]*models.IDRequest, error)) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		fail(c, h.logger, "invalid limit", err)
		return
	}
	requests, err := list(c.Request.Context(), limit)
	if err != nil {
		fail(c, h.logger, "failed to list requests", err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

// Handled applies a batch of request outcomes
// @Summary Resolve requests
// @Accept json
// @Param request body HandledBody true "Outcomes by identity"
// @Success 200 {object} map[string]int64
// @Router /api/v1/requests/handled [post]
func (h *RequestHandler) Handled(c *gin.Context) {
	var body HandledBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := h.requests.RequestHandled(c.Request.Context(), body.Results)
	if err != nil {
		fail(c, h.logger, "failed to update requests", err)
		return
	}
	h.logger.Info("Requests handled", zap.Int("submitted", len(body.Results)), zap.Int64("updated", n))
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
