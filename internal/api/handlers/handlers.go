// Package handlers provides HTTP request handlers for the ibekd API servers.
// It includes handlers for setup and authentication, System administration,
// identity requests, the key distribution endpoints subordinate servers call
// and the node's own provisioning status.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/api/middleware"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/service"
	"go.uber.org/zap"
)

// statusFor maps a service error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as {"error": ...}. Internal errors are logged and their
// detail is not exposed.
func fail(c *gin.Context, logger *zap.Logger, what string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(what, zap.Error(err))
		c.JSON(status, gin.H{"error": what})
		return
	}
	logger.Debug(what, zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

// currentUser loads the account behind the request's token
func currentUser(c *gin.Context, users *service.UserService) (*models.User, error) {
	id := c.GetString(middleware.ContextUserID)
	if id == "" {
		return nil, service.ErrInvalidCredentials
	}
	return users.GetUser(id)
}

// queryInt reads an integer query parameter, falling back to def
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Join(service.ErrInvalidInput, errors.New(name+" must be an integer"))
	}
	return v, nil
}
