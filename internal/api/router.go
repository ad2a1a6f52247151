// Package api provides HTTP routing for ibekd. It wires together handlers,
// middleware and services into the authority API and the node API.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robcowart/ibekd/internal/api/handlers"
	"github.com/robcowart/ibekd/internal/api/middleware"
	"github.com/robcowart/ibekd/internal/bootstrap"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/service"
	"go.uber.org/zap"
)

// Services are the authority services the router exposes
type Services struct {
	Users    *service.UserService
	Systems  *service.SystemService
	Requests *service.RequestService
	Issuance *service.IssuanceService
}

func newEngine(cfg *config.Config, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// NewRouter creates the key generation authority router
func NewRouter(cfg *config.Config, svc *Services, logger *zap.Logger) *gin.Engine {
	router := newEngine(cfg, logger)
	router.Use(middleware.RateLimitMiddleware(cfg))

	setupHandler := handlers.NewSetupHandler(svc.Users, svc.Systems, logger)
	authHandler := handlers.NewAuthHandler(svc.Users, logger)
	systemHandler := handlers.NewSystemHandler(svc.Systems, cfg, logger)
	requestHandler := handlers.NewRequestHandler(svc.Users, svc.Requests, svc.Issuance, logger)
	keyDistHandler := handlers.NewKeyDistHandler(svc.Systems, svc.Issuance, logger)

	// Key distribution, read side is public
	router.GET("/system/:name/number", keyDistHandler.SystemNumber)
	router.GET("/system/all", keyDistHandler.AllSystems)
	router.GET("/system/allparam", keyDistHandler.AllParameters)
	router.POST("/singleid",
		middleware.AuthMiddleware(cfg),
		middleware.RequireRole(models.RoleNode),
		keyDistHandler.SingleID,
	)

	public := router.Group("/api/v1")
	{
		public.GET("/setup/status", setupHandler.GetStatus)
		public.POST("/setup", setupHandler.PerformSetup)
		public.POST("/auth/login", authHandler.Login)
	}

	protected := router.Group("/api/v1")
	protected.Use(middleware.AuthMiddleware(cfg))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		// End users
		user := protected.Group("")
		user.Use(middleware.RequireRole(models.RoleUser))
		user.POST("/requests", requestHandler.Submit)
		user.GET("/requests", requestHandler.List)
		user.GET("/requests/count", requestHandler.Count)
		user.GET("/requests/exists/:identity", requestHandler.Exists)
		user.POST("/requests/:identity/ownership", requestHandler.Ownership)
		user.POST("/requests/:identity/description", requestHandler.Description)

		// Administration
		admin := protected.Group("")
		admin.Use(middleware.RequireRole(models.RoleAdmin))
		admin.POST("/users", authHandler.CreateUser)
		admin.POST("/systems", systemHandler.CreateSystem)
		admin.GET("/systems", systemHandler.ListSystems)
		admin.GET("/systems/count", systemHandler.CountSystems)
		admin.GET("/requests/new", requestHandler.ListNew)
		admin.GET("/requests/unhandled", requestHandler.ListUnhandled)
		admin.POST("/requests/handled", requestHandler.Handled)
	}

	return router
}

// NewNodeRouter creates the router of a subordinate server
func NewNodeRouter(cfg *config.Config, provisioner *bootstrap.Provisioner, logger *zap.Logger) *gin.Engine {
	router := newEngine(cfg, logger)

	nodeHandler := handlers.NewNodeHandler(provisioner, logger)
	node := router.Group("/api/v1/node")
	{
		node.GET("/status", nodeHandler.Status)
		node.POST("/provision", nodeHandler.Provision)
	}

	return router
}
