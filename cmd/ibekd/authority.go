package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/robcowart/ibekd/internal/api"
	"github.com/robcowart/ibekd/internal/database"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/robcowart/ibekd/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// authority bundles the opened database and the services built on it
type authority struct {
	db       *database.Database
	engine   ibe.Engine
	services *api.Services
}

func openAuthority(ctx context.Context) (*authority, error) {
	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	engine := ibe.NewBB1()
	users := service.NewUserService(db, cfg, logger)
	if err := users.LoadJWTSecret(); err != nil {
		db.Close()
		return nil, err
	}
	systems := service.NewSystemService(db, cfg, engine, service.NewAccessSecretService(db, users), logger)
	requests := service.NewRequestService(db, cfg, engine, systems, logger)
	issuance := service.NewIssuanceService(db, engine, systems, requests, logger)

	if id, err := systems.EnsureDefaultSystem(ctx); err != nil {
		db.Close()
		return nil, err
	} else if id >= 0 {
		logger.Info("Default system ready",
			zap.Int64("system_id", id),
			zap.String("owner", cfg.Authority.DefaultSystemOwner),
		)
	}

	return &authority{
		db:     db,
		engine: engine,
		services: &api.Services{
			Users:    users,
			Systems:  systems,
			Requests: requests,
			Issuance: issuance,
		},
	}, nil
}

func authorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authority",
		Short: "Run the key generation authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting ibekd key generation authority",
				zap.String("version", version),
				zap.String("database", cfg.Database.Type),
			)

			a, err := openAuthority(ctx)
			if err != nil {
				return err
			}
			defer a.db.Close()

			g, ctx := errgroup.WithContext(ctx)
			if cfg.Requests.ProcessEnabled {
				processor := service.NewRequestProcessor(cfg, a.engine, a.services.Systems, a.services.Requests, a.services.Issuance, logger)
				g.Go(func() error {
					processor.Run(ctx)
					return nil
				})
			}

			srv := newHTTPServer(cfg, cfg.Server.Port, api.NewRouter(cfg, a.services, logger))
			g.Go(func() error {
				return serveHTTP(ctx, cfg, srv)
			})

			return g.Wait()
		},
	}
}
