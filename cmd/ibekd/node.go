package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robcowart/ibekd/internal/api"
	"github.com/robcowart/ibekd/internal/bootstrap"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/robcowart/ibekd/internal/keygenclient"
	"github.com/robcowart/ibekd/internal/keystore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func nodeCmd() *cobra.Command {
	var provisionOnly bool

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Bootstrap this server's identity against the authority and serve its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateNode(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting ibekd node",
				zap.String("version", version),
				zap.String("authority", cfg.Node.AuthorityURL),
				zap.String("server_id", cfg.Node.ServerID),
			)

			provisioner := bootstrap.New(bootstrap.Options{
				Username:       cfg.Node.Username,
				Password:       cfg.Node.Password,
				System:         cfg.Node.System,
				ServerID:       cfg.Node.ServerID,
				Validity:       cfg.Node.ServerKeyValidity,
				SessionKeySize: cfg.Crypto.SessionKeySize,
			},
				keygenclient.New(cfg.Node.AuthorityURL, cfg.Node.RequestTimeout),
				keystore.New(cfg.Node.KeyDir, logger),
				ibe.NewBB1(),
				logger,
			)

			desc, err := provisioner.Init(ctx)
			if provisionOnly {
				if err != nil {
					return fmt.Errorf("server bootstrap failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %s, valid until %s\n",
					desc.Identity(), desc.Certificate.NotAfter.Format(time.RFC3339))
				return nil
			}
			if err != nil {
				// The node stays unprovisioned; POST /api/v1/node/provision retries
				logger.Error("Server bootstrap failed, serving unprovisioned", zap.Error(err))
			}

			srv := newHTTPServer(cfg, cfg.Node.ListenPort, api.NewNodeRouter(cfg, provisioner, logger))
			return serveHTTP(ctx, cfg, srv)
		},
	}

	cmd.Flags().BoolVar(&provisionOnly, "provision-only", false, "Exit after the identity is provisioned")
	return cmd
}
