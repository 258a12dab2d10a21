// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/agent"
	"github.com/jeranaias/rigrun-agentd/internal/config"
	"github.com/jeranaias/rigrun-agentd/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr, provider string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Example: `  agentd serve
  agentd serve --addr :9090 --provider mock`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if provider != "" {
				cfg.Provider.Type = provider
			}
			logger, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&provider, "provider", "", "model provider: openai, ollama, or mock")
	return cmd
}

// serve runs the server until ctx is cancelled, then drains it. Requests
// still running after the shutdown timeout are cut off, which aborts their
// sessions.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	rt, err := agent.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close())
	}()

	srv := server.New(rt.Service, cfg.Server, logger.Named("server"))
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete, closing connections", zap.Error(err))
		_ = srv.Close()
	}
	return <-errc
}
