package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/antigravity-pool/internal/config"
	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/server"
	"github.com/j-veylop/antigravity-pool/internal/services"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort  int
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pool server",
	Long: `Start the localhost HTTP server.

Upstream calls posted to /v1internal:<method> are routed through the pool.
The quota poller and, when WARMUP_INTERVAL is set, the warmup schedule run
in the background.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(cfg *config.Config, m *services.Manager) error {
			if servePort != 0 {
				cfg.ProxyPort = servePort
			}
			return serve(cmd.Context(), cfg, m)
		})
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides PROXY_PORT)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "run gin in debug mode")
}

func serve(parent context.Context, cfg *config.Config, m *services.Manager) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{
		Addr:         cfg.ListenAddr(),
		ReadTimeout:  cfg.InteractiveTimeout,
		WriteTimeout: 2 * cfg.BackgroundTimeout,
		Debug:        serveDebug,
	}, m.Dispatcher(), m.Warmup(), m)

	m.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	logger.Info("pool started",
		"addr", cfg.ListenAddr(),
		"accounts", m.Accounts().Count(),
		"warmup_interval", cfg.WarmupInterval,
		"quota_refresh_interval", cfg.QuotaRefreshInterval)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
