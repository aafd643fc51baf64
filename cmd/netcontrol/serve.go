package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dailytasks/dailytasks-netcontrol/internal/api"
	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
	"github.com/dailytasks/dailytasks-netcontrol/internal/config"
	"github.com/dailytasks/dailytasks-netcontrol/internal/db"
	"github.com/dailytasks/dailytasks-netcontrol/internal/metrics"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the network control HTTP server",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 3000, "HTTP listen port")
	cmd.Flags().String("audit-db", "./netcontrol.db", "SQLite file for the access history (empty disables it)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("netcontrol starting",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Addr()),
		zap.String("interface", cfg.Firewall.Interface),
		zap.String("chain", cfg.Firewall.Chain),
		zap.String("runner", cfg.Firewall.Runner),
		zap.Bool("sudo", cfg.Firewall.UseSudo),
	)

	jwtService := auth.NewJWTService([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if !jwtService.Configured() {
		// Keep serving so /health works; the gate rejects every token.
		logger.Warn("no JWT secret configured; all network control requests will be rejected")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	control, err := newDeviceControl(cmd, cfg, logger, m)
	if err != nil {
		return err
	}

	var events api.EventStore
	if cfg.Audit.DBPath != "" {
		database, err := db.Open(cfg.Audit.DBPath)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer database.Close()
		events = database

		pruneEvents(cmd.Context(), database, cfg.Audit.Retention, logger)
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	defer limiter.Stop()
	networkLimiter := api.NewRateLimiter(cfg.RateLimit.NetworkMax, cfg.RateLimit.NetworkWindow)
	defer networkLimiter.Stop()

	router := api.NewRouter(api.NewHandler(control, events, logger.Named("api")), api.RouterConfig{
		JWT:            jwtService,
		Limiter:        limiter,
		NetworkLimiter: networkLimiter,
		Metrics:        m,
		Gatherer:       registry,
		Logger:         logger,
	})

	return serve(cmd.Context(), cfg.Server, router, logger)
}

// serve runs the HTTP server until SIGINT/SIGTERM and then shuts it down
// gracefully.
func serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) error {
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(ctx.Err()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// pruneEvents drops access history older than retention. Zero keeps
// everything.
func pruneEvents(ctx context.Context, database *db.DB, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	removed, err := database.PruneBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("failed to prune access history", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("pruned access history", zap.Int64("removed", removed), zap.Duration("retention", retention))
	}
}
