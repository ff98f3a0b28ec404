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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"cookiescan/internal/adapters/browser"
	"cookiescan/internal/adapters/evidence"
	httpadapter "cookiescan/internal/adapters/http"
	pg "cookiescan/internal/adapters/postgres"
	"cookiescan/internal/metrics"
	"cookiescan/internal/services/scanner"
	"cookiescan/internal/workers/scanrunner"
)

func newServeCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan intake API and workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on startup")
	return cmd
}

func serve(parent context.Context, skipMigrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := bootstrap(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if !skipMigrate {
		if err := pg.Migrate(ctx, db.Pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []scanner.Option{scanner.WithLogger(logger), scanner.WithMetrics(m)}
	if cfg.Evidence.Enabled() {
		store, err := evidence.New(ctx, cfg.Evidence.Endpoint, cfg.Evidence.Region, cfg.Evidence.Bucket,
			cfg.Evidence.AccessKey, cfg.Evidence.SecretKey, cfg.Evidence.UseSSL)
		if err != nil {
			return fmt.Errorf("evidence store: %w", err)
		}
		opts = append(opts, scanner.WithEvidence(store))
		logger.Info("evidence archiving enabled", "bucket", cfg.Evidence.Bucket)
	}

	engine := browser.New(browserOptions(cfg.Browser.NavigationTimeout, cfg.Browser.NetworkIdleTimeout,
		cfg.Browser.ScrollPause, cfg.Browser.SettleDelay, cfg.Browser.ExecPath), logger)

	pool := scanrunner.NewPool(cfg.ScanWorkers, logger)
	svc := scanner.New(db, engine, pool, opts...)
	pool.Start(ctx, svc)
	go pool.Recover(ctx, db, cfg.RecoveryInterval, cfg.PendingGrace)

	api := httpadapter.New(svc, db,
		httpadapter.WithLogger(logger),
		httpadapter.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		httpadapter.WithMetrics(m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		httpadapter.WithCORS(cfg.CORSOrigins),
	)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", cfg.ListenAddr, "workers", cfg.ScanWorkers)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("scan workers did not drain", "error", err)
	}
	return nil
}

func browserOptions(nav, idle, scroll, settle time.Duration, execPath string) browser.Options {
	o := browser.DefaultOptions()
	o.NavigationTimeout = nav
	o.NetworkIdleTimeout = idle
	o.ScrollPause = scroll
	o.SettleDelay = settle
	o.ExecPath = execPath
	return o
}
