package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chronicle/internal/clock"
	"chronicle/internal/config"
	"chronicle/internal/ics"
	appLog "chronicle/internal/log"
	"chronicle/internal/refresh"
	"chronicle/internal/store"
	"chronicle/internal/web"
)

const shutdownTimeout = 10 * time.Second

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		appLog.Warn("failed to load .env", "err", err)
	}

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("chronicle starting", "version", "0.1.0")
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database,
		"refresh_cron", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"engine", conf.RecurrenceEngine,
		"ics_count", len(conf.ICS),
		"recurring_count", len(conf.Recurring),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	refresher, err := refresh.FromConfig(conf, ics.NewFetcher(conf.CacheDir), clock.System{})
	if err != nil {
		appLog.Error("failed to compile recurring events", err)
		os.Exit(1)
	}

	snap, err := refresher.Refresh(ctx)
	if err != nil {
		appLog.Error("initial refresh failed", err)
		if flags.once {
			os.Exit(1)
		}
	}

	if flags.once {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			appLog.Error("failed to write snapshot", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, conf, refresher); err != nil {
		appLog.Error("chronicle stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("chronicle exiting")
}

func run(ctx context.Context, conf *config.Config, refresher *refresh.Refresher) error {
	st, err := store.Open(conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.CreateSchema(ctx); err != nil {
		return err
	}

	if err := refresher.Start(ctx, conf.RefreshCron); err != nil {
		return err
	}

	srv, err := web.NewServer(conf, st, refresher, clock.System{})
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(appLog.Logger().Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("HTTP server listening", "addr", "http://"+conf.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	refresher.Stop(shutdownCtx)
	return httpSrv.Shutdown(shutdownCtx)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file (created with defaults if missing)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh, print the snapshot as JSON and exit")

	flag.Parse()

	return cfg
}
