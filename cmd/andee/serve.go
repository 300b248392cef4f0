package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"andee/internal/config"
	"andee/internal/delivery"
	"andee/internal/logging"
	"andee/internal/metrics"
	"andee/internal/reminder"
	"andee/internal/schedule"
	serverhttp "andee/internal/server/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling engine and its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Log.Level)
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting andee (addr=%s, db=%s)", cfg.Listen.Addr, cfg.Storage.Path)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return err
	}
	db, err := bbolt.Open(cfg.Storage.Path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	gateway := delivery.NewTelegramGateway(delivery.TelegramConfig{
		Timeout:     cfg.Deliver.Timeout,
		RatePerChat: cfg.Deliver.RatePerChat,
		BaseURL:     cfg.Deliver.BaseURL,
	}, logging.NewComponentLogger("Telegram"))

	reminders := reminder.NewService(db, reminder.Config{
		DeliveryTimeout: cfg.Deliver.Timeout,
	}, gateway, m, logging.NewComponentLogger("Reminders"))

	schedules := schedule.NewService(db, schedule.Config{
		DeliveryTimeout: cfg.Deliver.Timeout,
	}, gateway, m, logging.NewComponentLogger("Schedules"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reminders.Start(ctx); err != nil {
		return err
	}
	if err := schedules.Start(ctx); err != nil {
		return err
	}

	handlers := serverhttp.NewHandlers(reminders, schedules, logging.NewComponentLogger("API"))
	router := serverhttp.NewRouter(serverhttp.RouterConfig{
		Debug:          cfg.Listen.Debug,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, handlers, m, logging.NewComponentLogger("Router"))

	srv := &http.Server{
		Addr:         cfg.Listen.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Listen.ReadTimeout,
		WriteTimeout: cfg.Listen.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("Listening on %s", cfg.Listen.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		reminders.Stop()
		schedules.Stop()
		return err
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Stopped")
	return nil
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		logging.SetLevel(logging.DEBUG)
	case "warn":
		logging.SetLevel(logging.WARN)
	case "error":
		logging.SetLevel(logging.ERROR)
	default:
		logging.SetLevel(logging.INFO)
	}
}
