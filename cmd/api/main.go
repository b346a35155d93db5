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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/payrecon/internal/alert"
	"github.com/punchamoorthee/payrecon/internal/api"
	"github.com/punchamoorthee/payrecon/internal/config"
	"github.com/punchamoorthee/payrecon/internal/confirm"
	"github.com/punchamoorthee/payrecon/internal/intake"
	"github.com/punchamoorthee/payrecon/internal/logging"
	"github.com/punchamoorthee/payrecon/internal/parser"
	"github.com/punchamoorthee/payrecon/internal/qr"
	"github.com/punchamoorthee/payrecon/internal/service"
	"github.com/punchamoorthee/payrecon/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == "postgres" {
		return store.NewPostgres(ctx, cfg.DBSource, logger)
	}
	return store.OpenBadger(cfg.BadgerPath, logger)
}

func newAlerter(cfg *config.Config, logger *zap.Logger) alert.Alerter {
	if cfg.DiscordToken == "" {
		return alert.Nop{}
	}
	d, err := alert.NewDiscord(cfg.DiscordToken, cfg.DiscordChannelID, logger)
	if err != nil {
		logger.Warn("Discord alerts disabled", zap.Error(err))
		return alert.Nop{}
	}
	return d
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting payrecon",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreDriver),
		zap.Duration("code_expiration", cfg.CodeExpiration),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("retention", cfg.Retention),
	)

	// The service must not run without its store.
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer st.Close()

	if cfg.AppURL == "" {
		logger.Warn("APP_URL is not set, confirmations will be recorded as failed")
	}
	confirmer, err := confirm.NewClient(logger, confirm.Config{
		BaseURL:       cfg.AppURL,
		APIKey:        cfg.APIKey,
		Timeout:       cfg.ConfirmTimeout,
		RatePerSecond: cfg.ConfirmRate,
	})
	if err != nil {
		return err
	}

	// Initialize Layers
	issuer := service.NewIssuer(st, logger, service.IssuerConfig{
		Expiration: cfg.CodeExpiration,
		StoreGrace: cfg.StoreGrace(),
	})
	if err := issuer.Prime(ctx); err != nil {
		return err
	}
	reconciler := service.NewReconciler(st, confirmer, newAlerter(cfg, logger), logger, service.ReconcilerConfig{
		Retention: cfg.Retention,
	})
	sweeper := service.NewSweeper(st, logger, service.SweeperConfig{
		Interval:  cfg.SweepInterval,
		Retention: cfg.Retention,
	})
	queue := intake.NewQueue(parser.New(logger), reconciler, logger, intake.Config{
		Size:    cfg.IntakeQueueSize,
		Workers: cfg.IntakeWorkers,
	})

	handler := api.NewHandler(issuer, service.NewStatusService(st), queue, qr.NewPNG(cfg.QRTemplate, 256), st, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, cfg.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	// The queue outlives gctx: it closes only after the server has stopped
	// accepting notifications, then drains what was accepted.
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()
	g.Go(func() error { return queue.Run(queueCtx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.SpoolDir != "" {
		src, err := intake.NewDirSource(cfg.SpoolDir, cfg.AllowedSenders, logger)
		if err != nil {
			return err
		}
		poller := intake.NewPoller(src, queue, cfg.PollInterval, logger)
		g.Go(func() error { return poller.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		err := srv.Shutdown(shutdownCtx)
		stopQueue()
		return err
	})

	return g.Wait()
}
