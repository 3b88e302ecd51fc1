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

	"github.com/sirupsen/logrus"

	"github.com/pagebridge/pagebridge/internal/bridge"
	"github.com/pagebridge/pagebridge/internal/config"
	"github.com/pagebridge/pagebridge/internal/discord"
	"github.com/pagebridge/pagebridge/internal/facebook"
	"github.com/pagebridge/pagebridge/internal/format"
	"github.com/pagebridge/pagebridge/internal/httpapi"
	"github.com/pagebridge/pagebridge/internal/state"
	"github.com/pagebridge/pagebridge/internal/store"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("pagebridge exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("closing store failed")
		}
	}()

	var settings *format.Source
	if cfg.FormatFile != "" {
		settings, err = format.NewSource(cfg.FormatFile, logger)
		if err != nil {
			return fmt.Errorf("loading format settings: %w", err)
		}
		go func() {
			if err := settings.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("format settings watcher stopped")
			}
		}()
	}

	graph := facebook.NewClient(nil)
	states := state.NewLedger(cfg.StateTTL)
	authFlow := facebook.NewAuthFlow(graph, states, facebook.AuthConfig{
		AppID:       cfg.FacebookAppID,
		ConfigID:    cfg.FacebookConfigID,
		AppSecret:   cfg.FacebookAppSecret,
		RedirectURL: cfg.FacebookRedirectURL,
	})

	rest := discord.NewClient(cfg.DiscordBotToken, settings, nil)

	syncer := bridge.NewSyncer(db, graph, rest, bridge.Options{
		OldestPost:       cfg.OldestPost,
		FetchConcurrency: cfg.FetchConcurrency,
		Logger:           logger,
	})
	scheduler := bridge.NewScheduler(syncer, cfg.SyncInterval, logger)

	api := httpapi.NewServer(authFlow, db, rest, scheduler, logger, httpapi.ServerConfig{
		AdminToken:      cfg.AdminToken,
		LoginPath:       cfg.LoginPath,
		CallbackPath:    cfg.CallbackPath,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	server := &http.Server{Addr: cfg.ServerAddr, Handler: api}

	errCh := make(chan error, 3)

	go func() {
		logger.WithField("addr", cfg.ServerAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.SetupMode {
		logger.Info("setup mode, sync loop and gateway disabled")
	} else {
		gateway := discord.NewGateway(rest, logger)
		go func() {
			if err := gateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("gateway stopped")
			}
		}()
		go func() {
			if err := scheduler.Run(ctx); err != nil {
				errCh <- fmt.Errorf("sync scheduler: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		err = nil
	case err = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("http server shutdown failed")
	}
	return err
}
