// licensed is the license server: it owns the user store and serves the
// login operation over HTTP, with admin operations available over HTTP and
// an optional Telegram bot.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"indotex-license-server/internal/admin"
	"indotex-license-server/internal/config"
	"indotex-license-server/internal/httpapi"
	"indotex-license-server/internal/license"
	"indotex-license-server/internal/store"
	"indotex-license-server/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, err := store.OpenBolt(cfg.DBPath, logger)
	if err != nil {
		logger.Error("open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.LegacyUsersFile != "" {
		n, err := st.ImportLegacyFile(cfg.LegacyUsersFile)
		if err != nil {
			logger.Error("legacy import", "path", cfg.LegacyUsersFile, "error", err)
			os.Exit(1)
		}
		if n > 0 {
			logger.Info("imported legacy users", "path", cfg.LegacyUsersFile, "count", n)
		}
	}

	validator := license.NewValidator(st, logger)
	adminSvc := admin.NewService(st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := httpapi.New(validator, adminSvc, cfg.AdminToken, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.BotToken != "" {
		bot, err := telegram.NewBot(cfg.BotToken, cfg.AdminChatID, adminSvc, logger)
		if err != nil {
			logger.Error("telegram bot", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return bot.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
