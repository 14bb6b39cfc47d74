package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"poem-vision-bot/internal/config"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/handlers"
	"poem-vision-bot/internal/httpclient"
	"poem-vision-bot/internal/intake"
	"poem-vision-bot/internal/mediagroup"
	"poem-vision-bot/internal/poemapi"
	"poem-vision-bot/internal/session"
	"poem-vision-bot/internal/share"
	"poem-vision-bot/internal/telegram"
	"poem-vision-bot/internal/wizard"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.RequireTelegram(); err != nil {
		panic(err)
	}

	logger := newLogger(cfg)
	if cfg.SessionCookie != "" {
		logger.Warn("POEM_SESSION_COOKIE is ignored by the bot; every user gets a backend session of their own")
	}
	cfg = cfg.PerUserSessions()

	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
	})

	tg, err := telegram.New(telegram.Options{
		Token:      cfg.TelegramToken,
		HTTPClient: httpClient,
		Logger:     logger,
		Debug:      cfg.Debug,
	})
	if err != nil {
		logger.Error("telegram init failed", "err", err)
		os.Exit(1)
	}

	composer, err := share.NewComposer(share.Options{Origin: cfg.ShareOrigin})
	if err != nil {
		logger.Error("share init failed", "err", err)
		os.Exit(1)
	}

	apiTransport := httpclient.NewTransport(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
	})

	sessions, err := session.NewStore(session.Options{
		Factory: func(chatID, userID int64) (*wizard.Controller, error) {
			return newController(cfg, apiTransport, logger.With("chat_id", chatID, "user_id", userID))
		},
	})
	if err != nil {
		logger.Error("session store init failed", "err", err)
		os.Exit(1)
	}

	handler := handlers.New(handlers.Options{
		Telegram:       tg,
		Sessions:       sessions,
		Share:          composer,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sem := make(chan struct{}, cfg.MaxConcurrent)
	onGroupFlush := func(group mediagroup.Group) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		go func() {
			defer func() { <-sem }()

			reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancel()

			handler.HandleMediaGroup(reqCtx, group)
		}()
	}

	aggregator := mediagroup.New(mediagroup.Options{
		Debounce: cfg.MediaGroupDebounce,
		OnFlush:  onGroupFlush,
	})
	defer aggregator.Stop()
	handler.SetMediaGroupAggregator(aggregator)

	go pruneSessions(ctx, sessions, cfg.SessionIdle, logger)

	logger.Info("bot started", "username", tg.Username(), "api", cfg.APIBaseURL)

	updates := tg.Updates(telegram.UpdatesOptions{
		Timeout: 30 * time.Second,
	})
	defer tg.StopUpdates()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case update, ok := <-updates:
			if !ok {
				logger.Info("updates channel closed")
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			go func(update telegram.Update) {
				defer func() { <-sem }()

				reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
				defer cancel()

				if err := handler.HandleUpdate(reqCtx, update); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("handle update failed", "err", err)
				}
			}(update)
		}
	}
}

// newController builds one user's wizard with its own cookie jar. Uploads
// are downscaled with the mobile profile.
func newController(cfg config.Config, transport http.RoundTripper, logger *slog.Logger) (*wizard.Controller, error) {
	hc, err := httpclient.NewSession(httpclient.SessionOptions{
		Transport: transport,
		Timeout:   cfg.HTTPTimeout,
		BaseURL:   cfg.APIBaseURL,
	})
	if err != nil {
		return nil, err
	}

	api, err := poemapi.New(poemapi.Options{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: hc,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	gate := entitlement.NewGate(entitlement.Options{
		Checker:    api,
		UpgradeURL: cfg.UpgradeURL,
		Logger:     logger,
	})

	return wizard.New(wizard.Options{
		API:             api,
		Gate:            gate,
		Intake:          intake.New(intake.Options{MaxBytes: cfg.MaxUploadBytes, Logger: logger}),
		Profile:         intake.MobileProfile(intake.DesktopProfile()),
		OptimizeAbove:   cfg.OptimizeAboveBytes,
		MaxEmphasis:     cfg.MaxEmphasis,
		VisibleEmphasis: cfg.VisibleEmphasis,
		Logger:          logger,
	})
}

func pruneSessions(ctx context.Context, sessions *session.Store, idle time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(min(idle, 10*time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Prune(idle); n > 0 {
				logger.Info("pruned idle sessions", "count", n, "remaining", sessions.Len())
			}
		}
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
