package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"poem-vision-bot/internal/config"
	"poem-vision-bot/internal/entitlement"
	"poem-vision-bot/internal/httpclient"
	"poem-vision-bot/internal/intake"
	"poem-vision-bot/internal/poemapi"
	"poem-vision-bot/internal/wizard"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "poemwiz",
	Short: "Turn a photo into a framed poem from the terminal",
	Long: `poemwiz drives the photo poem wizard against the poem service:
upload, analysis, poem generation and the framed share image.

The service is configured through the same environment as the bot
(POEM_API_BASE_URL, POEM_SESSION_COOKIE, POEM_SHARE_ORIGIN, ...). A .env
file in the working directory is loaded first.

Examples:
  poemwiz catalog
  poemwiz run --image beach.jpg --poem-type haiku --emphasis Sunset,Joy
  poemwiz run --plan plan.yaml --out poem.jpg --copy`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log requests and decisions to stderr")
	rootCmd.AddCommand(newRunCmd(), newCatalogCmd())
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type clientOptions struct {
	Mobile bool
}

// newController builds a wizard bound to a fresh backend session.
func newController(cfg config.Config, opts clientOptions, logger *slog.Logger) (*wizard.Controller, error) {
	hc, err := httpclient.NewSession(httpclient.SessionOptions{
		Transport: httpclient.NewTransport(httpclient.Options{PreferIPv4: cfg.PreferIPv4, Timeout: cfg.HTTPTimeout}),
		Timeout:   cfg.HTTPTimeout,
		BaseURL:   cfg.APIBaseURL,
		Cookie:    cfg.SessionCookie,
	})
	if err != nil {
		return nil, err
	}
	return newControllerWithClient(cfg, hc, opts, logger)
}

func newControllerWithClient(cfg config.Config, hc *http.Client, opts clientOptions, logger *slog.Logger) (*wizard.Controller, error) {
	api, err := poemapi.New(poemapi.Options{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: hc,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	profile := intake.DesktopProfile()
	if opts.Mobile {
		profile = intake.MobileProfile(profile)
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
		Profile:         profile,
		OptimizeAbove:   cfg.OptimizeAboveBytes,
		MaxEmphasis:     cfg.MaxEmphasis,
		VisibleEmphasis: cfg.VisibleEmphasis,
		Logger:          logger,
	})
}

// contextWithTimeout bounds one command by the request timeout and stops
// it on interrupt.
func contextWithTimeout(cmd *cobra.Command, cfg config.Config) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelWarn
	if verbose || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
