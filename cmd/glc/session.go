package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamelaunchercloud/glc/pkg/api"
	"github.com/gamelaunchercloud/glc/pkg/config"
	"github.com/gamelaunchercloud/glc/pkg/history"
	"github.com/gamelaunchercloud/glc/pkg/settings"
)

// session bundles what every command needs: the effective configuration,
// the persisted settings document and a client primed with the stored token.
type session struct {
	cfg      *config.Config
	settings settings.Store
	client   api.Client
	// baseURL is the server the client talks to.
	baseURL string
}

func openSession() (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	store, err := settings.Open(log, settings.Options{
		Path:       cfg.Settings.Path,
		UseKeyring: cfg.Settings.UseKeyring,
	})
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}

	profile, err := store.Profile()
	if err != nil {
		return nil, err
	}

	userAgent := cfg.API.UserAgent
	if userAgent == "" {
		userAgent = "glc/" + version
	}

	baseURL := resolveBaseURL(&cfg.API, profile)

	client := api.NewClient(log, api.Options{
		BaseURL:   baseURL,
		Token:     profile.AuthToken,
		UserAgent: userAgent,
		Timeout:   cfg.API.TimeoutDuration(),
	})

	return &session{cfg: cfg, settings: store, client: client, baseURL: baseURL}, nil
}

// resolveBaseURL prefers a configured base URL, then the one the stored
// session logged in against, then the built-in default.
func resolveBaseURL(c *config.APIConfig, profile *settings.Profile) string {
	if c.BaseURLIsDefault() && profile.APIURL != "" {
		return profile.APIURL
	}

	return c.BaseURL
}

// openHistory starts the history store. It returns nil when history is
// disabled.
func (s *session) openHistory(ctx context.Context) (history.Store, error) {
	if !s.cfg.History.Enabled {
		return nil, nil
	}

	store := history.NewStore(log, &s.cfg.History)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting history store: %w", err)
	}

	return store, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
