package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aelita/internal/auth"
	"aelita/internal/identity"
	"aelita/internal/onboard"
	"aelita/internal/store"
	"aelita/pkg/config"
	"aelita/pkg/github"
	"aelita/pkg/picker"
)

// Seams replaced by tests
var (
	newGateways = func(cfg *config.Config) (github.Factory, error) {
		return github.NewFactory(gatewayOptions(cfg))
	}
	newPicker = picker.New
)

func gatewayOptions(cfg *config.Config) github.Options {
	return github.Options{
		BaseURL:     cfg.GitHub.APIBaseURL,
		BotUsername: cfg.Bot.Username,
		BotToken:    cfg.Bot.AccessToken,
		Timeout:     cfg.GitHub.CallTimeout,
	}
}

// app is what every store-backed command works with
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	gateways github.Factory
	resolver *identity.Resolver
}

// openApp loads the configuration and opens the store. full requires the
// whole deployment configuration instead of just the database URI.
func openApp(ctx context.Context, full bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if full {
		err = cfg.Validate()
	} else {
		err = cfg.ValidateDatabase()
	}
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg)
	logger.Debug("configuration loaded", "config", cfg)

	gateways, err := newGateways(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}

	st, err := store.OpenURI(ctx, cfg.Bot.DBURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if applied := st.Applied(); len(applied) > 0 {
		logger.Info("applied migrations", "migrations", applied)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		gateways: gateways,
		resolver: identity.NewResolver(st, gateways, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) engine() (*onboard.Engine, error) {
	return onboard.NewEngine(a.store, a.gateways, onboard.Options{
		NoticeURL:      a.cfg.Bot.NoticeURL(),
		StatusURL:      a.cfg.Bot.StatusURL(),
		NoticeSecret:   a.cfg.Bot.NoticeSecret,
		StatusSecret:   a.cfg.Bot.StatusSecret,
		DefaultContext: a.cfg.Bot.DefaultContext,
	}, a.logger)
}

// operator resolves the principal a command acts as: the --as handle, or the
// one signed in with 'aelita auth login'
func (a *app) operator(ctx context.Context, handle string) (*store.Principal, error) {
	if handle == "" {
		manager, err := auth.NewManager(nil, a.resolver)
		if err != nil {
			return nil, err
		}
		session, err := manager.GetStoredSession()
		if err != nil {
			return nil, fmt.Errorf("no operator: pass --as <handle> or run 'aelita auth login'")
		}
		if err := manager.ValidateSession(ctx, session); err != nil {
			return nil, err
		}
		handle = session.Username
	}

	p, err := a.resolver.PrincipalByHandle(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s has never signed in", handle)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
