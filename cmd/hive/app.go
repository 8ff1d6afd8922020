package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agenthive/cmd/hive/ui"
	"agenthive/internal/api"
	"agenthive/internal/auth"
	"agenthive/internal/credits"
	"agenthive/internal/entitlement"
	"agenthive/internal/errclass"

	"go.uber.org/zap"
)

// app holds the per-invocation services. Every command builds one from the
// loaded config so tests can point it at a fake server.
type app struct {
	auth    *auth.Store
	client  *api.Client
	credits *credits.Cache
	styles  ui.Styles
}

func newApp() (*app, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var store *auth.Store
	if cfg.API.Token != "" {
		store = auth.NewMemoryStore(cfg.API.Token)
	} else {
		var err error
		store, err = auth.Open(cfg.CredentialsPath())
		if err != nil {
			return nil, err
		}
	}

	client := api.NewClient(cfg.API.BaseURL, store, cfg.GetAPITimeout())
	cache := credits.NewCache(client)
	cache.BindLogout(store)

	logger.Debug("app ready",
		zap.String("api", client.BaseURL()),
		zap.Bool("logged_in", store.LoggedIn()))

	return &app{
		auth:    store,
		client:  client,
		credits: cache,
		styles:  ui.NewStyles(ui.ThemeNamed(cfg.UI.Theme)),
	}, nil
}

// requireLogin fails fast instead of letting the server answer 401.
func (a *app) requireLogin() error {
	if !a.auth.LoggedIn() {
		return fmt.Errorf("not logged in: run `hive login --token <token>` first")
	}
	return nil
}

// machine loads the entitlement state for agentID.
func (a *app) machine(ctx context.Context, agentID string) (*entitlement.Machine, error) {
	m := entitlement.New(a.client, agentID,
		entitlement.WithCredits(a.credits),
		entitlement.WithTrialLimit(cfg.Trial.MaxMessages))
	if err := m.Load(ctx); err != nil {
		return nil, describe(err)
	}
	return m, nil
}

// requestContext bounds one-shot commands by the API timeout and by Ctrl+C.
func requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signalContext(parent)
	ctx, cancel := context.WithTimeout(ctx, 2*cfg.GetAPITimeout()+5*time.Second)
	return ctx, func() {
		cancel()
		stop()
	}
}

// describe swaps a classified failure for its user-facing sentence.
func describe(err error) error {
	switch errclass.Classify(err) {
	case errclass.Generic, errclass.Canceled:
		return err
	default:
		return errors.New(errclass.Describe(err))
	}
}
