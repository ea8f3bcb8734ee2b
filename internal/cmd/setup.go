// Package cmd implements the command entry points wired up by the main
// binary: login, account listing and activation, rotation, quota refresh,
// and the daemon.
package cmd

import (
	"net/http"
	"time"

	"github.com/quotaswitch/quotaswitch/internal/auth/codex"
	"github.com/quotaswitch/quotaswitch/internal/config"
	"github.com/quotaswitch/quotaswitch/internal/core"
	"github.com/quotaswitch/quotaswitch/internal/quota"
	"github.com/quotaswitch/quotaswitch/internal/store"
)

// buildManager assembles the manager and its collaborators from config.
func buildManager(cfg *config.Config) (*core.Manager, *store.FileStore, error) {
	st, err := store.NewFileStore(cfg.AccountsFile)
	if err != nil {
		return nil, nil, err
	}

	providerCfg := providerConfig(cfg)
	httpClient := &http.Client{Timeout: 30 * time.Second}
	auth := codex.NewCodexAuth(httpClient, providerCfg)

	manager := core.NewManager(st, core.Options{
		Authenticator: codex.NewAuthenticator(auth, cfg.OAuth.CallbackPort),
		Fetcher:       quota.NewFetcher(httpClient, auth, cfg.Quota.UsageURL),
		Settings:      settingsFromConfig(cfg),
	})
	return manager, st, nil
}

// providerConfig overlays config file overrides onto the stock provider
// endpoints.
func providerConfig(cfg *config.Config) codex.ProviderConfig {
	providerCfg := codex.DefaultProviderConfig()
	if cfg.OAuth.ClientID != "" {
		providerCfg.ClientID = cfg.OAuth.ClientID
	}
	if cfg.OAuth.AuthURL != "" {
		providerCfg.AuthURL = cfg.OAuth.AuthURL
	}
	if cfg.OAuth.TokenURL != "" {
		providerCfg.TokenURL = cfg.OAuth.TokenURL
	}
	if cfg.OAuth.RedirectURI != "" {
		providerCfg.RedirectURI = cfg.OAuth.RedirectURI
	}
	if cfg.OAuth.Scope != "" {
		providerCfg.Scope = cfg.OAuth.Scope
	}
	if cfg.OAuth.Audience != "" {
		providerCfg.Audience = cfg.OAuth.Audience
	}
	return providerCfg
}

func settingsFromConfig(cfg *config.Config) core.Settings {
	return core.Settings{
		ThresholdPercent: cfg.Rotation.ThresholdPercent,
		QuotaInterval:    cfg.Quota.RefreshInterval,
		RotateInterval:   cfg.Rotation.CheckInterval,
		SweepConcurrency: cfg.Quota.SweepConcurrency,
	}
}
