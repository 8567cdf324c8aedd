// Package app wires the proxy's components into one process, mirroring
// the teacher's internal/application.App: a single construction point
// main.go calls Start/Stop on, so the CLI entrypoint stays thin.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ngoclaw/protoclaw/internal/config"
	"github.com/ngoclaw/protoclaw/internal/credential"
	"github.com/ngoclaw/protoclaw/internal/httpapi"
	"github.com/ngoclaw/protoclaw/internal/metrics"
	"github.com/ngoclaw/protoclaw/internal/oauth"
	"github.com/ngoclaw/protoclaw/internal/registry"
	"github.com/ngoclaw/protoclaw/internal/transport"
)

// App owns every long-lived component: the Conversion Profile registry,
// the Service Profile table, the OAuth manager, the transport Dispatcher,
// the HTTP server, and the config hot-reload watcher.
type App struct {
	logger  *zap.Logger
	cfg     *config.Config
	watcher *config.Watcher

	registry        *registry.Registry
	serviceProfiles map[string]*config.ServiceProfile
	oauthMgr        *oauth.Manager
	dispatcher      *transport.Dispatcher
	server          *httpapi.Server
}

// New constructs every component but starts nothing, mirroring the
// teacher's application.NewApp/app.Start split.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	reg := registry.New(cfg.AllowImplicitDefaultProfile)
	if err := reg.Initialize(cfg.ProfilesPath); err != nil {
		return nil, fmt.Errorf("initialize conversion profiles: %w", err)
	}

	serviceProfiles, err := config.LoadServiceProfiles(cfg.ServiceProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("load service profiles: %w", err)
	}

	watcher, err := config.NewWatcher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("start config watcher: %w", err)
	}

	store := credential.NewStore()
	oauthMgr := oauth.New(store, logger)

	metricsReg := prometheus.NewRegistry()
	metricsVecs := metrics.New(metricsReg)

	dispatcher := transport.New(transport.Config{
		Timeout:               cfg.ProviderTimeout(),
		StreamIdleTimeout:     cfg.StreamIdleTimeout(),
		StreamHeadersTimeout:  cfg.StreamHeadersTimeout(),
		Retries:               cfg.ProviderRetries,
		CircuitBreakerEnabled: cfg.CircuitBreakerEnabled,
	}, oauthMgr, logger, nil, metricsVecs)

	server := httpapi.New(
		httpapi.Config{Host: cfg.Host, Port: cfg.Port, Mode: releaseModeFor(cfg)},
		reg, serviceProfiles, oauthMgr, dispatcher, cfg.UAMode, logger,
		metricsReg, metricsVecs,
	)

	return &App{
		logger:          logger,
		cfg:             cfg,
		watcher:         watcher,
		registry:        reg,
		serviceProfiles: serviceProfiles,
		oauthMgr:        oauthMgr,
		dispatcher:      dispatcher,
		server:          server,
	}, nil
}

// Start launches the HTTP server in the background.
func (a *App) Start(ctx context.Context) error {
	return a.server.Start(ctx)
}

// Stop gracefully shuts the HTTP server and config watcher down.
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil {
		return err
	}
	return a.watcher.Close()
}

func releaseModeFor(cfg *config.Config) string {
	if cfg.Log.Level == "debug" {
		return "debug"
	}
	return "production"
}
