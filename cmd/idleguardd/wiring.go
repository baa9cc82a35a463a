package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zach-source/idleguard/internal/action"
	"github.com/zach-source/idleguard/internal/activity"
	"github.com/zach-source/idleguard/internal/audit"
	"github.com/zach-source/idleguard/internal/clock"
	"github.com/zach-source/idleguard/internal/config"
	"github.com/zach-source/idleguard/internal/fetch"
	"github.com/zach-source/idleguard/internal/metrics"
	"github.com/zach-source/idleguard/internal/policy"
	"github.com/zach-source/idleguard/internal/server"
	"github.com/zach-source/idleguard/internal/session"
	"github.com/zach-source/idleguard/internal/storage"
)

const flagTTL = 24 * time.Hour

// daemon is everything serve needs, built from a config.
type daemon struct {
	guard  *session.Guard
	server *server.Server
	closer []func() error
}

func (d *daemon) Close() {
	for i := len(d.closer) - 1; i >= 0; i-- {
		_ = d.closer[i]()
	}
}

func build(ctx context.Context, cfg *config.Daemon, dryRun bool, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{}

	flags, closeFlags, err := newFlagStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeFlags != nil {
		d.closer = append(d.closer, closeFlags)
	}

	pol, polPath, err := policy.Load()
	if err != nil {
		logger.Warn().Err(err).Str("path", polPath).Msg("failed to load access policy, allowing all")
		pol = policy.Policy{Allow: []policy.Rule{}}
	} else {
		logger.Debug().Str("path", polPath).Int("rules", len(pol.Allow)).Msg("loaded access policy")
	}

	auditLogger, err := newAuditLogger(cfg, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closer = append(d.closer, auditLogger.Close)

	m := metrics.New()
	hub := server.NewHub(logger, m)
	settings := newSettings(cfg, logger)

	opts := session.Options{
		Bus:          activity.NewBus(logger),
		Clock:        clock.Real{},
		PollInterval: cfg.PollInterval,
		Defaults:     cfg.Timeouts(),
		Flags:        flags,
		Dispatcher: &action.Dispatcher{
			Resolver:  action.Resolver{LogoutPath: cfg.LogoutPath},
			Navigator: newNavigator(hub, dryRun, cfg.Verbose, logger),
			Logger:    logger,
		},
		Audit:   auditLogger,
		Metrics: m,
		Logger:  logger,
	}
	if settings != nil {
		opts.Fetcher = settings
	}
	d.guard = session.NewGuard(opts)

	d.server = &server.Server{
		SockPath:   cfg.SocketPath,
		Guard:      d.guard,
		Hub:        hub,
		Settings:   settings,
		FlagStore:  flags.Name(),
		Policy:     pol,
		PolicyPath: polPath,
		Audit:      auditLogger,
		Metrics:    m,
		Logger:     logger,
	}
	return d, nil
}

// newNavigator sends timeout actions to the connected agents. A dry run
// only logs them; verbose mode logs them as well.
func newNavigator(hub action.Navigator, dryRun, verbose bool, logger zerolog.Logger) action.Navigator {
	logNav := action.LogNavigator{Logger: logger}
	switch {
	case dryRun:
		return logNav
	case verbose:
		return action.Multi{hub, logNav}
	}
	return hub
}

// newFlagStore opens the configured logout-flag store. The returned close
// func may be nil.
func newFlagStore(ctx context.Context, cfg *config.Daemon) (storage.FlagStore, func() error, error) {
	switch cfg.FlagStore {
	case config.FlagStoreMemory:
		return storage.NewMemory(), nil, nil
	case config.FlagStoreRedis:
		r := storage.NewRedis(storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      flagTTL,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("redis flag store %s: %w", cfg.RedisAddr, err)
		}
		return r, r.Close, nil
	case config.FlagStoreFile, "":
		f, err := storage.NewFile("")
		if err != nil {
			return nil, nil, err
		}
		return f, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown flag store %q", cfg.FlagStore)
}

// newSettings chains the configured settings sources behind a cache. It
// returns nil when no source is configured.
func newSettings(cfg *config.Daemon, logger zerolog.Logger) *fetch.Cached {
	var sources []fetch.Fetcher
	if cfg.SettingsFile != "" {
		sources = append(sources, fetch.File{Path: cfg.SettingsFile})
	}
	if cfg.SettingsURL != "" {
		var opts []fetch.HTTPOption
		if cfg.SettingsToken != "" {
			opts = append(opts, fetch.WithHeader("Authorization", "Bearer "+cfg.SettingsToken))
		}
		sources = append(sources, fetch.NewHTTP(cfg.SettingsURL, cfg.FetchTimeout, opts...))
	}
	switch len(sources) {
	case 0:
		return nil
	case 1:
		return fetch.NewCached(sources[0], cfg.SettingsTTL, cfg.FetchTimeout, logger)
	}
	return fetch.NewCached(fetch.NewMulti(sources...), cfg.SettingsTTL, cfg.FetchTimeout, logger)
}

func newAuditLogger(cfg *config.Daemon, logger zerolog.Logger) (*audit.Logger, error) {
	if !cfg.EnableAuditLog {
		return audit.NewLogger(false, logger)
	}
	rc := audit.DefaultRollerConfig()
	rc.MaxDays = cfg.AuditRetentionDays
	l, err := audit.NewLoggerWithConfig(true, rc, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	logger.Info().Int("retention_days", rc.MaxDays).Msg("audit logging enabled")
	return l, nil
}
