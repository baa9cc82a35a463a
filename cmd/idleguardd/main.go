// idleguardd hosts the idle-session guard behind a local unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zach-source/idleguard/internal/config"
	"github.com/zach-source/idleguard/internal/fetch"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	sock           string
	verbose        bool
	dryRun         bool
	flagStore      string
	redisAddr      string
	settingsURL    string
	settingsFile   string
	enableAuditLog bool
	auditDays      int
	writeConfig    bool
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "idleguardd:", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "idleguardd",
		Short:         "Idle-session guard daemon",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadDaemon()
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, opts)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if opts.writeConfig {
				if err := cfg.Save(); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				path, err := config.DaemonConfigPath()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(stdout, "wrote", path)
				return err
			}

			logger := newLogger(stderr, cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.dryRun, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.sock, "sock", "", "unix socket path (default: XDG runtime dir)")
	f.BoolVar(&opts.verbose, "verbose", false, "human-readable debug logging; also logs every timeout action")
	f.BoolVar(&opts.dryRun, "dry-run", false, "log timeout actions instead of sending them to clients")
	f.StringVar(&opts.flagStore, "flag-store", "", "logout flag store: file|memory|redis")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "redis address for --flag-store=redis")
	f.StringVar(&opts.settingsURL, "settings-url", "", "URL of the timeout settings service")
	f.StringVar(&opts.settingsFile, "settings-file", "", "JSON or YAML settings file")
	f.BoolVar(&opts.enableAuditLog, "enable-audit-log", false, "enable structured audit logging to file")
	f.IntVar(&opts.auditDays, "audit-log-retention-days", 30, "number of days to keep audit logs (0 = keep all)")
	f.BoolVar(&opts.writeConfig, "write-config", false, "save the effective configuration to config.yaml and exit")
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Daemon, opts options) {
	f := cmd.Flags()
	if f.Changed("sock") {
		cfg.SocketPath = opts.sock
	}
	if f.Changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if f.Changed("flag-store") {
		cfg.FlagStore = opts.flagStore
	}
	if f.Changed("redis-addr") {
		cfg.RedisAddr = opts.redisAddr
	}
	if f.Changed("settings-url") {
		cfg.SettingsURL = opts.settingsURL
	}
	if f.Changed("settings-file") {
		cfg.SettingsFile = opts.settingsFile
	}
	if f.Changed("enable-audit-log") {
		cfg.EnableAuditLog = opts.enableAuditLog
	}
	if f.Changed("audit-log-retention-days") {
		cfg.AuditRetentionDays = opts.auditDays
	}
}

func newLogger(w io.Writer, cfg *config.Daemon) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.Verbose {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	return logger.Level(level)
}

func serve(ctx context.Context, cfg *config.Daemon, dryRun bool, logger zerolog.Logger) error {
	d, err := build(ctx, cfg, dryRun, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Info().
		Str("flag_store", d.server.FlagStore).
		Dur("inactivity", cfg.InactivityTimeout).
		Dur("countdown", cfg.LogoutCountdown).
		Bool("dry_run", dryRun).
		Msg("starting idleguardd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Serve(gctx) })
	if d.server.Settings != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		g.Go(func() error {
			reloadSettings(gctx, hup, d.server.Settings, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		d.guard.Detach()
		return nil
	})
	return g.Wait()
}

// reloadSettings warms the settings cache so the first attach does not wait
// on the network, then drops and refetches it on every hangup signal.
func reloadSettings(ctx context.Context, hup <-chan os.Signal, settings *fetch.Cached, logger zerolog.Logger) {
	for {
		if _, err := settings.Fetch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug().Err(err).Msg("settings prefetch")
		}
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info().Str("source", settings.Name()).Msg("reloading settings")
			settings.Invalidate()
		}
	}
}
