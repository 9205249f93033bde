package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g960059/devhook/internal/action"
	"github.com/g960059/devhook/internal/config"
	"github.com/g960059/devhook/internal/daemon"
	"github.com/g960059/devhook/internal/db"
	"github.com/g960059/devhook/internal/device"
	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/metrics"
	"github.com/g960059/devhook/internal/monitor"
	"github.com/g960059/devhook/internal/notify"
	"github.com/g960059/devhook/internal/process"
)

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		fatal(err)
	}
	defer closeLog() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("devhookd exited")
		_ = closeLog()
		os.Exit(1)
	}
}

func parseFlags(args []string, errOut io.Writer) (config.Config, error) {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("devhookd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for devhookd")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite journal path")
	fs.StringVar(&cfg.ActionsPath, "actions", cfg.ActionsPath, "device action file")
	fs.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "device poll interval")
	fs.IntVar(&cfg.DegradedAfterFailures, "degraded-after", cfg.DegradedAfterFailures, "consecutive poll failures before degraded")
	fs.StringVar(&cfg.Provider, "provider", cfg.Provider, "device provider: auto, udev or sysfs")
	fs.StringVar(&cfg.SysfsRoot, "sysfs-root", cfg.SysfsRoot, "sysfs mount point")
	fs.BoolVar(&cfg.DesktopNotify, "desktop-notify", cfg.DesktopNotify, "show desktop notifications")
	fs.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS server URL for publishing notifications")
	fs.StringVar(&cfg.NATSSubject, "nats-subject", cfg.NATSSubject, "NATS subject prefix")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "TCP address for /metrics (disabled when empty)")
	fs.DurationVar(&cfg.JournalRetention, "retention", cfg.JournalRetention, "journal retention (0 keeps everything)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	fs.StringVar(&cfg.Log.Output, "log-output", cfg.Log.Output, "log output: stdout, stderr or file")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "log file when --log-output=file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments: %v", fs.Args())
		_, _ = fmt.Fprintln(errOut, err)
		return cfg, err
	}
	if cfg.PollInterval <= 0 {
		err := fmt.Errorf("--interval must be positive")
		_, _ = fmt.Fprintln(errOut, err)
		return cfg, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, log logger.Logger) error {
	store, err := db.OpenMigrated(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	provider, err := device.New(cfg, log.WithComponent("device"))
	if err != nil {
		return err
	}
	actions := action.NewFileStore(cfg.ActionsPath, log.WithComponent("actions"))
	if _, err := actions.Refresh(); err != nil {
		log.Warn().Err(err).Str("path", cfg.ActionsPath).Msg("action file not loaded")
	}
	executor := action.NewExecutor(process.NewSystemInspector(), log.WithComponent("action"))

	m := metrics.New()
	hub := notify.NewHub(log.WithComponent("notify"), cfg.NotifyBuffer)
	hub.OnDrop(m.NotificationDropped)
	hub.AddSink(notify.NewLogSink(log.WithComponent("notify")))
	if cfg.DesktopNotify {
		hub.AddSink(notify.NewDesktopSink())
	}
	if sink := dialNATSSink(cfg, log); sink != nil {
		defer sink.Close()
		hub.AddSink(sink)
	}
	hub.Start()
	defer hub.Close()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
			}
		}()
	}

	loop := monitor.New(monitor.Options{
		Provider: provider,
		Actions:  actions,
		Executor: executor,
		Log:      log.WithComponent("monitor"),
		Interval: cfg.PollInterval,
		Health: monitor.HealthPolicy{
			DegradedAfterFailures: cfg.DegradedAfterFailures,
			RecoverAfterSuccesses: cfg.RecoverAfterSuccesses,
		},
		Publisher: hub,
		Journal:   store,
		Metrics:   m,
	})
	if err := loop.Start(ctx); err != nil {
		return err
	}
	defer loop.Stop()

	startRetentionLoop(ctx, store, cfg.JournalRetention, log)

	srv := daemon.NewServer(cfg, daemon.Deps{
		Store:    store,
		Monitor:  loop,
		Provider: provider,
		Actions:  actions,
		Hub:      hub,
		Log:      log,
	})
	return srv.Start(ctx)
}

// dialNATSSink returns nil when NATS is not configured or the URL is
// unusable. The daemon runs without the sink in that case.
func dialNATSSink(cfg config.Config, log logger.Logger) *notify.NATSSink {
	if cfg.NATSURL == "" {
		return nil
	}
	sink, err := notify.DialNATS(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats sink disabled")
		return nil
	}
	return sink
}

// purgeJournal drops journal rows older than retention. A non-positive
// retention keeps everything.
func purgeJournal(ctx context.Context, store *db.Store, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return store.PurgeOlderThan(ctx, now.Add(-retention))
}

func startRetentionLoop(ctx context.Context, store *db.Store, retention time.Duration, log logger.Logger) {
	if retention <= 0 {
		return
	}
	run := func() {
		removed, err := purgeJournal(ctx, store, retention, time.Now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("journal retention purge failed")
			}
			return
		}
		if removed > 0 {
			log.Info().Int64("removed", removed).Msg("journal retention purge")
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "devhookd: %v\n", err)
	os.Exit(1)
}
