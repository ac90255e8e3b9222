package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/warden/internal/backend"
	"github.com/neboloop/warden/internal/config"
	"github.com/neboloop/warden/internal/contextmgr"
	"github.com/neboloop/warden/internal/crashtrack"
	"github.com/neboloop/warden/internal/daemon"
	"github.com/neboloop/warden/internal/db"
	"github.com/neboloop/warden/internal/logging"
	"github.com/neboloop/warden/internal/notify"
	"github.com/neboloop/warden/internal/supervisor"
	"github.com/neboloop/warden/internal/tasksource"
)

// exitCrashLimit distinguishes an escalated stop from a clean one for
// operators and process managers.
const exitCrashLimit = 2

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runSupervisor()
		},
	}
}

func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFrom(flagConfig)
	}
	return config.Load()
}

func runSupervisor() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer sqlDB.Close()

	tracker := crashtrack.New(crashtrack.Options{
		MaxCrashes:     cfg.MaxCrashes,
		HistoryWindow:  cfg.CrashHistoryWindow,
		CategoryWindow: cfg.CategorySampleWindow,
		RateWindow:     cfg.CrashRateWindowMins,
		Store:          crashtrack.NewStore(sqlDB),
	})
	contexts := contextmgr.New(contextmgr.Options{
		CompactInterval: cfg.CompactInterval,
		MaxTokens:       cfg.MaxTokensBeforeCompact,
		MaxAge:          cfg.MaxContextAge.Duration,
		Store:           contextmgr.NewStore(sqlDB),
	})

	be, err := backend.New(cfg.Provider)
	if err != nil {
		return err
	}

	source, err := tasksource.NewFileSource(cfg.TaskFile)
	if err != nil {
		return fmt.Errorf("open task file %s: %w", cfg.TaskFile, err)
	}
	defer source.Close()

	loop := supervisor.New(supervisor.Options{
		Backend:                be,
		Source:                 source,
		Tracker:                tracker,
		Contexts:               contexts,
		Sink:                   buildSink(cfg.Notify),
		Backoff:                supervisor.BackoffFor(cfg.BackoffPolicy, cfg.CrashSleepInterval.Duration),
		NormalSleep:            cfg.NormalSleepInterval.Duration,
		CrashSleep:             cfg.CrashSleepInterval.Duration,
		ResetTimeout:           cfg.ResetTimeout.Duration,
		ResetClearsCrashStreak: cfg.ResetClearsCrashStreak,
	})

	if cfg.HygieneSchedule != "" {
		hygiene, err := daemon.NewHygiene(cfg.HygieneSchedule, loop, tracker, contexts)
		if err != nil {
			return err
		}
		hygiene.Start()
		defer hygiene.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Infof("received signal %v, shutting down", sig)
		loop.Stop()
		cancel()
	}()

	logging.Infof("warden starting: provider=%s tasks=%s max_crashes=%d",
		cfg.Provider.Type, cfg.TaskFile, cfg.MaxCrashes)

	err = loop.Run(ctx)
	logging.Sync()
	if errors.Is(err, supervisor.ErrCrashLimit) {
		os.Exit(exitCrashLimit)
	}
	return err
}

func buildSink(cfg config.NotifyConfig) notify.Sink {
	var sinks notify.MultiSink
	sinks = append(sinks, notify.LogSink{})
	if cfg.Desktop {
		sinks = append(sinks, notify.DesktopSink{})
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.WebhookSink{URL: cfg.WebhookURL})
	}
	return sinks
}
