package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/archive"
	"github.com/mtzanidakis/tierflow/internal/audit"
	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/engine"
	"github.com/mtzanidakis/tierflow/internal/ipc"
	"github.com/mtzanidakis/tierflow/internal/natsbus"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/router"
	"github.com/mtzanidakis/tierflow/internal/scheduler"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mtzanidakis/tierflow/internal/store"
	"github.com/mtzanidakis/tierflow/internal/telegram"
	"github.com/mtzanidakis/tierflow/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("tierflow %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "archives":
		if err := runArchives(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: tierflow <command>\n\nCommands:\n  gateway    Start the tierflow gateway service\n  archives   List or inspect archived swarms\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := setupLogging(cfg.Log)
	slog.Info("starting tierflow gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer client.Close()
	eventBus := natsbus.NewEventBus(client)

	// Audit log
	sink := audit.NewSink(db)
	if err := sink.Start(eventBus); err != nil {
		return fmt.Errorf("start audit sink: %w", err)
	}
	defer sink.Stop()

	// Resource accounting
	tiers, err := cfg.TierConfigs()
	if err != nil {
		return err
	}
	res := resources.NewManager(eventBus, tiers)
	go res.Start(ctx)

	validator := security.NewValidator(eventBus)

	// Tool approvals
	approvals := approval.NewService(eventBus, cfg.Approval.Timeout, cfg.Approval.Retention)
	go approvals.Start(ctx)

	mode, err := conversation.ParseMode(cfg.Engine.DefaultMode)
	if err != nil {
		return fmt.Errorf("engine.default_mode: %w", err)
	}
	eng := engine.New(engine.Deps{
		Store:      db,
		Resources:  res,
		Validator:  validator,
		Approvals:  approvals,
		Responder:  natsbus.NewResponder(client, 0),
		Tools:      natsbus.NewToolRunner(client, 0),
		Transcript: db,
		Archiver:   archive.New(cfg.Archive.Dir),
		Bus:        eventBus,
		Selector:   router.Select,
	}, engine.Config{
		DefaultMode:        mode,
		AdaptiveTokenFloor: cfg.Engine.AdaptiveTokenFloor,
		ApprovalTools:      cfg.Engine.ApprovalTools,
		HistoryLimit:       cfg.Engine.HistoryLimit,
	})

	// Scheduler
	sched := scheduler.New(db, eng, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Operator IPC
	handler := ipc.NewHandler(eng, approvals, db, validator)
	if err := handler.Start(client, cfg.NATS.Instance); err != nil {
		return err
	}
	defer handler.Stop()

	// Telegram approvals
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, approvals, validator, eventBus)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		defer bot.Stop()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(eng, approvals, validator, eventBus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Config hot reload
	watcher, err := config.NewWatcher(config.Path(), cfg, func(next *config.Config, d config.ConfigDiff) {
		applyConfig(next, d, res, approvals, sched, logLevel)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	if err := client.Flush(); err != nil {
		slog.Warn("flush nats client failed", "error", err)
	}
	return nil
}

// applyConfig pushes the reloadable parts of a changed config into the
// running services.
func applyConfig(next *config.Config, d config.ConfigDiff, res *resources.Manager, approvals *approval.Service, sched *scheduler.Scheduler, level *slog.LevelVar) {
	if len(d.TiersChanged) > 0 {
		tiers, err := next.TierConfigs()
		if err != nil {
			slog.Error("config reload: bad tier config", "error", err)
		} else {
			res.UpdateConfigs(tiers)
			slog.Info("config reload: tier limits updated", "tiers", strings.Join(d.TiersChanged, ","))
		}
	}
	if d.ApprovalChanged {
		approvals.SetTimeout(d.NewApproval.Timeout)
		slog.Info("config reload: approval timeout updated", "timeout", d.NewApproval.Timeout)
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewPollInterval)
		slog.Info("config reload: scheduler updated", "poll_interval", d.NewPollInterval.PollInterval)
	}
	if d.LogLevelChanged {
		level.Set(parseLevel(d.NewLogLevel))
		slog.Info("config reload: log level updated", "level", d.NewLogLevel)
	}
	for _, field := range d.NonReloadable {
		slog.Warn("config reload: change needs a restart", "field", field)
	}
}
