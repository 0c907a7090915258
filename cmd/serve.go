package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/config"
	"github.com/nextlevelbuilder/foreman/internal/gateway"
	"github.com/nextlevelbuilder/foreman/internal/heartbeat"
	"github.com/nextlevelbuilder/foreman/internal/kanban"
	"github.com/nextlevelbuilder/foreman/internal/notify"
	"github.com/nextlevelbuilder/foreman/internal/orchestrator"
	"github.com/nextlevelbuilder/foreman/internal/steering"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/internal/tracing"
)

// shutdownTimeout bounds the drain of running agents on exit.
const shutdownTimeout = 35 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, heartbeat scheduler, and API gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("serve.config_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(ctx, "foreman", cfg.Tracing.OTLPEndpoint)
		if err != nil {
			slog.Error("serve.tracing_failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	st, err := store.Open(cfg.DatabasePath(), cfg.Security.MessageEncryptionKey)
	if err != nil {
		slog.Error("serve.store_failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hub := bus.New()
	queue := kanban.New(st, hub)
	corrections := steering.New(st)

	var notifier orchestrator.Notifier = orchestrator.NopNotifier{}
	tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.UserID)
	if err != nil {
		slog.Warn("serve.telegram_disabled", "error", err)
	} else if tg != nil {
		notifier = tg
		slog.Info("serve.telegram_enabled")
	}

	workspace := config.ExpandHome(cfg.Workspace.Path)
	manager := orchestrator.NewManager(st, queue, corrections, hub, orchestrator.Options{
		MaxConcurrent:  cfg.Agents.MaxConcurrent,
		DefaultTimeout: cfg.AgentTimeout(),
		WorkspacePath:  workspace,
		Notifier:       notifier,
	})

	scheduler := heartbeat.New(st, queue, manager, hub, heartbeat.Options{
		TickSchedule:  cfg.Heartbeat.TickSchedule,
		SynthSchedule: cfg.Heartbeat.SynthSchedule,
		ChecklistPath: cfg.ChecklistPath(),
		BlockedRetry:  cfg.BlockedRetry(),
		MaxConcurrent: cfg.Agents.MaxConcurrent,
		DefaultAgent:  store.AgentKind(cfg.Agents.DefaultAgent),
		WorkspacePath: workspace,
		Notifier:      notifier,
	})

	server := gateway.NewServer(cfg, hub, st, queue, manager, scheduler)

	go scheduler.Run(ctx)

	slog.Info("serve.started", "workspace", workspace, "db", cfg.DatabasePath())
	if err := server.Start(ctx); err != nil {
		slog.Error("serve.gateway_failed", "error", err)
	}

	// The gateway has drained; give running agents their grace period.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	manager.ShutdownAll(drainCtx)
	slog.Info("serve.stopped")
}
