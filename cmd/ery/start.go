package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/ery/internal/agent"
	"github.com/zulandar/ery/internal/agent/openrouter"
	"github.com/zulandar/ery/internal/auditlog"
	"github.com/zulandar/ery/internal/batcher"
	"github.com/zulandar/ery/internal/bot"
	"github.com/zulandar/ery/internal/config"
	"github.com/zulandar/ery/internal/dashboard"
	"github.com/zulandar/ery/internal/db"
	"github.com/zulandar/ery/internal/documents"
	"github.com/zulandar/ery/internal/gateway"
	"github.com/zulandar/ery/internal/reaper"
	"github.com/zulandar/ery/internal/telemetry"
	"github.com/zulandar/ery/internal/threads"
	"github.com/zulandar/ery/internal/tools"
	"github.com/zulandar/ery/internal/tools/discordtools"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to Discord and process messages",
		Long:  "Connects to the Discord gateway, batches incoming messages and runs each sealed batch as a task thread until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cmd.ErrOrStderr(), cfg.Logging)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	defer db.Close(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	tel, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Version:     Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	components, err := buildApp(cfg, gormDB, tel, log)
	if err != nil {
		return err
	}

	if cfg.Dashboard.Port > 0 {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:      gormDB,
				Port:    cfg.Dashboard.Port,
				Queues:  components.batcher,
				Threads: components.threads,
				Logger:  log,
				Version: Version,
			})
			if err != nil {
				log.Error("dashboard stopped", "error", err)
			}
		}()
		log.Info("dashboard listening", "port", cfg.Dashboard.Port)
	}

	log.Info("starting ery", "version", Version, "model", cfg.AI.Model, "ai_enabled", cfg.AIEnabled())
	if err := components.bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("ery stopped")
	return nil
}

// app is the wired component graph for one process.
type app struct {
	gateway *gateway.Gateway
	batcher *batcher.Batcher
	threads *threads.Manager
	reaper  *reaper.Reaper
	bot     *bot.Bot
}

// buildApp wires every component from cfg without opening the gateway.
func buildApp(cfg *config.Config, gormDB *gorm.DB, tel *telemetry.Provider, log *slog.Logger) (*app, error) {
	audit := auditlog.New(gormDB, log)
	docs := documents.NewStore(gormDB)

	gw, err := gateway.New(gateway.Opts{
		BotToken:   cfg.Discord.Token,
		AllowDMs:   cfg.Discord.AllowDMs,
		IgnoreBots: cfg.IgnoreBotAuthors(),
		MaxRetries: cfg.Discord.MaxRetries,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(log)
	if err := discordtools.Register(registry, discordtools.Deps{
		Platform:  gw,
		Documents: docs,
		Audit:     audit,
	}); err != nil {
		return nil, err
	}
	executor, err := tools.NewExecutor(tools.ExecutorOpts{
		Registry:  registry,
		Audit:     audit,
		Logger:    log,
		Telemetry: tel,
	})
	if err != nil {
		return nil, err
	}

	provider := openrouter.New(openrouter.Opts{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Timeout: cfg.AI.Timeout,
		Title:   "Ery",
	})
	if !provider.Ready() {
		log.Warn("no AI api key configured; task threads will fail until AI_API_KEY is set")
	}
	runner, err := agent.New(agent.Opts{
		Provider:          provider,
		Tools:             executor,
		Permissions:       gw,
		Identity:          gw,
		Audit:             audit,
		Model:             cfg.AI.Model,
		FallbackModel:     cfg.AI.FallbackModel,
		MaxTokens:         cfg.AI.MaxTokens,
		Temperature:       cfg.AI.Temperature,
		MaxIterations:     cfg.Agent.MaxIterations,
		MaxProcessingTime: cfg.Agent.MaxProcessingTime,
		ExcerptLength:     cfg.Agent.ReplyExcerptLength,
		ExcerptSuffix:     cfg.Agent.ReplyExcerptSuffix,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		AllowDMs:          cfg.Discord.AllowDMs,
		Logger:            log,
		Telemetry:         tel,
	})
	if err != nil {
		return nil, err
	}

	store, err := threads.NewStore(gormDB)
	if err != nil {
		return nil, err
	}
	manager, err := threads.NewManager(threads.ManagerOpts{
		Store:             store,
		Runner:            runner,
		MaxActivePerGuild: cfg.Threads.MaxActivePerGuild,
		Timeout:           cfg.Threads.Timeout,
		Logger:            log,
		Telemetry:         tel,
	})
	if err != nil {
		return nil, err
	}

	b, err := batcher.New(batcher.Opts{
		MessageCount:  cfg.Batching.MessageCount,
		TimeWindow:    cfg.Batching.TimeWindow,
		MaxQueueAge:   cfg.Batching.MaxQueueAge,
		MaxReplyDepth: cfg.Batching.ReplyChainMaxDepth,
		MaxReplyAge:   cfg.Batching.ReplyChainMaxAge,
		Identity:      gw,
		History:       gw,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	rp, err := reaper.New(reaper.Opts{
		Batcher:        b,
		Threads:        manager,
		QueueInterval:  cfg.Batching.QueueCleanupInterval,
		ThreadInterval: cfg.Threads.CleanupInterval,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	bt, err := bot.New(bot.Opts{
		Gateway:         gw,
		Batcher:         b,
		Threads:         manager,
		Reaper:          rp,
		ShutdownTimeout: cfg.Threads.Timeout,
		Logger:          log,
		Telemetry:       tel,
	})
	if err != nil {
		return nil, err
	}

	return &app{gateway: gw, batcher: b, threads: manager, reaper: rp, bot: bt}, nil
}
