// Package main contains the entrypoint for the messaging bot application.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convosync/convosync/internal/api"
	"github.com/convosync/convosync/internal/bot"
	"github.com/convosync/convosync/internal/bot/tasks"
	"github.com/convosync/convosync/internal/chatlog"
	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/database"
	"github.com/convosync/convosync/internal/dedup"
	"github.com/convosync/convosync/internal/logger"
	"github.com/convosync/convosync/internal/syncer"
	"github.com/convosync/convosync/internal/transcribe"
	"github.com/convosync/convosync/internal/whatsapp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, db, chat log, WhatsApp
// session, reconciler, API, scheduler), starts the orchestrator, and returns
// an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	chatLog := chatlog.New(cfg.ChatLog.Path, log)

	var transcriber transcribe.Transcriber
	if cfg.Transcriber.APIKey != "" {
		transcriber, err = transcribe.NewTranscriber(ctx, cfg.Transcriber, log)
		if err != nil {
			log.Error("Failed to initialize transcriber", "error", err)
			return 1
		}
	} else {
		log.Warn("Transcriber API key not set, voice note transcription disabled")
	}

	waClient, err := whatsapp.New(ctx, cfg.WhatsApp, chatLog, transcriber, log)
	if err != nil {
		log.Error("Failed to initialize WhatsApp session", "error", err)
		return 1
	}

	reconciler := syncer.New(store, chatLog, cfg.Bot.Name, cfg.Bot.Identifier, cfg.Sync, log)
	apiServer := api.NewServer(store, chatLog, waClient, cfg.Bot.Identifier, log)

	tDeps := tasks.TaskDeps{
		Logger:       log,
		Store:        store,
		Deduplicator: dedup.New(store, log),
		Config:       cfg,
	}
	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.NewBot(log, cfg, db, store, waClient, reconciler, apiServer, sched)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)
	log.Info("Bot run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
