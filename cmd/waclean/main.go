// Package main contains the waclean entrypoint: a one-shot cleanup tool that
// merges duplicate conversations and removes duplicate messages from the
// durable store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/database"
	"github.com/convosync/convosync/internal/dedup"
	"github.com/convosync/convosync/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	botID := flag.Int64("bot-id", 0, "Restrict conversation cleanup to one bot (0 = all bots)")
	conversationID := flag.Int64("conversation-id", 0, "Restrict message cleanup to one conversation (0 = all)")
	skipConversations := flag.Bool("skip-conversations", false, "Skip the conversation merge phase")
	skipMessages := flag.Bool("skip-messages", false, "Skip the message cleanup phase")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)

	store := database.NewStore(db, log)
	cleaner := dedup.New(store, log)

	if !*skipConversations {
		report, err := cleaner.CleanConversations(ctx, *botID)
		if err != nil {
			log.Error("Conversation cleanup failed", "error", err)
			return 1
		}
		fmt.Printf("Conversations: %d unique, %d duplicates removed, %d messages migrated\n",
			report.UniqueConversations, report.DuplicatesRemoved, report.MessagesMigrated)
	}

	if !*skipMessages {
		removed, err := cleaner.CleanMessages(ctx, *conversationID)
		if err != nil {
			log.Error("Message cleanup failed", "error", err)
			return 1
		}
		fmt.Printf("Messages: %d duplicates removed\n", removed)
	}

	fmt.Println("Cleanup complete.")
	return 0
}
