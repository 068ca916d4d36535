// Package bot implements lifecycle management and component orchestration for
// the messaging bot: the WhatsApp session, the reconciler, the HTTP API and
// the task scheduler run as one supervised unit.
package bot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/convosync/convosync/internal/api"
	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/database"
	"github.com/convosync/convosync/internal/syncer"
	"github.com/convosync/convosync/internal/whatsapp"
)

// Bot represents the main application and manages its components' lifecycle.
type Bot struct {
	logger     *slog.Logger
	cfg        *config.Config
	db         *sqlx.DB
	store      database.Store
	waClient   *whatsapp.Client
	reconciler *syncer.Reconciler
	apiServer  *api.Server
	scheduler  *Scheduler
}

// NewBot creates a new instance of the bot with all required dependencies.
func NewBot(
	logger *slog.Logger,
	cfg *config.Config,
	db *sqlx.DB,
	store database.Store,
	waClient *whatsapp.Client,
	reconciler *syncer.Reconciler,
	apiServer *api.Server,
	scheduler *Scheduler,
) *Bot {
	return &Bot{
		logger:     logger.With("component", "bot_orchestrator"),
		cfg:        cfg,
		db:         db,
		store:      store,
		waClient:   waClient,
		reconciler: reconciler,
		apiServer:  apiServer,
		scheduler:  scheduler,
	}
}

// Run starts all components and blocks until the context is cancelled or a
// component fails. The first component error cancels the rest.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("Starting WhatsApp session...")
		err := b.waClient.Run(gCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("WhatsApp session stopped with error", "error", err)
			return err
		}
		b.logger.Info("WhatsApp session stopped.")
		return nil
	})

	g.Go(func() error {
		b.logger.Info("Starting reconciler...")
		err := b.reconciler.Run(gCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("Reconciler stopped with error", "error", err)
			return err
		}
		b.logger.Info("Reconciler stopped.")
		return nil
	})

	g.Go(func() error {
		b.logger.Info("Starting API server...", "addr", b.cfg.API.Addr)
		err := b.apiServer.Run(gCtx, b.cfg.API.Addr)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("API server stopped with error", "error", err)
			return err
		}
		b.logger.Info("API server stopped.")
		return nil
	})

	g.Go(func() error {
		b.logger.Info("Starting scheduler...")
		if err := b.scheduler.Start(); err != nil {
			b.logger.Error("Failed to start scheduler", "error", err)
			return err
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler...")
		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	b.logger.Info("Bot orchestrator running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully.")
	return nil
}
