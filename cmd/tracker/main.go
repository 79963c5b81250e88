package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"medication_dose_tracker/internal/app"
	"medication_dose_tracker/internal/domain/medication"
	"medication_dose_tracker/internal/domain/schedule"
	"medication_dose_tracker/internal/infra/config"
	idb "medication_dose_tracker/internal/infra/database"
	"medication_dose_tracker/internal/infra/logger"
	"medication_dose_tracker/internal/infra/memory"
	"medication_dose_tracker/internal/infra/scheduler"
	"medication_dose_tracker/internal/live"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("FATAL: Could not load application configuration: %v", err)
	}
	logger.Init(cfg)
	mainLogger := logger.Component("main")
	mainLogger.WithFields(logrus.Fields{
		"store":       cfg.StoreDriver,
		"environment": cfg.Environment,
		"overflow":    cfg.OverflowPolicy,
	}).Info("Configuration loaded.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := live.NewHub()
	group, groupCtx := errgroup.WithContext(ctx)

	// Initialize Repository
	var repo medication.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		repo = memory.NewMedicationRepo(hub)
		mainLogger.Warn("Using in-memory store, data will not survive a restart.")
	default:
		db := openPostgres(ctx, cfg, mainLogger)
		defer db.Close()
		repo = idb.NewPostgresMedicationRepository(db, hub, logger.Component("repository"))

		if cfg.ListenForChanges {
			listener, err := idb.NewChangeListener(cfg.DatabaseURL, hub, logger.Component("change_listener"))
			if err != nil {
				mainLogger.Fatalf("FATAL: Could not start change listener: %v", err)
			}
			group.Go(func() error { return listener.Run(groupCtx) })
			mainLogger.Info("Listening for changes made by other connections.")
		}
	}

	doseService := app.NewDoseServiceImpl(repo, schedule.NewGenerator(cfg.OverflowPolicy), logger.Component("dose_service"),
		app.DoseServiceOptions{
			PostponeStep: cfg.PostponeStep,
			MaxPostpones: cfg.MaxPostpones,
			MissedGrace:  cfg.MissedDoseGrace,
		})

	sweeper := scheduler.NewMissedDoseSweeper(doseService, logger.Component("scheduler"), cfg.CronSpecMissedDoseSweep)
	if err := sweeper.Start(); err != nil {
		mainLogger.Fatalf("FATAL: Could not start missed dose sweeper: %v", err)
	}

	mainLogger.Info("Application setup complete.")
	group.Go(func() error {
		<-groupCtx.Done()
		sweeper.Stop()
		return nil
	})

	if err := group.Wait(); err != nil {
		mainLogger.WithError(err).Error("Shut down with error.")
		return
	}
	mainLogger.Info("Application shut down gracefully.")
}

func openPostgres(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) *sql.DB {
	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: Could not connect to database: %v", err)
	}
	if err := idb.Migrate(ctx, db); err != nil {
		db.Close()
		log.Fatalf("FATAL: Could not migrate database schema: %v", err)
	}
	log.Info("Database connection established and schema is up to date.")
	return db
}
