package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const sweepTimeout = 1 * time.Minute

// Sweeper is the part of the dose service the scheduler drives.
type Sweeper interface {
	SweepMissedDoses(ctx context.Context) (int, error)
}

// MissedDoseSweeper periodically reconciles overdue pending doses to MISSED.
type MissedDoseSweeper struct {
	cronEngine *cron.Cron
	sweeper    Sweeper
	logger     *logrus.Entry
	cronSpec   string
}

func NewMissedDoseSweeper(sweeper Sweeper, logger *logrus.Entry, cronSpec string) *MissedDoseSweeper {
	return &MissedDoseSweeper{
		cronEngine: cron.New(cron.WithLocation(time.Local)), // Use server's local time for cron
		sweeper:    sweeper,
		logger:     logger,
		cronSpec:   cronSpec, // e.g., "*/15 * * * *" (every 15 minutes)
	}
}

// Start registers the sweep job and starts the cron engine. It fails on an invalid cron expression.
func (s *MissedDoseSweeper) Start() error {
	s.logger.Info("Starting missed dose sweeper...")

	_, err := s.cronEngine.AddFunc(s.cronSpec, s.runOnce)
	if err != nil {
		return fmt.Errorf("could not add missed dose sweep job %q: %w", s.cronSpec, err)
	}

	s.cronEngine.Start()
	s.logger.WithField("spec", s.cronSpec).Info("Missed dose sweeper started.")
	return nil
}

func (s *MissedDoseSweeper) runOnce() {
	s.logger.Debug("Cron job triggered for missed dose sweep.")
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	missed, err := s.sweeper.SweepMissedDoses(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Error during missed dose sweep.")
		return
	}
	s.logger.WithField("missed", missed).Debug("Missed dose sweep finished.")
}

func (s *MissedDoseSweeper) Stop() {
	s.logger.Info("Stopping missed dose sweeper...")
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()               // Wait for graceful shutdown
	s.logger.Info("Missed dose sweeper gracefully stopped.")
}
