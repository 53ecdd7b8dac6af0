package sync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"extract-sync-service/internal/config"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/store"
)

// Runner is the part of the Engine the scheduler needs.
type Runner interface {
	RunSync(ctx context.Context, profileID int64) (*store.SyncRun, error)
}

// Scheduler triggers profile syncs on cron expressions. A trigger that finds
// the profile still running is skipped.
type Scheduler struct {
	cfg    config.SchedulerConfig
	runner Runner
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg config.SchedulerConfig, runner Runner) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	for _, p := range s.cfg.Profiles {
		profileID := p.ProfileID
		if _, err := s.cron.AddFunc(p.Cron, func() { s.trigger(profileID) }); err != nil {
			return fmt.Errorf("schedule profile %d (%q): %w", profileID, p.Cron, err)
		}
		logger.Log.Info("Scheduled profile", zap.Int64("profile_id", profileID), zap.String("cron", p.Cron))
	}
	s.cron.Start()
	return nil
}

// Stop cancels running syncs and waits for their jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) trigger(profileID int64) {
	logger.Log.Info("Triggering scheduled sync", zap.Int64("profile_id", profileID))

	_, err := s.runner.RunSync(s.ctx, profileID)
	switch {
	case err == nil:
	case IsRunInProgress(err):
		logger.Log.Info("Sync already running, skipping scheduled run", zap.Int64("profile_id", profileID))
	default:
		logger.Log.Error("Scheduled sync failed", zap.Int64("profile_id", profileID), zap.Error(err))
	}
}
