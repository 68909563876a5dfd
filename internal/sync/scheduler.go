package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// Maintainer is the maintenance surface the scheduler drives.
type Maintainer interface {
	ExpireStale(ctx context.Context) (int, error)
	PruneTombstones(ctx context.Context) (int64, error)
}

// Scheduler runs periodic maintenance: expiring sessions that outlived the session
// timeout and pruning old tombstones.
type Scheduler struct {
	cfg      config.SchedulerConfig
	target   Maintainer
	cron     *cron.Cron
	entryIDs []cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, target Maintainer) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		target: target,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	for _, job := range []func(){s.expireSessions, s.pruneTombstones} {
		id, err := s.cron.AddFunc(s.cfg.Interval, job)
		if err != nil {
			logger.Log.Error("Failed to schedule job", zap.Error(err))
			return err
		}
		s.entryIDs = append(s.entryIDs, id)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) expireSessions() {
	n, err := s.target.ExpireStale(context.Background())
	if err != nil {
		logger.Log.Error("Failed to expire stale sessions", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("Expired stale sessions", zap.Int("count", n))
	}
}

func (s *Scheduler) pruneTombstones() {
	n, err := s.target.PruneTombstones(context.Background())
	if err != nil {
		logger.Log.Error("Failed to prune tombstones", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("Pruned tombstones", zap.Int64("count", n))
	}
}
