package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/waveloc/api/internal/config"
	"github.com/waveloc/api/internal/service"
)

// Sweeper re-enqueues jobs the dispatch path lost: queued jobs whose
// submit-time enqueue never landed, and (when enabled) running jobs
// whose worker died before persisting an outcome. It runs on a fixed
// schedule through the task scheduler.
type Sweeper struct {
	service *service.LocalizeService
	log     *zap.SugaredLogger

	queuedGrace  time.Duration
	requeueStale bool
	runningStale time.Duration
}

func NewSweeper(svc *service.LocalizeService, cfg config.WorkerConfig, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		service:      svc,
		log:          log,
		queuedGrace:  time.Duration(cfg.QueuedGraceSecs) * time.Second,
		requeueStale: cfg.RequeueStaleRunning,
		runningStale: time.Duration(cfg.StaleRunningSecs) * time.Second,
	}
}

func (s *Sweeper) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	if err := s.service.Sweep(ctx, s.queuedGrace, s.requeueStale, s.runningStale); err != nil {
		s.log.Errorw("sweep failed", "error", err)
		return err
	}
	return nil
}
