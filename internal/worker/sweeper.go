package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/metrics"
)

// Sweeper runs the periodic maintenance passes: force-terminating
// notifications whose expiry passed without a delivery report, and pruning
// status-feed rows past the retention window. The expiry pass is what
// guarantees a provider that never calls back cannot leave an order
// non-terminal forever.
type Sweeper struct {
	repo   Repository
	config SweeperConfig
	logger *zap.Logger
}

type SweeperConfig struct {
	Interval      time.Duration
	FeedRetention time.Duration
}

func NewSweeper(repo Repository, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.FeedRetention == 0 {
		cfg.FeedRetention = 90 * 24 * time.Hour
	}

	return &Sweeper{
		repo:   repo,
		config: cfg,
		logger: logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.SweepExpired(ctx)
			s.SweepFeedRetention(ctx)
		}
	}
}

// SweepExpired terminates overdue notifications and re-evaluates completion
// for every affected order. It returns the number of notifications
// terminated; one order can contribute several.
func (s *Sweeper) SweepExpired(ctx context.Context) int {
	affected, terminated, err := s.repo.TerminateExpiredNotifications(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return 0
	}
	if terminated == 0 {
		return 0
	}

	metrics.RecordExpiredTerminations(terminated)

	for orderID, notificationID := range affected {
		completed, err := s.repo.TryCompleteOrderBasedOnNotificationsState(ctx, notificationID, "expiry_sweep")
		if err != nil {
			s.logger.Error("completion check failed after expiry",
				zap.String("order_id", orderID.String()),
				zap.Error(err),
			)
			continue
		}
		if completed {
			s.logger.Info("order completed by expiry sweep",
				zap.String("order_id", orderID.String()),
			)
		}
	}
	return terminated
}

// SweepFeedRetention deletes feed entries older than the retention window.
func (s *Sweeper) SweepFeedRetention(ctx context.Context) {
	deleted, err := s.repo.DeleteOldStatusFeedRecords(ctx, s.config.FeedRetention)
	if err != nil {
		s.logger.Error("feed retention sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("old status feed records deleted", zap.Int64("count", deleted))
	}
}
