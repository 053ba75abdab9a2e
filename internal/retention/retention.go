// Package retention periodically removes messages that fell out of the
// retention window.
package retention

import (
	"context"
	"time"

	"ais_store/internal/logging"
	"ais_store/internal/metrics"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = time.Minute

// Sweeper deletes expired messages and reports how many were removed.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Service runs a sweep on start and then once per interval. A failed sweep
// is logged and retried on the next tick.
type Service struct {
	sweeper  Sweeper
	interval time.Duration
}

func NewService(sweeper Sweeper, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{sweeper: sweeper, interval: interval}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", s.interval).Msg("retention sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			logging.Info().Msg("retention sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	deleted, err := s.sweeper.DeleteExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RetentionRuns.WithLabelValues("error").Inc()
		logging.Err(err).Msg("retention sweep failed")
		return
	}
	metrics.RetentionRuns.WithLabelValues("ok").Inc()
	if deleted > 0 {
		logging.Info().Int64("deleted", deleted).Msg("expired messages removed")
	}
}

func (s *Service) String() string {
	return "retention-sweeper"
}
