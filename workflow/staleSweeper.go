package workflow

import (
	"context"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/sirupsen/logrus"
)

// StalePendingSweeper deletes pending orders whose payment never settled.
// A settlement that arrives after the sweep finds nothing to finalize and
// is acknowledged as a no-op.
type StalePendingSweeper struct {
	Ledger   *models.PendingOrderLedger
	Logger   *logrus.Logger
	TTL      time.Duration
	Interval time.Duration
	Now      func() time.Time
}

const defaultSweepInterval = 10 * time.Minute

func NewStalePendingSweeper(ledger *models.PendingOrderLedger, logger *logrus.Logger) *StalePendingSweeper {
	return &StalePendingSweeper{
		Ledger:   ledger,
		Logger:   logger,
		TTL:      30 * time.Minute,
		Interval: defaultSweepInterval,
		Now:      time.Now,
	}
}

func (s *StalePendingSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	// a zero interval would sweep in a tight loop
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			config.LogError(s.Logger, "StalePendingSweeper", "Run", "sweep", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// SweepOnce returns how many pending orders were removed. A failed delete is
// logged and the sweep moves on.
func (s *StalePendingSweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.Now().UTC().Add(-s.TTL)
	stale, err := s.Ledger.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range stale {
		if err := s.Ledger.Remove(ctx, p.ID); err != nil {
			config.LogError(s.Logger, "StalePendingSweeper", "SweepOnce", "remove pending order", p.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.Logger.WithFields(logrus.Fields{
			"field":   "StalePendingSweeper",
			"removed": removed,
			"cutoff":  cutoff,
		}).Info("swept stale pending orders")
	}
	return removed, nil
}
