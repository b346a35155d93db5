package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/store"
)

const defaultSweepInterval = 60 * time.Second

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	// Retention keeps expired records around so late payments can still be matched.
	Retention time.Duration
	Now       func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Expired   int
	Orphans   int
	Conflicts int
	Failures  int
}

// Sweeper expires pending records past their deadline and repairs ledger
// entries left pending after their record vanished.
type Sweeper struct {
	store  store.Store
	logger *zap.Logger
	cfg    SweeperConfig
}

func NewSweeper(s store.Store, logger *zap.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{store: s, logger: logger.Named("sweeper"), cfg: cfg}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Sweeper started", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs both passes. Individual failures are counted and skipped.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	timer := time.Now()
	var rep Report
	s.expirePending(ctx, &rep)
	s.expireOrphans(ctx, &rep)
	sweepDuration.Observe(time.Since(timer).Seconds())

	if rep != (Report{}) {
		s.logger.Info("Sweep finished",
			zap.Int("expired", rep.Expired),
			zap.Int("orphans", rep.Orphans),
			zap.Int("conflicts", rep.Conflicts),
			zap.Int("failures", rep.Failures),
		)
	}
	return rep
}

// expirePending is pass 1: pending records past their deadline become expired.
func (s *Sweeper) expirePending(ctx context.Context, rep *Report) {
	records, err := s.store.ListPending(ctx)
	if err != nil {
		rep.Failures++
		sweepTotal.WithLabelValues("pending", "error").Inc()
		s.logger.Error("Failed to list pending records", zap.Error(err))
		return
	}

	for _, rec := range records {
		now := s.cfg.Now()
		if rec.Status != domain.StatusPending || !rec.Expired(now.Unix()) {
			continue
		}
		_, err := s.store.Transition(ctx, store.Transition{
			Code:    rec.Code,
			From:    domain.StatusPending,
			To:      domain.StatusExpired,
			Version: rec.Version,
			Retain:  s.cfg.Retention,
			Now:     now,
		})
		switch {
		case err == nil:
			rep.Expired++
			sweepTotal.WithLabelValues("pending", "expired").Inc()
			s.logger.Info("Expired payment code", zap.String("code", rec.Code), zap.String("transaction_id", rec.TransactionID))
		case errors.Is(err, store.ErrConflict):
			rep.Conflicts++
			sweepTotal.WithLabelValues("pending", "conflict").Inc()
			s.logger.Info("Code changed during sweep, skipping", zap.String("code", rec.Code))
		case errors.Is(err, store.ErrNotFound):
			// Dropped by the store meanwhile; pass 2 fixes the ledger.
		default:
			rep.Failures++
			sweepTotal.WithLabelValues("pending", "error").Inc()
			s.logger.Error("Failed to expire code", zap.String("code", rec.Code), zap.Error(err))
		}
	}
}

// expireOrphans is pass 2: ledger entries still pending whose record is gone.
// Record deletion and ledger update are separate structures, so a store-level
// expiry can land between them.
func (s *Sweeper) expireOrphans(ctx context.Context, rep *Report) {
	entries, err := s.store.History(ctx)
	if err != nil {
		rep.Failures++
		sweepTotal.WithLabelValues("orphan", "error").Inc()
		s.logger.Error("Failed to read ledger", zap.Error(err))
		return
	}

	for _, e := range entries {
		if e.Status != domain.StatusPending || e.Type != domain.EntryTransaction || e.Code == "" {
			continue
		}
		_, err := s.store.GetPending(ctx, e.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			rep.Failures++
			sweepTotal.WithLabelValues("orphan", "error").Inc()
			s.logger.Error("Failed to look up pending record", zap.String("code", e.Code), zap.Error(err))
			continue
		}

		err = s.store.ExpireOrphan(ctx, e.Code, s.cfg.Now())
		switch {
		case err == nil:
			rep.Orphans++
			sweepTotal.WithLabelValues("orphan", "expired").Inc()
			s.logger.Info("Expired orphaned ledger entry", zap.String("code", e.Code))
		case errors.Is(err, store.ErrConflict):
			rep.Conflicts++
			sweepTotal.WithLabelValues("orphan", "conflict").Inc()
		default:
			rep.Failures++
			sweepTotal.WithLabelValues("orphan", "error").Inc()
			s.logger.Error("Failed to expire orphaned entry", zap.String("code", e.Code), zap.Error(err))
		}
	}
}
