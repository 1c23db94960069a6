package engine

import (
	"context"
	"log/slog"
	"time"

	"meshd/observability/metrics"
	"meshd/storage"
)

const (
	// DefaultSchedulerInterval is the deadline sweep cadence.
	DefaultSchedulerInterval = time.Second
	// MinSchedulerInterval floors operator-configured cadences.
	MinSchedulerInterval = 250 * time.Millisecond
)

// Scheduler drives deadline decisions: intents whose deadline has passed are
// either selected (when offers exist) or expired. Both paths go through the
// same atomic acceptance as the ingest path, so running the scheduler next to
// live offer handling is safe.
type Scheduler struct {
	coordinator *Coordinator
	store       storage.Store
	interval    time.Duration
	log         *slog.Logger
	metrics     *metrics.MeshMetrics
	now         func() int64
}

// NewScheduler builds a sweep loop over the coordinator's selection path.
func NewScheduler(coordinator *Coordinator, store storage.Store, interval time.Duration, logger *slog.Logger, m *metrics.MeshMetrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	if interval < MinSchedulerInterval {
		interval = MinSchedulerInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		coordinator: coordinator,
		store:       store,
		interval:    interval,
		log:         logger,
		metrics:     m,
		now:         func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (s *Scheduler) SetNowFunc(now func() int64) {
	if now != nil {
		s.now = now
	}
}

// Run blocks until ctx is done, ticking at the configured interval. Tick
// errors are logged and absorbed; the loop never crashes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("scheduler tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one sweep: selection is attempted for every due pending intent
// first, then the remaining overdue intents are expired. Selection before
// expiry keeps intents with live offers from being swept when a tick lands
// late.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	pending, err := s.store.ListIntents(ctx, storage.IntentStatusPending)
	if err != nil {
		return err
	}
	for _, intent := range pending {
		if intent.Deadline > now {
			continue
		}
		// Only the creator selects; foreign intents fall through to expiry.
		if intent.FromAddress != s.coordinator.opts.OwnAddress {
			continue
		}
		won, err := s.coordinator.SelectIntent(ctx, intent.ID)
		if err != nil {
			s.log.Warn("selection failed",
				slog.String("intent_id", intent.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if won {
			s.log.Info("intent selected on deadline", slog.String("intent_id", intent.ID))
		}
	}

	expired, err := s.store.ExpireIntents(ctx, now)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		s.metrics.RecordExpired(int64(len(expired)))
		for _, intent := range expired {
			s.log.Info("intent expired", slog.String("intent_id", intent.ID))
		}
	}

	remaining, err := s.store.ListIntents(ctx, storage.IntentStatusPending)
	if err == nil {
		s.metrics.SetPendingIntents(len(remaining))
	}
	return nil
}
