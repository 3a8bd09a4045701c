package analytics

import (
	"context"
	"time"

	"dineinsight/internal/logging"
	"dineinsight/internal/metrics"
)

// RetentionJob deletes raw events older than a fixed number of days, once at
// startup and then every Interval. Summaries are never touched.
type RetentionJob struct {
	store    RetentionStore
	days     int
	Interval time.Duration
	now      func() time.Time
}

func NewRetentionJob(store RetentionStore, days int) *RetentionJob {
	return &RetentionJob{store: store, days: days, Interval: 24 * time.Hour, now: time.Now}
}

// RunOnce performs a single retention pass.
func (r *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	if r.days <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().AddDate(0, 0, -r.days)
	n, err := r.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.RetentionDeleted.Add(float64(n))
	return n, nil
}

// Serve implements suture.Service.
func (r *RetentionJob) Serve(ctx context.Context) error {
	if n, err := r.RunOnce(ctx); err != nil {
		logging.Error().Err(err).Msg("retention cleanup error (startup)")
	} else if n > 0 {
		logging.Info().Int64("deleted", n).Msg("retention cleanup")
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				logging.Error().Err(err).Msg("retention cleanup error")
			} else if n > 0 {
				logging.Info().Int64("deleted", n).Msg("retention cleanup")
			}
		}
	}
}

func (r *RetentionJob) String() string { return "raw-event-retention" }
