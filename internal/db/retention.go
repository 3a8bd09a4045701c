package db

import (
	"context"
	"time"
)

// DeleteEventsBefore performs a single pass of retention cleanup, deleting
// raw events that occurred before cutoff. Counters and daily summaries are
// never touched, so rollups for the removed days stay readable.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("occurred_at < ?", cutoff.UTC()).Delete(&Event{})
	return res.RowsAffected, res.Error
}
