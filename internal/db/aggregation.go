package db

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"dineinsight/internal/analytics"
)

// EntitiesWithEvents lists the family's entity IDs with events in [from, to).
func (s *Store) EntitiesWithEvents(ctx context.Context, family analytics.EntityType, from, to time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Event{}).
		Distinct("entity_id").
		Where("entity_type = ? AND occurred_at >= ? AND occurred_at < ?", string(family), from.UTC(), to.UTC()).
		Order("entity_id").
		Pluck("entity_id", &ids).Error
	return ids, err
}

type groupRow struct {
	EventType  string
	DeviceType string
	Hour       int
	Count      int64
	SessionIDs datatypes.JSON
}

// GroupEvents buckets one entity's events in [from, to) by event type,
// device type and UTC hour. Distinct session IDs come back per bucket so the
// caller can count unique sessions across buckets.
func (s *Store) GroupEvents(ctx context.Context, family analytics.EntityType, entityID string, from, to time.Time) ([]analytics.EventGroup, error) {
	var rows []groupRow
	err := s.db.WithContext(ctx).Model(&Event{}).
		Select(`event_type, device_type,
			CAST(EXTRACT(HOUR FROM occurred_at AT TIME ZONE 'UTC') AS integer) AS hour,
			COUNT(*) AS count,
			json_agg(DISTINCT session_id) AS session_ids`).
		Where("entity_type = ? AND entity_id = ? AND occurred_at >= ? AND occurred_at < ?",
			string(family), entityID, from.UTC(), to.UTC()).
		Group("event_type, device_type, hour").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	groups := make([]analytics.EventGroup, 0, len(rows))
	for _, r := range rows {
		g := analytics.EventGroup{
			EventType:  r.EventType,
			DeviceType: r.DeviceType,
			Hour:       r.Hour,
			Count:      r.Count,
		}
		if len(r.SessionIDs) > 0 {
			if err := json.Unmarshal(r.SessionIDs, &g.SessionIDs); err != nil {
				return nil, fmt.Errorf("decode session ids: %w", err)
			}
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// UpsertSummary writes the summary for its (entity type, entity id, date)
// key, replacing every rollup column of an existing row.
func (s *Store) UpsertSummary(ctx context.Context, sum *analytics.DailySummary) error {
	row, err := summaryRow(sum)
	if err != nil {
		return fmt.Errorf("summary date %q: %w", sum.Date, err)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_events", "unique_sessions", "event_counts",
			"device_breakdown", "hourly_breakdown", "rates", "updated_at",
		}),
	}).Create(&row).Error
}

// ListSummaries returns the entity's summaries with from <= date <= to.
func (s *Store) ListSummaries(ctx context.Context, family analytics.EntityType, entityID string, from, to time.Time) ([]analytics.DailySummary, error) {
	var rows []DailySummary
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND date >= ? AND date <= ?",
			string(family), entityID, datatypes.Date(from.UTC()), datatypes.Date(to.UTC())).
		Order("date").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]analytics.DailySummary, len(rows))
	for i, r := range rows {
		out[i] = r.toSummary()
	}
	return out, nil
}
