package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dineinsight/internal/analytics"
)

// Store is the PostgreSQL primary store.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open, migrated connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// HasEvent reports whether an event with hash is stored.
func (s *Store) HasEvent(ctx context.Context, hash string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Event{}).Where("event_hash = ?", hash).Limit(1).Count(&n).Error
	return n > 0, err
}

// RecordEvent inserts ev and bumps its entity counter in one transaction, so
// a duplicate insert never touches the counter.
func (s *Store) RecordEvent(ctx context.Context, ev analytics.RawEvent) error {
	row := eventRow(ev)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return analytics.ErrDuplicateEvent
			}
			return err
		}

		counter := EntityCounter{
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			EventType:  row.EventType,
			Count:      1,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}, {Name: "event_type"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":      gorm.Expr("entity_counters.count + 1"),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&counter).Error
	})
}

// Counter returns the lifetime count for one entity and event type.
func (s *Store) Counter(ctx context.Context, family analytics.EntityType, entityID, eventType string) (int64, error) {
	var c EntityCounter
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND event_type = ?", string(family), entityID, eventType).
		Limit(1).Find(&c).Error
	return c.Count, err
}
