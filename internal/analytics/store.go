package analytics

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEvent is returned by EventStore.RecordEvent when an event with the
// same hash is already persisted.
var ErrDuplicateEvent = errors.New("analytics: duplicate event")

// EventStore is the primary store's raw event write interface.
type EventStore interface {
	// HasEvent reports whether an event with the given hash is persisted.
	HasEvent(ctx context.Context, hash string) (bool, error)

	// RecordEvent persists ev and increments its entity counter. A unique
	// conflict on the hash must surface as ErrDuplicateEvent and must leave
	// counters untouched.
	RecordEvent(ctx context.Context, ev RawEvent) error
}

// EventGroup is one (event_type, device_type, hour) bucket of a day's raw
// events for a single entity.
type EventGroup struct {
	EventType  string
	DeviceType string
	Hour       int
	Count      int64
	SessionIDs []string
}

// SummaryStore is the read side over raw events plus the summary documents.
type SummaryStore interface {
	// EntitiesWithEvents lists entity IDs of the family with any event in [from, to).
	EntitiesWithEvents(ctx context.Context, family EntityType, from, to time.Time) ([]string, error)

	// GroupEvents returns the entity's events in [from, to) grouped by
	// event type, device type and UTC hour of day.
	GroupEvents(ctx context.Context, family EntityType, entityID string, from, to time.Time) ([]EventGroup, error)

	// UpsertSummary inserts or replaces the summary for its
	// (entity type, entity id, date) key.
	UpsertSummary(ctx context.Context, s *DailySummary) error

	// ListSummaries returns summaries for an entity with from <= date <= to,
	// ordered by date.
	ListSummaries(ctx context.Context, family EntityType, entityID string, from, to time.Time) ([]DailySummary, error)
}

// RetentionStore deletes raw events that have aged out.
type RetentionStore interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
