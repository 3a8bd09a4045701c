package db

import (
	"time"

	"gorm.io/datatypes"

	"dineinsight/internal/analytics"
)

// Event is one persisted raw event. EventHash is unique so a replayed event
// can never be stored twice, even under concurrent writers.
type Event struct {
	ID uint64 `gorm:"primaryKey"`

	EventHash string `gorm:"size:64;not null;uniqueIndex"`

	EntityType string `gorm:"size:32;not null;index:idx_raw_events_entity_time,priority:1"`
	EntityID   string `gorm:"size:128;not null;index:idx_raw_events_entity_time,priority:2"`
	EventType  string `gorm:"size:64;not null"`
	SessionID  string `gorm:"size:128;not null"`
	DeviceType string `gorm:"size:16;not null"`
	Source     string `gorm:"size:64"`

	// Context holds the free-form client context, opaque to the rollup.
	Context datatypes.JSONMap `gorm:"type:jsonb"`

	// OccurredAt is the client event time (UTC); retention and rollups key on it.
	OccurredAt time.Time `gorm:"not null;index;index:idx_raw_events_entity_time,priority:3"`
	CreatedAt  time.Time
}

func (Event) TableName() string { return "raw_events" }

// EntityCounter is the lifetime count of one event type for one entity,
// bumped once per newly persisted event.
type EntityCounter struct {
	EntityType string `gorm:"primaryKey;size:32"`
	EntityID   string `gorm:"primaryKey;size:128"`
	EventType  string `gorm:"primaryKey;size:64"`
	Count      int64  `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

// DailySummary is the rollup row for one entity and UTC day.
type DailySummary struct {
	ID uint64 `gorm:"primaryKey"`

	EntityType string         `gorm:"size:32;not null;uniqueIndex:idx_daily_summary_key,priority:1"`
	EntityID   string         `gorm:"size:128;not null;uniqueIndex:idx_daily_summary_key,priority:2"`
	Date       datatypes.Date `gorm:"not null;uniqueIndex:idx_daily_summary_key,priority:3"`

	TotalEvents    int64 `gorm:"not null"`
	UniqueSessions int64 `gorm:"not null"`

	EventCounts     datatypes.JSONType[map[string]int64]     `gorm:"type:jsonb"`
	DeviceBreakdown datatypes.JSONType[map[string]int64]     `gorm:"type:jsonb"`
	HourlyBreakdown datatypes.JSONType[[]analytics.HourSlot] `gorm:"type:jsonb"`
	Rates           datatypes.JSONType[map[string]float64]   `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func eventRow(ev analytics.RawEvent) Event {
	var ctx datatypes.JSONMap
	if len(ev.Context) > 0 {
		ctx = datatypes.JSONMap(ev.Context)
	}
	return Event{
		EventHash:  ev.EventHash,
		EntityType: string(ev.EntityType),
		EntityID:   ev.EntityID,
		EventType:  ev.EventType,
		SessionID:  ev.SessionID,
		DeviceType: ev.DeviceType,
		Source:     ev.Source,
		Context:    ctx,
		OccurredAt: ev.Timestamp.UTC(),
	}
}

func summaryRow(s *analytics.DailySummary) (DailySummary, error) {
	day, err := time.ParseInLocation(analytics.DateLayout, s.Date, time.UTC)
	if err != nil {
		return DailySummary{}, err
	}
	return DailySummary{
		EntityType:      string(s.EntityType),
		EntityID:        s.EntityID,
		Date:            datatypes.Date(day),
		TotalEvents:     s.TotalEvents,
		UniqueSessions:  s.UniqueSessions,
		EventCounts:     datatypes.NewJSONType(s.EventCounts),
		DeviceBreakdown: datatypes.NewJSONType(s.DeviceBreakdown),
		HourlyBreakdown: datatypes.NewJSONType(s.HourlyBreakdown),
		Rates:           datatypes.NewJSONType(s.Rates),
	}, nil
}

func (r DailySummary) toSummary() analytics.DailySummary {
	return analytics.DailySummary{
		EntityType:      analytics.EntityType(r.EntityType),
		EntityID:        r.EntityID,
		Date:            time.Time(r.Date).UTC().Format(analytics.DateLayout),
		TotalEvents:     r.TotalEvents,
		UniqueSessions:  r.UniqueSessions,
		EventCounts:     r.EventCounts.Data(),
		DeviceBreakdown: r.DeviceBreakdown.Data(),
		HourlyBreakdown: r.HourlyBreakdown.Data(),
		Rates:           r.Rates.Data(),
	}
}
