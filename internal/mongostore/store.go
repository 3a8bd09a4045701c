// Package mongostore is the MongoDB primary store: raw events, entity
// counters and daily summaries as documents.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dineinsight/internal/analytics"
)

const (
	eventsCollection    = "raw_events"
	countersCollection  = "entity_counters"
	summariesCollection = "daily_summaries"
)

type eventDoc struct {
	EventHash  string         `bson:"event_hash"`
	EntityType string         `bson:"entity_type"`
	EntityID   string         `bson:"entity_id"`
	EventType  string         `bson:"event_type"`
	SessionID  string         `bson:"session_id"`
	DeviceType string         `bson:"device_type"`
	Source     string         `bson:"source,omitempty"`
	Context    map[string]any `bson:"context,omitempty"`
	OccurredAt time.Time      `bson:"occurred_at"`
	CreatedAt  time.Time      `bson:"created_at"`
}

type hourSlotDoc struct {
	Hour   int              `bson:"hour"`
	Total  int64            `bson:"total"`
	Counts map[string]int64 `bson:"counts"`
}

type summaryDoc struct {
	EntityType      string             `bson:"entity_type"`
	EntityID        string             `bson:"entity_id"`
	Date            string             `bson:"date"`
	TotalEvents     int64              `bson:"total_events"`
	UniqueSessions  int64              `bson:"unique_sessions"`
	EventCounts     map[string]int64   `bson:"event_counts"`
	DeviceBreakdown map[string]int64   `bson:"device_breakdown"`
	HourlyBreakdown []hourSlotDoc      `bson:"hourly_breakdown"`
	Rates           map[string]float64 `bson:"rates"`
	UpdatedAt       time.Time          `bson:"updated_at"`
}

// Store implements the analytics store interfaces on MongoDB.
type Store struct {
	client    *mongo.Client
	events    *mongo.Collection
	counters  *mongo.Collection
	summaries *mongo.Collection
}

// Connect dials uri, pings the server and ensures indexes on database dbName.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := New(client, dbName)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. Call EnsureIndexes before first use.
func New(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		client:    client,
		events:    db.Collection(eventsCollection),
		counters:  db.Collection(countersCollection),
		summaries: db.Collection(summariesCollection),
	}
}

// EnsureIndexes creates the unique keys that make replay and rollup idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "occurred_at", Value: 1}}},
		{Keys: bson.D{{Key: "occurred_at", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("raw event indexes: %w", err)
	}
	if _, err := s.counters.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "event_type", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("counter index: %w", err)
	}
	if _, err := s.summaries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("summary index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// HasEvent reports whether an event with hash is stored.
func (s *Store) HasEvent(ctx context.Context, hash string) (bool, error) {
	n, err := s.events.CountDocuments(ctx, bson.M{"event_hash": hash}, options.Count().SetLimit(1))
	return n > 0, err
}

// RecordEvent inserts ev, then bumps its counter. The unique hash index turns
// a concurrent replay into ErrDuplicateEvent before the counter is touched.
func (s *Store) RecordEvent(ctx context.Context, ev analytics.RawEvent) error {
	doc := eventDoc{
		EventHash:  ev.EventHash,
		EntityType: string(ev.EntityType),
		EntityID:   ev.EntityID,
		EventType:  ev.EventType,
		SessionID:  ev.SessionID,
		DeviceType: ev.DeviceType,
		Source:     ev.Source,
		Context:    ev.Context,
		OccurredAt: ev.Timestamp.UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return analytics.ErrDuplicateEvent
		}
		return err
	}

	_, err := s.counters.UpdateOne(ctx,
		bson.M{"entity_type": doc.EntityType, "entity_id": doc.EntityID, "event_type": doc.EventType},
		bson.M{
			"$inc": bson.M{"count": 1},
			"$set": bson.M{"updated_at": doc.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

// Counter returns the lifetime count for one entity and event type.
func (s *Store) Counter(ctx context.Context, family analytics.EntityType, entityID, eventType string) (int64, error) {
	var doc struct {
		Count int64 `bson:"count"`
	}
	err := s.counters.FindOne(ctx, bson.M{"entity_type": string(family), "entity_id": entityID, "event_type": eventType}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	return doc.Count, err
}

func timeRange(from, to time.Time) bson.M {
	return bson.M{"$gte": from.UTC(), "$lt": to.UTC()}
}

// EntitiesWithEvents lists the family's entity IDs with events in [from, to).
func (s *Store) EntitiesWithEvents(ctx context.Context, family analytics.EntityType, from, to time.Time) ([]string, error) {
	vals, err := s.events.Distinct(ctx, "entity_id", bson.M{
		"entity_type": string(family),
		"occurred_at": timeRange(from, to),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(vals))
	for _, v := range vals {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GroupEvents buckets one entity's events by event type, device type and UTC hour.
func (s *Store) GroupEvents(ctx context.Context, family analytics.EntityType, entityID string, from, to time.Time) ([]analytics.EventGroup, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"entity_type": string(family),
			"entity_id":   entityID,
			"occurred_at": timeRange(from, to),
		}}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{
				"event_type":  "$event_type",
				"device_type": "$device_type",
				"hour":        bson.M{"$hour": "$occurred_at"},
			},
			"count":    bson.M{"$sum": 1},
			"sessions": bson.M{"$addToSet": "$session_id"},
		}}},
	}
	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rows []struct {
		ID struct {
			EventType  string `bson:"event_type"`
			DeviceType string `bson:"device_type"`
			Hour       int    `bson:"hour"`
		} `bson:"_id"`
		Count    int64    `bson:"count"`
		Sessions []string `bson:"sessions"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	groups := make([]analytics.EventGroup, len(rows))
	for i, r := range rows {
		groups[i] = analytics.EventGroup{
			EventType:  r.ID.EventType,
			DeviceType: r.ID.DeviceType,
			Hour:       r.ID.Hour,
			Count:      r.Count,
			SessionIDs: r.Sessions,
		}
	}
	return groups, nil
}

// UpsertSummary replaces the document for the summary's key, inserting it
// if absent.
func (s *Store) UpsertSummary(ctx context.Context, sum *analytics.DailySummary) error {
	doc := summaryDoc{
		EntityType:      string(sum.EntityType),
		EntityID:        sum.EntityID,
		Date:            sum.Date,
		TotalEvents:     sum.TotalEvents,
		UniqueSessions:  sum.UniqueSessions,
		EventCounts:     sum.EventCounts,
		DeviceBreakdown: sum.DeviceBreakdown,
		Rates:           sum.Rates,
		UpdatedAt:       time.Now().UTC(),
	}
	doc.HourlyBreakdown = make([]hourSlotDoc, len(sum.HourlyBreakdown))
	for i, h := range sum.HourlyBreakdown {
		doc.HourlyBreakdown[i] = hourSlotDoc(h)
	}

	_, err := s.summaries.ReplaceOne(ctx,
		bson.M{"entity_type": doc.EntityType, "entity_id": doc.EntityID, "date": doc.Date},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

// ListSummaries returns the entity's summaries with from <= date <= to.
// Dates are stored as YYYY-MM-DD, so string order is date order.
func (s *Store) ListSummaries(ctx context.Context, family analytics.EntityType, entityID string, from, to time.Time) ([]analytics.DailySummary, error) {
	filter := bson.M{
		"entity_type": string(family),
		"entity_id":   entityID,
		"date": bson.M{
			"$gte": from.UTC().Format(analytics.DateLayout),
			"$lte": to.UTC().Format(analytics.DateLayout),
		},
	}
	cur, err := s.summaries.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []summaryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]analytics.DailySummary, len(docs))
	for i, d := range docs {
		hourly := make([]analytics.HourSlot, len(d.HourlyBreakdown))
		for j, h := range d.HourlyBreakdown {
			hourly[j] = analytics.HourSlot(h)
		}
		out[i] = analytics.DailySummary{
			EntityType:      analytics.EntityType(d.EntityType),
			EntityID:        d.EntityID,
			Date:            d.Date,
			TotalEvents:     d.TotalEvents,
			UniqueSessions:  d.UniqueSessions,
			EventCounts:     d.EventCounts,
			DeviceBreakdown: d.DeviceBreakdown,
			HourlyBreakdown: hourly,
			Rates:           d.Rates,
		}
	}
	return out, nil
}

// DeleteEventsBefore removes raw events that occurred before cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.events.DeleteMany(ctx, bson.M{"occurred_at": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
