package analytics

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errStoreDown = errors.New("connection refused")

// memStore is an in-memory EventStore, SummaryStore and RetentionStore.
type memStore struct {
	mu        sync.Mutex
	events    map[string]RawEvent
	order     []string
	counters  map[string]int64
	summaries map[string]DailySummary

	down      bool
	failHash  map[string]bool
	hasCalls  int
	recCalls  int
	upserts   int
	deletedAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string]RawEvent),
		counters:  make(map[string]int64),
		summaries: make(map[string]DailySummary),
		failHash:  make(map[string]bool),
	}
}

func counterKey(ev RawEvent) string {
	return string(ev.EntityType) + "/" + ev.EntityID + "/" + ev.EventType
}

func (m *memStore) HasEvent(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasCalls++
	if m.down {
		return false, errStoreDown
	}
	_, ok := m.events[hash]
	return ok, nil
}

func (m *memStore) RecordEvent(_ context.Context, ev RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recCalls++
	if m.down || m.failHash[ev.EventHash] {
		return errStoreDown
	}
	if _, ok := m.events[ev.EventHash]; ok {
		return ErrDuplicateEvent
	}
	m.events[ev.EventHash] = ev
	m.order = append(m.order, ev.EventHash)
	m.counters[counterKey(ev)]++
	return nil
}

func (m *memStore) add(evs ...RawEvent) {
	for _, ev := range evs {
		ev, _ = ev.WithHash()
		_ = m.RecordEvent(context.Background(), ev)
	}
}

func (m *memStore) inRange(family EntityType, from, to time.Time) []RawEvent {
	var out []RawEvent
	for _, h := range m.order {
		ev := m.events[h]
		if ev.EntityType == family && !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memStore) EntitiesWithEvents(_ context.Context, family EntityType, from, to time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	seen := map[string]bool{}
	var ids []string
	for _, ev := range m.inRange(family, from, to) {
		if !seen[ev.EntityID] {
			seen[ev.EntityID] = true
			ids = append(ids, ev.EntityID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) GroupEvents(_ context.Context, family EntityType, entityID string, from, to time.Time) ([]EventGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		et, dt string
		hour   int
	}
	idx := map[key]int{}
	var groups []EventGroup
	for _, ev := range m.inRange(family, from, to) {
		if ev.EntityID != entityID {
			continue
		}
		k := key{ev.EventType, ev.DeviceType, ev.Timestamp.UTC().Hour()}
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, EventGroup{EventType: k.et, DeviceType: k.dt, Hour: k.hour})
		}
		groups[i].Count++
		groups[i].SessionIDs = appendUnique(groups[i].SessionIDs, ev.SessionID)
	}
	return groups, nil
}

func appendUnique(ids []string, id string) []string {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}

func summaryKey(t EntityType, id, date string) string {
	return string(t) + "/" + id + "/" + date
}

func (m *memStore) UpsertSummary(_ context.Context, s *DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.summaries[summaryKey(s.EntityType, s.EntityID, s.Date)] = *s
	return nil
}

func (m *memStore) ListSummaries(_ context.Context, family EntityType, entityID string, from, to time.Time) ([]DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DailySummary
	for _, s := range m.summaries {
		if s.EntityType == family && s.EntityID == entityID &&
			s.Date >= from.Format(DateLayout) && s.Date <= to.Format(DateLayout) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memStore) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedAt = cutoff
	var n int64
	kept := m.order[:0]
	for _, h := range m.order {
		if m.events[h].Timestamp.Before(cutoff) {
			delete(m.events, h)
			n++
			continue
		}
		kept = append(kept, h)
	}
	m.order = kept
	return n, nil
}

// panicStore panics on every call.
type panicStore struct{}

func (panicStore) HasEvent(context.Context, string) (bool, error) { panic("driver bug") }
func (panicStore) RecordEvent(context.Context, RawEvent) error    { panic("driver bug") }

func testEvent(entityID, eventType, session, device string, ts time.Time) RawEvent {
	return RawEvent{
		EntityType: EntityOutlet,
		EntityID:   entityID,
		EventType:  eventType,
		SessionID:  session,
		DeviceType: device,
		Timestamp:  ts,
	}
}
