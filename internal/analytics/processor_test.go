package analytics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func healthyBatch() []RawEvent {
	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return []RawEvent{
		testEvent("o-1", EventImpression, "s-1", DeviceMobile, ts),
		testEvent("o-1", EventProfileView, "s-1", DeviceMobile, ts.Add(time.Second)),
		testEvent("o-2", EventMenuView, "s-2", DeviceDesktop, ts.Add(2*time.Second)),
	}
}

func TestProcessEvents_Healthy(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, ProcessorConfig{Timeout: time.Second})

	out := p.ProcessEvents(context.Background(), healthyBatch())

	if out.Success != 3 || out.Duplicates != 0 || out.Failed != 0 {
		t.Fatalf("outcome = %+v, want {3 0 0}", out)
	}
	if len(store.events) != 3 {
		t.Errorf("persisted %d events, want 3", len(store.events))
	}
	if store.counters["outlet/o-1/impression"] != 1 {
		t.Errorf("counter not incremented: %v", store.counters)
	}
}

func TestProcessEvents_ReplayIsDuplicate(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, ProcessorConfig{})
	batch := healthyBatch()[:1]

	first := p.ProcessEvents(context.Background(), batch)
	second := p.ProcessEvents(context.Background(), batch)

	if first.Success != 1 {
		t.Fatalf("first outcome = %+v", first)
	}
	if second.Duplicates != 1 || second.Success != 0 || second.Failed != 0 {
		t.Fatalf("second outcome = %+v, want one duplicate", second)
	}
	if store.counters["outlet/o-1/impression"] != 1 {
		t.Errorf("replay changed counters: %v", store.counters)
	}
}

func TestProcessEvents_InsertConflictIsDuplicate(t *testing.T) {
	store := &racyStore{memStore: newMemStore()}
	p := NewProcessor(store, ProcessorConfig{})
	ev := healthyBatch()[0]
	store.add(ev)

	out := p.ProcessEvents(context.Background(), []RawEvent{ev})
	if out.Duplicates != 1 {
		t.Fatalf("outcome = %+v, want duplicate from insert conflict", out)
	}
}

// racyStore misses existing events on HasEvent, as if a concurrent writer
// inserted between the check and the insert.
type racyStore struct{ *memStore }

func (racyStore) HasEvent(context.Context, string) (bool, error) { return false, nil }

func TestProcessEvents_StoreDown(t *testing.T) {
	store := newMemStore()
	store.down = true
	p := NewProcessor(store, ProcessorConfig{})

	out := p.ProcessEvents(context.Background(), healthyBatch()[:2])

	if out.Failed != 2 || out.Success != 0 {
		t.Fatalf("outcome = %+v, want 2 failed", out)
	}
	if len(out.Failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(out.Failures))
	}
	for _, f := range out.Failures {
		if !errors.Is(f.Err, errStoreDown) {
			t.Errorf("failure error = %v, want wrapped store error", f.Err)
		}
		if f.Event.EventHash == "" {
			t.Error("failed events must carry their hash")
		}
	}
}

func TestProcessEvents_OneBadEventDoesNotAbortBatch(t *testing.T) {
	store := newMemStore()
	batch := healthyBatch()
	bad, _ := batch[1].WithHash()
	store.failHash[bad.EventHash] = true
	p := NewProcessor(store, ProcessorConfig{})

	out := p.ProcessEvents(context.Background(), batch)

	if out.Success != 2 || out.Failed != 1 {
		t.Fatalf("outcome = %+v, want 2 success 1 failed", out)
	}
	if out.Failures[0].Event.EventHash != bad.EventHash {
		t.Error("wrong event reported as failed")
	}
}

func TestProcessEvents_BreakerOpens(t *testing.T) {
	store := newMemStore()
	store.down = true
	p := NewProcessor(store, ProcessorConfig{BreakerFailures: 2, BreakerCooldown: time.Hour})

	batch := append(healthyBatch(), healthyBatch()...)
	out := p.ProcessEvents(context.Background(), batch)

	if out.Failed != len(batch) {
		t.Fatalf("outcome = %+v", out)
	}
	if p.BreakerState() != "open" {
		t.Errorf("BreakerState() = %s, want open", p.BreakerState())
	}
	if store.hasCalls != 2 {
		t.Errorf("store called %d times, want 2 before the breaker opened", store.hasCalls)
	}
}

func TestProcessEvents_StorePanic(t *testing.T) {
	p := NewProcessor(panicStore{}, ProcessorConfig{})
	out := p.ProcessEvents(context.Background(), healthyBatch()[:1])
	if out.Failed != 1 {
		t.Fatalf("outcome = %+v, want panic reported as failure", out)
	}
}

func TestProcessEvents_DuplicateDoesNotTripBreaker(t *testing.T) {
	store := &racyStore{memStore: newMemStore()}
	batch := healthyBatch()
	store.add(batch...)
	p := NewProcessor(store, ProcessorConfig{BreakerFailures: 1})

	out := p.ProcessEvents(context.Background(), batch)
	if out.Duplicates != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	if p.BreakerState() != "closed" {
		t.Errorf("duplicates must not open the breaker, state = %s", p.BreakerState())
	}
}
