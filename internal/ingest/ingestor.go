// Package ingest is the synchronous ingestion path: validate, persist through
// the event processor, and park anything that could not be persisted in the
// fallback queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"dineinsight/internal/analytics"
	"dineinsight/internal/fallback"
	"dineinsight/internal/logging"
	"dineinsight/internal/metrics"
)

// MaxBatch bounds how many events one request may carry.
const MaxBatch = 500

// ErrNoEvents is returned for an empty batch.
var ErrNoEvents = errors.New("no events provided")

// EventPayload is one client-supplied event before normalization.
type EventPayload struct {
	EntityType string         `json:"entity_type" validate:"required,oneof=outlet food_item promotion"`
	EntityID   string         `json:"entity_id" validate:"required,max=128"`
	EventType  string         `json:"event_type" validate:"required,max=64"`
	SessionID  string         `json:"session_id" validate:"required,max=128"`
	DeviceType string         `json:"device_type" validate:"required,oneof=mobile desktop tablet"`
	Source     string         `json:"source,omitempty" validate:"omitempty,max=64"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
}

// FieldError describes one rejected field.
type FieldError struct {
	Index int    `json:"index"`
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError rejects a whole request. Nothing from a rejected request is
// persisted or queued.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("events[%d].%s: %s", f.Index, f.Field, f.Rule)
	}
	return strings.Join(parts, "; ")
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			return name
		})
		validate.RegisterStructValidation(func(sl validator.StructLevel) {
			p := sl.Current().Interface().(EventPayload)
			family := analytics.EntityType(p.EntityType)
			if family.Valid() && p.EventType != "" && !family.AcceptsEvent(p.EventType) {
				sl.ReportError(p.EventType, "event_type", "EventType", "event_for_family", p.EntityType)
			}
		}, EventPayload{})
	})
	return validate
}

// Validate checks every payload and collects all field errors.
func Validate(payloads []EventPayload) error {
	if len(payloads) == 0 {
		return ErrNoEvents
	}
	if len(payloads) > MaxBatch {
		return &ValidationError{Fields: []FieldError{{Index: MaxBatch, Field: "events", Rule: fmt.Sprintf("max=%d", MaxBatch)}}}
	}
	v := getValidator()
	var out ValidationError
	for i := range payloads {
		err := v.Struct(&payloads[i])
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			rule := fe.Tag()
			if fe.Param() != "" {
				rule += "=" + fe.Param()
			}
			out.Fields = append(out.Fields, FieldError{Index: i, Field: fe.Field(), Rule: rule})
		}
	}
	if len(out.Fields) > 0 {
		return &out
	}
	return nil
}

// Normalize builds the immutable RawEvent: a missing timestamp becomes now,
// the timestamp is stored in UTC and the hash is computed server side.
func Normalize(p EventPayload, now time.Time) analytics.RawEvent {
	ts := now
	if p.Timestamp != nil {
		ts = *p.Timestamp
	}
	ev := analytics.RawEvent{
		EntityType: analytics.EntityType(p.EntityType),
		EntityID:   p.EntityID,
		EventType:  p.EventType,
		SessionID:  p.SessionID,
		DeviceType: p.DeviceType,
		Source:     p.Source,
		Context:    p.Context,
		Timestamp:  ts.UTC(),
	}
	ev, _ = ev.WithHash()
	return ev
}

// Processor persists events; satisfied by *analytics.Processor.
type Processor interface {
	ProcessEvents(ctx context.Context, events []analytics.RawEvent) analytics.Outcome
}

// Queue parks events the processor could not persist.
type Queue interface {
	WriteEvent(ev analytics.RawEvent, reason string) fallback.WriteResult
}

// Result says where each accepted event ended up.
type Result struct {
	Accepted   int `json:"accepted"`
	Persisted  int `json:"persisted"`
	Duplicates int `json:"duplicates"`
	Queued     int `json:"queued"`
	Lost       int `json:"lost"`
}

// Ingestor is the ingestion entry point.
type Ingestor struct {
	proc  Processor
	queue Queue
	now   func() time.Time
}

// New returns an Ingestor over proc and queue.
func New(proc Processor, queue Queue) *Ingestor {
	return &Ingestor{proc: proc, queue: queue, now: time.Now}
}

// Ingest validates payloads and persists or queues every event. The only
// error it returns is a validation error (ErrNoEvents or *ValidationError);
// backend failures are absorbed and show up in Result.
func (in *Ingestor) Ingest(ctx context.Context, payloads []EventPayload) (Result, error) {
	if err := Validate(payloads); err != nil {
		return Result{}, err
	}

	now := in.now()
	events := make([]analytics.RawEvent, len(payloads))
	for i, p := range payloads {
		events[i] = Normalize(p, now)
	}

	res := Result{Accepted: len(events)}
	out, perr := in.process(ctx, events)
	if perr != nil {
		logging.Error().Err(perr).Int("events", len(events)).Msg("event processor unavailable, queueing batch")
		in.park(events, perr.Error(), &res)
		in.record(res)
		return res, nil
	}

	res.Persisted = out.Success
	res.Duplicates = out.Duplicates
	for _, f := range out.Failures {
		in.park([]analytics.RawEvent{f.Event}, f.Err.Error(), &res)
	}
	in.record(res)
	return res, nil
}

// process calls the processor, converting a panic into an error so the batch
// can still be queued.
func (in *Ingestor) process(ctx context.Context, events []analytics.RawEvent) (out analytics.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event processor panic: %v", r)
		}
	}()
	return in.proc.ProcessEvents(ctx, events), nil
}

func (in *Ingestor) park(events []analytics.RawEvent, reason string, res *Result) {
	for _, ev := range events {
		if w := in.queue.WriteEvent(ev, reason); w.OK {
			res.Queued++
		} else {
			res.Lost++
		}
	}
}

func (in *Ingestor) record(res Result) {
	for disposition, n := range map[string]int{
		"persisted": res.Persisted,
		"duplicate": res.Duplicates,
		"queued":    res.Queued,
		"lost":      res.Lost,
	} {
		if n > 0 {
			metrics.IngestedEvents.WithLabelValues(disposition).Add(float64(n))
		}
	}
	if res.Queued > 0 || res.Lost > 0 {
		logging.Warn().Int("accepted", res.Accepted).Int("queued", res.Queued).Int("lost", res.Lost).
			Msg("events diverted to fallback storage")
	}
}
