package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"dineinsight/internal/logging"
	"dineinsight/internal/metrics"
)

// Outcome is the per-batch result of ProcessEvents.
type Outcome struct {
	Success    int
	Duplicates int
	Failed     int

	// Failures holds the failed events, hash normalized, with their errors.
	Failures []FailedEvent
}

// FailedEvent is an event the processor could not persist.
type FailedEvent struct {
	Event RawEvent
	Err   error
}

// ProcessorConfig tunes store call protection.
type ProcessorConfig struct {
	// Timeout bounds each store call. Zero means no per-call timeout.
	Timeout time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Processor deduplicates events by hash and persists new ones.
type Processor struct {
	store   EventStore
	breaker *gobreaker.CircuitBreaker[bool]
	timeout time.Duration
}

// NewProcessor wraps store with a circuit breaker and per-call timeout.
func NewProcessor(store EventStore, cfg ProcessorConfig) *Processor {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "primary-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDuplicateEvent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.StoreBreakerTransitions.WithLabelValues(to.String()).Inc()
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("store circuit breaker state changed")
		},
	}
	return &Processor{
		store:   store,
		breaker: gobreaker.NewCircuitBreaker[bool](settings),
		timeout: cfg.Timeout,
	}
}

// BreakerState reports the store circuit breaker state for health output.
func (p *Processor) BreakerState() string {
	return p.breaker.State().String()
}

// ProcessEvents handles each event independently: a duplicate hash is a
// successful no-op, a store error counts as failed and processing continues.
func (p *Processor) ProcessEvents(ctx context.Context, events []RawEvent) Outcome {
	var out Outcome
	for _, ev := range events {
		ev, ok := ev.WithHash()
		if !ok {
			logging.Debug().Str("entity_id", ev.EntityID).Msg("replaced mismatched event hash")
		}

		dup, err := p.processOne(ctx, ev)
		switch {
		case err != nil:
			out.Failed++
			out.Failures = append(out.Failures, FailedEvent{Event: ev, Err: err})
			metrics.EventsProcessed.WithLabelValues(string(ev.EntityType), "failed").Inc()
		case dup:
			out.Duplicates++
			metrics.EventsProcessed.WithLabelValues(string(ev.EntityType), "duplicate").Inc()
		default:
			out.Success++
			metrics.EventsProcessed.WithLabelValues(string(ev.EntityType), "success").Inc()
		}
	}
	return out
}

func (p *Processor) processOne(ctx context.Context, ev RawEvent) (duplicate bool, err error) {
	exists, err := p.call(ctx, func(ctx context.Context) (bool, error) {
		return p.store.HasEvent(ctx, ev.EventHash)
	})
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", ev.EventHash, err)
	}
	if exists {
		return true, nil
	}

	_, err = p.call(ctx, func(ctx context.Context) (bool, error) {
		return true, p.store.RecordEvent(ctx, ev)
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", ev.EventHash, err)
	}
	return false, nil
}

// call runs fn through the breaker with the per-call timeout. A panicking
// store is reported as an error rather than crashing the caller.
func (p *Processor) call(ctx context.Context, fn func(context.Context) (bool, error)) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panic: %v", r)
		}
	}()
	return p.breaker.Execute(func() (bool, error) {
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		return fn(ctx)
	})
}
