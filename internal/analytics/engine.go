package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dineinsight/internal/logging"
	"dineinsight/internal/metrics"
)

// ErrJobRunning is returned when a rollup for the family is already in flight.
var ErrJobRunning = errors.New("analytics: aggregation already running")

// Engine rolls raw events up into daily summaries.
type Engine struct {
	store SummaryStore
}

func NewEngine(store SummaryStore) *Engine {
	return &Engine{store: store}
}

// RunForDay recomputes the summary of every entity of the family that has
// events on the UTC day containing day. Re-running over unchanged events
// rewrites identical summaries. It returns the number of summaries upserted.
func (e *Engine) RunForDay(ctx context.Context, family EntityType, day time.Time) (int, error) {
	if !family.Valid() {
		return 0, fmt.Errorf("unknown entity type %q", family)
	}
	from, to := DayBounds(day)
	start := time.Now()

	ids, err := e.store.EntitiesWithEvents(ctx, family, from, to)
	if err != nil {
		metrics.AggregationRuns.WithLabelValues(string(family), "error").Inc()
		return 0, fmt.Errorf("list %s entities for %s: %w", family, from.Format(DateLayout), err)
	}

	n := 0
	for _, id := range ids {
		groups, err := e.store.GroupEvents(ctx, family, id, from, to)
		if err != nil {
			metrics.AggregationRuns.WithLabelValues(string(family), "error").Inc()
			return n, fmt.Errorf("group events for %s %s: %w", family, id, err)
		}
		summary := BuildSummary(family, id, from, groups)
		if err := e.store.UpsertSummary(ctx, &summary); err != nil {
			metrics.AggregationRuns.WithLabelValues(string(family), "error").Inc()
			return n, fmt.Errorf("upsert summary for %s %s: %w", family, id, err)
		}
		n++
	}

	metrics.AggregationSummaries.WithLabelValues(string(family)).Add(float64(n))
	metrics.AggregationRuns.WithLabelValues(string(family), "ok").Inc()
	metrics.AggregationDuration.WithLabelValues(string(family)).Observe(time.Since(start).Seconds())
	logging.Info().Str("entity_type", string(family)).Str("date", from.Format(DateLayout)).
		Int("summaries", n).Dur("took", time.Since(start)).Msg("daily aggregation complete")
	return n, nil
}

// RunRange runs RunForDay for every UTC day from..to inclusive, for backfills.
func (e *Engine) RunRange(ctx context.Context, family EntityType, from, to time.Time) (int, error) {
	first, _ := DayBounds(from)
	last, _ := DayBounds(to)
	total := 0
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.RunForDay(ctx, family, d)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Schedule is the wall-clock time of day a daily job fires in Location.
type Schedule struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Next returns the first firing strictly after now.
func (s Schedule) Next(now time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.Hour, s.Minute, 0, 0, loc)
	}
	return next
}

// LastCompletedDay returns the start of the latest UTC day that ended at or
// before now.
func LastCompletedDay(now time.Time) time.Time {
	today, _ := DayBounds(now)
	return today.AddDate(0, 0, -1)
}

// DailyJob is one family's independently scheduled rollup. Its guard keeps
// scheduled and manual runs from overlapping.
type DailyJob struct {
	engine   *Engine
	family   EntityType
	schedule Schedule
	running  atomic.Bool
	now      func() time.Time
}

func NewDailyJob(engine *Engine, family EntityType, schedule Schedule) *DailyJob {
	return &DailyJob{engine: engine, family: family, schedule: schedule, now: time.Now}
}

// Family returns the entity type the job aggregates.
func (j *DailyJob) Family() EntityType { return j.family }

// Run aggregates the given days, failing with ErrJobRunning if a run is in flight.
func (j *DailyJob) Run(ctx context.Context, from, to time.Time) (int, error) {
	if !j.running.CompareAndSwap(false, true) {
		logging.Warn().Str("entity_type", string(j.family)).Msg("aggregation still running, skipping")
		return 0, ErrJobRunning
	}
	defer j.running.Store(false)
	return j.engine.RunRange(ctx, j.family, from, to)
}

// Serve fires the job daily until ctx is canceled. Each firing aggregates
// the last completed UTC day. Errors are logged; the schedule continues.
func (j *DailyJob) Serve(ctx context.Context) error {
	for {
		now := j.now()
		next := j.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		logging.Debug().Str("entity_type", string(j.family)).Time("next_run", next).Msg("aggregation scheduled")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		day := LastCompletedDay(j.now())
		if _, err := j.Run(ctx, day, day); err != nil && !errors.Is(err, ErrJobRunning) {
			logging.Error().Err(err).Str("entity_type", string(j.family)).
				Str("date", day.Format(DateLayout)).Msg("daily aggregation failed")
		}
	}
}

func (j *DailyJob) String() string {
	return "aggregation-" + string(j.family)
}
