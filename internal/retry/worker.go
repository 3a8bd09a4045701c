// Package retry drains the fallback queue back into the primary store.
package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dineinsight/internal/analytics"
	"dineinsight/internal/fallback"
	"dineinsight/internal/logging"
	"dineinsight/internal/metrics"
)

// Queue is the part of the fallback storage the worker drives.
type Queue interface {
	Initialize()
	PendingEvents(limit int) ([]fallback.PendingEvent, error)
	MarkProcessed(path string) error
	MarkFailed(path string) error
	IncrementRetry(path string) error
	Cleanup(olderThanDays int) (int, error)
}

// Processor persists events; satisfied by *analytics.Processor.
type Processor interface {
	ProcessEvents(ctx context.Context, events []analytics.RawEvent) analytics.Outcome
}

// Config holds the worker's schedule and limits.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	CleanupDays int
}

// DefaultConfig returns a 5 minute interval, batches of 100, a ceiling of 5
// retries and 7 day retention of processed files.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, BatchSize: 100, MaxRetries: 5, CleanupDays: 7}
}

// CycleReport summarizes one retry cycle. Counts are per file except
// Duplicates and Persisted, which count records.
type CycleReport struct {
	Skipped    bool   `json:"skipped"`
	Files      int    `json:"files"`
	Processed  int    `json:"processed"`
	Persisted  int    `json:"persisted"`
	Duplicates int    `json:"duplicates"`
	Retried    int    `json:"retried"`
	Failed     int    `json:"failed"`
	Cleaned    int    `json:"cleaned"`
	Error      string `json:"error,omitempty"`
}

// Status is the worker's health view.
type Status struct {
	Running    bool  `json:"running"`
	IntervalMs int64 `json:"interval_ms"`
}

// Worker periodically replays pending fallback records. Construct one per
// process with New; it holds no package-level state.
type Worker struct {
	queue Queue
	proc  Processor
	cfg   Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}

	cycling atomic.Bool
}

// New returns a stopped worker. Zero config fields take DefaultConfig values.
func New(queue Queue, proc Processor, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = def.CleanupDays
	}
	return &Worker{queue: queue, proc: proc, cfg: cfg}
}

// Start initializes the queue, runs one cycle right away and then one every
// interval. Calling Start on a running worker does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})

	w.queue.Initialize()
	go w.loop(ctx, w.stop)

	logging.Info().Dur("interval", w.cfg.Interval).Int("max_retries", w.cfg.MaxRetries).
		Msg("retry worker started")
}

// Stop cancels future cycles. A cycle already running is left to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stop)
	w.running = false
	logging.Info().Msg("retry worker stopped")
}

// Status reports whether the schedule is active and its interval.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Running: w.running, IntervalMs: w.cfg.Interval.Milliseconds()}
}

func (w *Worker) loop(ctx context.Context, stop <-chan struct{}) {
	w.RunRetry(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunRetry(ctx)
		}
	}
}

// Serve implements suture.Service: the worker runs until ctx is canceled.
func (w *Worker) Serve(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	return ctx.Err()
}

func (w *Worker) String() string { return "retry-worker" }

// RunRetry performs one cycle. If another cycle is in flight it returns
// immediately with Skipped set. Records are handled one file at a time.
func (w *Worker) RunRetry(ctx context.Context) CycleReport {
	if !w.cycling.CompareAndSwap(false, true) {
		logging.Warn().Msg("retry cycle still running, skipping tick")
		metrics.RetryCycles.WithLabelValues("skipped").Inc()
		return CycleReport{Skipped: true}
	}
	defer w.cycling.Store(false)

	var rep CycleReport
	pending, err := w.queue.PendingEvents(w.cfg.BatchSize)
	if err != nil {
		logging.Error().Err(err).Msg("retry: failed to read pending events")
		metrics.RetryCycles.WithLabelValues("error").Inc()
		rep.Error = err.Error()
		return rep
	}

	for _, file := range groupByFile(pending) {
		if ctx.Err() != nil {
			break
		}
		rep.Files++
		w.handleFile(ctx, file, &rep)
	}

	if rep.Processed > 0 {
		n, err := w.queue.Cleanup(w.cfg.CleanupDays)
		if err != nil {
			logging.Warn().Err(err).Msg("retry: fallback cleanup incomplete")
		}
		rep.Cleaned = n
	}

	metrics.RetryCycles.WithLabelValues("completed").Inc()
	if rep.Files > 0 {
		logging.Info().Int("files", rep.Files).Int("processed", rep.Processed).
			Int("retried", rep.Retried).Int("failed", rep.Failed).Int("cleaned", rep.Cleaned).
			Msg("retry cycle complete")
	}
	return rep
}

type pendingFile struct {
	path       string
	retryCount int
	events     []analytics.RawEvent
}

// groupByFile keeps records of one file together, in first-seen order.
func groupByFile(pending []fallback.PendingEvent) []pendingFile {
	idx := make(map[string]int)
	var files []pendingFile
	for _, p := range pending {
		i, ok := idx[p.Path]
		if !ok {
			i = len(files)
			idx[p.Path] = i
			files = append(files, pendingFile{path: p.Path})
		}
		f := &files[i]
		f.events = append(f.events, p.Event)
		if p.RetryCount > f.retryCount {
			f.retryCount = p.RetryCount
		}
	}
	return files
}

func (w *Worker) handleFile(ctx context.Context, f pendingFile, rep *CycleReport) {
	if f.retryCount >= w.cfg.MaxRetries {
		if err := w.queue.MarkFailed(f.path); err != nil {
			logging.Error().Err(err).Str("file", f.path).Msg("retry: failed to mark file failed")
			return
		}
		rep.Failed++
		metrics.RetryRecords.WithLabelValues("failed").Inc()
		logging.Warn().Str("file", f.path).Int("retry_count", f.retryCount).
			Msg("retry: ceiling reached, moved to failed")
		return
	}

	out := w.proc.ProcessEvents(ctx, f.events)
	if out.Failed == 0 {
		if err := w.queue.MarkProcessed(f.path); err != nil {
			logging.Error().Err(err).Str("file", f.path).Msg("retry: failed to mark file processed")
			return
		}
		rep.Processed++
		rep.Persisted += out.Success
		rep.Duplicates += out.Duplicates
		metrics.RetryRecords.WithLabelValues("processed").Inc()
		return
	}

	if err := w.queue.IncrementRetry(f.path); err != nil {
		logging.Error().Err(err).Str("file", f.path).Msg("retry: failed to record attempt")
	}
	rep.Retried++
	metrics.RetryRecords.WithLabelValues("retried").Inc()
	logging.Debug().Str("file", f.path).Int("retry_count", f.retryCount+1).
		Err(out.Failures[0].Err).Msg("retry: replay failed, left pending")
}
