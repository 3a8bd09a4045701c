// Package fallback is a durable file-backed queue for events the primary
// store could not accept.
//
// A record's lifecycle state is the directory holding its file:
//
//	<root>/pending/    waiting for the retry worker
//	<root>/processed/  persisted, kept until cleanup
//	<root>/failed/     retry ceiling reached or unreadable, needs an operator
//
// Every state change is a single rename. The queue is owned by one process;
// pointing two instances at the same root is not supported.
package fallback

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"dineinsight/internal/analytics"
	"dineinsight/internal/logging"
	"dineinsight/internal/metrics"
)

// State is a queue lifecycle state and the name of its directory.
type State string

const (
	StatePending   State = "pending"
	StateProcessed State = "processed"
	StateFailed    State = "failed"
)

var states = []State{StatePending, StateProcessed, StateFailed}

const fileExt = ".ndjson"

// Record is one line of a fallback file.
type Record struct {
	Event             analytics.RawEvent `json:"event"`
	FallbackReason    string             `json:"fallback_reason"`
	FallbackTimestamp time.Time          `json:"fallback_timestamp"`
	RetryCount        int                `json:"retry_count"`
}

// WriteResult reports where a record landed. OK is false only when neither
// the configured nor the emergency location accepted it; the record was then
// logged in full.
type WriteResult struct {
	OK        bool
	Path      string
	Emergency bool
	Err       error
}

// PendingEvent is a record read back from a pending file.
type PendingEvent struct {
	Event      analytics.RawEvent
	Path       string
	RetryCount int
	Reason     string
}

// Stats holds file counts per state across the configured and emergency roots.
type Stats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Processed int `json:"processed"`
}

// Storage is the file-backed queue.
type Storage struct {
	dir          string
	emergencyDir string
	now          func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithEmergencyDir overrides the second-tier root. Empty keeps the default.
func WithEmergencyDir(dir string) Option {
	return func(s *Storage) {
		if dir != "" {
			s.emergencyDir = dir
		}
	}
}

// New returns a queue rooted at dir. The emergency root defaults to a
// directory under the OS temp directory.
func New(dir string, opts ...Option) *Storage {
	s := &Storage{
		dir:          dir,
		emergencyDir: filepath.Join(os.TempDir(), "dineinsight-fallback"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the configured root.
func (s *Storage) Dir() string { return s.dir }

func (s *Storage) roots() []string {
	return []string{s.dir, s.emergencyDir}
}

// Initialize creates the state directories under the configured root. It is
// idempotent and only logs failures so writers can still try the emergency root.
func (s *Storage) Initialize() {
	for _, st := range states {
		if err := os.MkdirAll(filepath.Join(s.dir, string(st)), 0o755); err != nil {
			logging.Error().Err(err).Str("dir", s.dir).Str("state", string(st)).
				Msg("fallback: failed to create state directory")
		}
	}
}

// WriteEvent parks ev in pending. It never returns an error: on failure it
// tries the emergency root, and failing that logs the record verbatim.
func (s *Storage) WriteEvent(ev analytics.RawEvent, reason string) WriteResult {
	rec := Record{
		Event:             ev,
		FallbackReason:    reason,
		FallbackTimestamp: s.now().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		metrics.FallbackWrites.WithLabelValues("lost").Inc()
		logging.Error().Err(err).Interface("record", rec).Msg("fallback: cannot encode record, event lost for replay")
		return WriteResult{Err: err}
	}
	line = append(line, '\n')

	path, err := s.writeFile(s.dir, line)
	if err == nil {
		metrics.FallbackWrites.WithLabelValues("primary").Inc()
		return WriteResult{OK: true, Path: path}
	}
	logging.Warn().Err(err).Str("dir", s.dir).Msg("fallback: primary location unwritable, using emergency location")

	path, emErr := s.writeFile(s.emergencyDir, line)
	if emErr == nil {
		metrics.FallbackWrites.WithLabelValues("emergency").Inc()
		return WriteResult{OK: true, Path: path, Emergency: true}
	}

	metrics.FallbackWrites.WithLabelValues("lost").Inc()
	logging.Error().Err(emErr).RawJSON("record", bytes.TrimSpace(line)).
		Msg("fallback: all locations unwritable, event lost for replay")
	return WriteResult{Err: errors.Join(err, emErr)}
}

// WriteBatch writes each event separately and returns how many were queued.
func (s *Storage) WriteBatch(events []analytics.RawEvent, reason string) int {
	n := 0
	for _, ev := range events {
		if s.WriteEvent(ev, reason).OK {
			n++
		}
	}
	return n
}

// writeFile creates a new uniquely named pending file holding data. The
// content goes to a hidden temp name first and is renamed into place, so
// readers never observe a partial record.
func (s *Storage) writeFile(root string, data []byte) (string, error) {
	dir := filepath.Join(root, string(StatePending))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%020d_%s%s", StatePending, s.now().UnixNano(), uuid.NewString()[:8], fileExt)
	tmp := filepath.Join(dir, "."+name)
	final := filepath.Join(dir, name)

	if err := writeSynced(tmp, data); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return final, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// PendingEvents reads up to limit pending files, oldest first, across both
// roots. Unreadable files are logged and moved to failed.
func (s *Storage) PendingEvents(limit int) ([]PendingEvent, error) {
	var files []string
	for _, root := range s.roots() {
		names, err := listQueueFiles(filepath.Join(root, string(StatePending)))
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			files = append(files, filepath.Join(root, string(StatePending), n))
		}
	}
	sort.Slice(files, func(i, j int) bool { return filepath.Base(files[i]) < filepath.Base(files[j]) })

	var out []PendingEvent
	read := 0
	for _, path := range files {
		if limit > 0 && read >= limit {
			break
		}
		read++
		recs, err := readRecords(path)
		if err != nil {
			logging.Error().Err(err).Str("file", path).Msg("fallback: skipping corrupt file")
			if mvErr := s.move(path, StateFailed); mvErr != nil {
				logging.Error().Err(mvErr).Str("file", path).Msg("fallback: failed to quarantine corrupt file")
			}
			continue
		}
		for _, r := range recs {
			out = append(out, PendingEvent{Event: r.Event, Path: path, RetryCount: r.RetryCount, Reason: r.FallbackReason})
		}
	}
	return out, nil
}

// listQueueFiles returns visible queue file names in dir, sorted. A missing
// directory is empty.
func listQueueFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recs []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errors.New("no records")
	}
	return recs, nil
}

// MarkProcessed moves a pending file to processed and stamps it with the
// move time, which Cleanup ages from.
func (s *Storage) MarkProcessed(path string) error {
	if err := s.move(path, StateProcessed); err != nil {
		return err
	}
	now := s.now()
	dest := siblingPath(path, StateProcessed)
	if err := os.Chtimes(dest, now, now); err != nil {
		logging.Warn().Err(err).Str("file", dest).Msg("fallback: failed to stamp processed file")
	}
	return nil
}

// MarkFailed moves a pending file to failed.
func (s *Storage) MarkFailed(path string) error {
	return s.move(path, StateFailed)
}

func siblingPath(path string, to State) string {
	root := filepath.Dir(filepath.Dir(path))
	return filepath.Join(root, string(to), filepath.Base(path))
}

func (s *Storage) move(path string, to State) error {
	if State(filepath.Base(filepath.Dir(path))) != StatePending {
		return fmt.Errorf("fallback: %s is not a pending file", path)
	}
	dest := siblingPath(path, to)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("fallback: move to %s: %w", to, err)
	}
	return nil
}

// IncrementRetry bumps retry_count of every record in a pending file. The new
// content is written beside it and renamed over the original.
func (s *Storage) IncrementRetry(path string) error {
	recs, err := readRecords(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range recs {
		recs[i].RetryCount++
		if err := enc.Encode(recs[i]); err != nil {
			return err
		}
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".retry")
	if err := writeSynced(tmp, buf.Bytes()); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Cleanup deletes processed files last modified more than olderThanDays ago
// and returns how many were removed. Pending and failed files are never touched.
func (s *Storage) Cleanup(olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("fallback: cleanup age must be positive, got %d", olderThanDays)
	}
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	removed := 0
	var errs []error
	for _, root := range s.roots() {
		dir := filepath.Join(root, string(StateProcessed))
		names, err := listQueueFiles(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, name := range names {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Stats counts files per state and publishes them as backlog gauges.
func (s *Storage) Stats() Stats {
	count := func(st State) int {
		n := 0
		for _, root := range s.roots() {
			names, err := listQueueFiles(filepath.Join(root, string(st)))
			if err != nil {
				logging.Warn().Err(err).Str("state", string(st)).Msg("fallback: cannot count files")
				continue
			}
			n += len(names)
		}
		return n
	}
	st := Stats{
		Pending:   count(StatePending),
		Failed:    count(StateFailed),
		Processed: count(StateProcessed),
	}
	metrics.FallbackBacklog.WithLabelValues(string(StatePending)).Set(float64(st.Pending))
	metrics.FallbackBacklog.WithLabelValues(string(StateFailed)).Set(float64(st.Failed))
	metrics.FallbackBacklog.WithLabelValues(string(StateProcessed)).Set(float64(st.Processed))
	return st
}
