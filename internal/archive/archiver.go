// Package archive moves old settled records out of the journal into gzipped
// NDJSON files.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

const cursorKey = "archive_cursor"

// Source yields and deletes settled records. Failed records are never
// offered for archiving.
type Source interface {
	SettledBetween(ctx context.Context, from, to time.Time) ([]settlement.Record, error)
	Delete(ctx context.Context, matchIDs []string) error
}

// CursorStore persists the archive cursor.
type CursorStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// Config controls archive cadence and disk budget.
type Config struct {
	Dir      string
	MaxBytes int64
	Interval time.Duration
	After    time.Duration
}

// Archiver periodically moves settled records older than After to
// dir/settlements/YYYY/MM/DD.jsonl.gz, deleting the oldest archives when the
// total size exceeds MaxBytes.
type Archiver struct {
	src   Source
	state CursorStore
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// New creates an Archiver. logger may be nil.
func New(src Source, state CursorStore, cfg Config, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{src: src, state: state, cfg: cfg, log: logger, now: time.Now}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.log.Info("settlement archiver started",
		zap.String("dir", a.cfg.Dir),
		zap.Int64("max_bytes", a.cfg.MaxBytes),
		zap.Duration("interval", a.cfg.Interval),
		zap.Duration("after", a.cfg.After))

	a.Cycle(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cycle(ctx)
		}
	}
}

// Cycle archives everything finalized between the stored cursor and
// now-After, then rotates. Returns the number of records archived.
func (a *Archiver) Cycle(ctx context.Context) int {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		a.log.Warn("archive: load cursor", zap.Error(err))
		return 0
	}

	cutoff := a.now().Add(-a.cfg.After)
	if !cursor.Before(cutoff) {
		return 0
	}

	records, err := a.src.SettledBetween(ctx, cursor, cutoff)
	if err != nil {
		a.log.Warn("archive: query", zap.Error(err))
		return 0
	}
	if len(records) == 0 {
		a.saveCursor(ctx, cutoff)
		return 0
	}

	archived := 0
	batches := groupByDay(records)
	days := make([]string, 0, len(batches))
	for day := range batches {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		batch := batches[day]
		if err := a.writeBatch(day, batch); err != nil {
			a.log.Error("archive: write", zap.String("day", day), zap.Error(err))
			return archived
		}

		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.MatchID
		}
		if err := a.src.Delete(ctx, ids); err != nil {
			a.log.Error("archive: delete", zap.String("day", day), zap.Error(err))
			return archived
		}

		archived += len(batch)
		a.log.Info("archived settlements", zap.String("day", day), zap.Int("count", len(batch)))
	}

	a.saveCursor(ctx, cutoff)
	a.rotate()
	return archived
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	v, ok, err := a.state.GetState(ctx, cursorKey)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return t, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	if err := a.state.SetState(ctx, cursorKey, t.UTC().Format(time.RFC3339Nano)); err != nil {
		a.log.Warn("archive: save cursor", zap.Error(err))
	}
}

func groupByDay(records []settlement.Record) map[string][]settlement.Record {
	batches := make(map[string][]settlement.Record)
	for _, r := range records {
		at := r.UpdatedAt
		if r.FinalizedAt != nil {
			at = *r.FinalizedAt
		}
		day := at.UTC().Format("2006/01/02")
		batches[day] = append(batches[day], r)
	}
	return batches
}

// writeBatch appends records as a gzip member to dir/settlements/<day>.jsonl.gz.
// Concatenated members read back as one stream.
func (a *Archiver) writeBatch(day string, records []settlement.Record) error {
	path := filepath.Join(a.cfg.Dir, "settlements", day+".jsonl.gz")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			gz.Close()
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// rotate deletes the oldest archive files until total size is under MaxBytes.
// MaxBytes <= 0 keeps everything.
func (a *Archiver) rotate() {
	if a.cfg.MaxBytes <= 0 {
		return
	}
	root := filepath.Join(a.cfg.Dir, "settlements")

	type entry struct {
		path string
		size int64
	}

	var files []entry
	var total int64

	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, entry{path: path, size: info.Size()})
		total += info.Size()
		return nil
	})

	if total <= a.cfg.MaxBytes {
		return
	}

	// Path is YYYY/MM/DD so lexicographic = chronological.
	sort.Slice(files, func(i, j int) bool {
		return files[i].path < files[j].path
	})

	for _, f := range files {
		if total <= a.cfg.MaxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			a.log.Warn("archive: remove", zap.String("path", f.path), zap.Error(err))
			continue
		}
		total -= f.size
		a.log.Info("archive rotated out", zap.String("path", f.path), zap.Int64("bytes", f.size))
	}
}
