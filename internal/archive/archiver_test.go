package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

type fakeSource struct {
	mu        sync.Mutex
	records   map[string]settlement.Record
	deleteErr error
	queries   int
}

func (f *fakeSource) SettledBetween(_ context.Context, from, to time.Time) ([]settlement.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var out []settlement.Record
	for _, r := range f.records {
		if r.State != settlement.StateSettled || r.FinalizedAt == nil {
			continue
		}
		if !r.FinalizedAt.Before(from) && r.FinalizedAt.Before(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinalizedAt.Before(*out[j].FinalizedAt) })
	return out, nil
}

func (f *fakeSource) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}

type memState map[string]string

func (m memState) GetState(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memState) SetState(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

var now = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func record(id string, state settlement.State, finalized time.Time) settlement.Record {
	return settlement.Record{
		MatchID:     id,
		State:       state,
		CreatedAt:   finalized.Add(-time.Minute),
		UpdatedAt:   finalized,
		FinalizedAt: &finalized,
	}
}

func newArchiver(t *testing.T, src Source, state CursorStore, maxBytes int64) (*Archiver, string) {
	t.Helper()
	dir := t.TempDir()
	a := New(src, state, Config{Dir: dir, MaxBytes: maxBytes, Interval: time.Hour, After: 24 * time.Hour}, nil)
	a.now = func() time.Time { return now }
	return a, dir
}

func readArchive(t *testing.T, path string) []settlement.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var out []settlement.Record
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var r settlement.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestCycleArchivesOldSettledRecords(t *testing.T) {
	src := &fakeSource{records: map[string]settlement.Record{
		"old-1":  record("old-1", settlement.StateSettled, time.Date(2026, 6, 8, 10, 0, 0, 0, time.UTC)),
		"old-2":  record("old-2", settlement.StateSettled, time.Date(2026, 6, 8, 11, 0, 0, 0, time.UTC)),
		"old-3":  record("old-3", settlement.StateSettled, time.Date(2026, 6, 7, 9, 0, 0, 0, time.UTC)),
		"fresh":  record("fresh", settlement.StateSettled, now.Add(-time.Hour)),
		"failed": record("failed", settlement.StateFailed, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
	}}
	state := memState{}
	a, dir := newArchiver(t, src, state, 0)

	require.Equal(t, 3, a.Cycle(context.Background()))

	day8 := readArchive(t, filepath.Join(dir, "settlements", "2026", "06", "08.jsonl.gz"))
	require.Len(t, day8, 2)
	require.Equal(t, "old-1", day8[0].MatchID)
	require.Equal(t, "old-2", day8[1].MatchID)

	day7 := readArchive(t, filepath.Join(dir, "settlements", "2026", "06", "07.jsonl.gz"))
	require.Len(t, day7, 1)

	require.Contains(t, src.records, "fresh")
	require.Contains(t, src.records, "failed")
	require.Len(t, src.records, 2)

	require.Equal(t, now.Add(-24*time.Hour).Format(time.RFC3339Nano), state[cursorKey])
}

func TestCycleAppendsToExistingDay(t *testing.T) {
	day := time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{records: map[string]settlement.Record{
		"a": record("a", settlement.StateSettled, day.Add(time.Hour)),
	}}
	state := memState{}
	a, dir := newArchiver(t, src, state, 0)
	require.Equal(t, 1, a.Cycle(context.Background()))

	// A record finalized before the cursor would be skipped, so rewind it.
	delete(state, cursorKey)
	src.records["b"] = record("b", settlement.StateSettled, day.Add(2*time.Hour))
	require.Equal(t, 1, a.Cycle(context.Background()))

	got := readArchive(t, filepath.Join(dir, "settlements", "2026", "06", "08.jsonl.gz"))
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].MatchID)
	require.Equal(t, "b", got[1].MatchID)
}

func TestCycleSkipsWhenCursorCurrent(t *testing.T) {
	src := &fakeSource{records: map[string]settlement.Record{}}
	state := memState{cursorKey: now.Format(time.RFC3339Nano)}
	a, _ := newArchiver(t, src, state, 0)

	require.Equal(t, 0, a.Cycle(context.Background()))
	require.Equal(t, 0, src.queries)
}

func TestCycleKeepsRecordsWhenDeleteFails(t *testing.T) {
	src := &fakeSource{
		records: map[string]settlement.Record{
			"a": record("a", settlement.StateSettled, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
		},
		deleteErr: errors.New("mongo down"),
	}
	state := memState{}
	a, _ := newArchiver(t, src, state, 0)

	require.Equal(t, 0, a.Cycle(context.Background()))
	require.Contains(t, src.records, "a")
	require.NotContains(t, state, cursorKey)
}

func TestRotateRemovesOldestFirst(t *testing.T) {
	a, dir := newArchiver(t, &fakeSource{}, memState{}, 150)
	root := filepath.Join(dir, "settlements", "2026", "01")
	require.NoError(t, os.MkdirAll(root, 0o755))
	for _, name := range []string{"01.jsonl.gz", "02.jsonl.gz", "03.jsonl.gz"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), make([]byte, 100), 0o644))
	}

	a.rotate()

	_, err := os.Stat(filepath.Join(root, "01.jsonl.gz"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "02.jsonl.gz"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "03.jsonl.gz"))
	require.NoError(t, err)
}
