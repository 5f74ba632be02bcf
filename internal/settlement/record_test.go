package settlement

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryJournal(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, st := range []State{StateSettled, StateFailed, StateSettled, StateAwaitingFinalization} {
		j.Put(ctx, Record{
			MatchID:   string(rune('a' + i)),
			State:     st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	all, _ := j.List(ctx, Filter{})
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
	if all[0].MatchID != "d" {
		t.Fatalf("expected newest first, got %s", all[0].MatchID)
	}

	settled, _ := j.List(ctx, Filter{State: StateSettled})
	if len(settled) != 2 {
		t.Fatalf("expected 2 settled, got %d", len(settled))
	}

	limited, _ := j.List(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("expected limit 1, got %d", len(limited))
	}

	if _, err := j.Get(ctx, "zzz"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	// Put replaces.
	j.Put(ctx, Record{MatchID: "a", State: StateFailed, CreatedAt: base})
	r, err := j.Get(ctx, "a")
	if err != nil || r.State != StateFailed {
		t.Fatalf("replace failed: %+v %v", r, err)
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"matched", "awaiting_queue", "awaiting_finalization", "settled", "failed"} {
		if _, err := ParseState(s); err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
	}
	if _, err := ParseState("pending"); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if !StateSettled.Final() || !StateFailed.Final() || StateAwaitingQueue.Final() {
		t.Fatal("Final() mismatch")
	}
}
