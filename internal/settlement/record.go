// Package settlement drives confirmed matches through the settle circuit and
// records the outcome.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
)

// ErrRecordNotFound is returned when a journal has no record for a match.
var ErrRecordNotFound = errors.New("settlement record not found")

// State is a settlement's position in its state machine:
// matched → awaiting_queue → awaiting_finalization → settled | failed.
type State string

const (
	StateMatched              State = "matched"
	StateAwaitingQueue        State = "awaiting_queue"
	StateAwaitingFinalization State = "awaiting_finalization"
	StateSettled              State = "settled"
	StateFailed               State = "failed"
)

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateMatched, StateAwaitingQueue, StateAwaitingFinalization, StateSettled, StateFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown settlement state %q", s)
}

// Final reports whether no further transition is possible.
func (s State) Final() bool {
	return s == StateSettled || s == StateFailed
}

// Record is the outcome of settling one match. It is immutable once Final.
type Record struct {
	MatchID        string          `json:"matchId"`
	BuyOrderID     string          `json:"buyOrderId"`
	SellOrderID    string          `json:"sellOrderId"`
	State          State           `json:"state"`
	MatchOffset    ledger.Offset   `json:"matchOffset,string"`
	Offset         ledger.Offset   `json:"offset,string,omitempty"`
	QueueSignature string          `json:"queueSignature,omitempty"`
	TxSignature    string          `json:"txSignature,omitempty"`
	Directives     []envelope.Blob `json:"directives,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	FinalizedAt    *time.Time      `json:"finalizedAt,omitempty"`
}

// Success reports whether the match settled on the ledger.
func (r Record) Success() bool { return r.State == StateSettled }

// Pending reports whether the settle computation was queued on the ledger
// but its outcome was never observed.
func (r Record) Pending() bool {
	return r.State == StateAwaitingFinalization && r.Offset != 0
}

// Filter selects records from a journal. Zero values match everything.
type Filter struct {
	State State
	Limit int
}

// Journal stores settlement records keyed by match id.
type Journal interface {
	// Put inserts or replaces the record for r.MatchID.
	Put(ctx context.Context, r Record) error
	// Get returns ErrRecordNotFound when matchID is unknown.
	Get(ctx context.Context, matchID string) (Record, error)
	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
}

// MemoryJournal is a Journal held in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]Record)}
}

func (j *MemoryJournal) Put(_ context.Context, r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[r.MatchID] = r
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, matchID string) (Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	r, ok := j.records[matchID]
	if !ok {
		return Record{}, fmt.Errorf("get %s: %w", matchID, ErrRecordNotFound)
	}
	return r, nil
}

func (j *MemoryJournal) List(_ context.Context, f Filter) ([]Record, error) {
	j.mu.RLock()
	out := []Record{}
	for _, r := range j.records {
		if f.State != "" && r.State != f.State {
			continue
		}
		out = append(out, r)
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
