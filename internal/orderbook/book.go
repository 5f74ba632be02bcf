package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDuplicateOrder is returned by Add when the id is already open on either side.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrOrderNotOpen is returned by RemovePair when either order is absent.
	ErrOrderNotOpen = errors.New("order not open")

	// ErrMalformedEntry marks a stored order that cannot be restored, such as
	// a ciphertext field of the wrong width.
	ErrMalformedEntry = errors.New("malformed snapshot entry")
)

// Snapshotter persists the full set of open orders. SaveOrders overwrites the
// previous snapshot wholesale. LoadOrders leaves out entries it cannot
// restore and reports them with an error wrapping ErrMalformedEntry alongside
// the orders it did restore.
type Snapshotter interface {
	SaveOrders(ctx context.Context, orders []Order) error
	LoadOrders(ctx context.Context) ([]Order, error)
}

// State is the plaintext-free summary pushed to observers after every mutation.
type State struct {
	BuyCount  int   `json:"buyCount"`
	SellCount int   `json:"sellCount"`
	Timestamp int64 `json:"timestamp"` // unix millis
}

// Book holds open orders keyed by id, split by side. Mutations are serialized;
// reads take a shared lock. Every mutation is written through to the
// snapshotter outside the book lock.
type Book struct {
	mu      sync.RWMutex
	buys    map[string]*Order
	sells   map[string]*Order
	seq     uint64
	lastTS  int64
	version uint64

	store     Snapshotter
	persistMu sync.Mutex
	written   uint64

	obsMu     sync.RWMutex
	observers []func(State)

	log *zap.Logger
}

// NewBook creates an empty book. store may be nil for a memory-only book.
func NewBook(store Snapshotter, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		buys:  make(map[string]*Order),
		sells: make(map[string]*Order),
		store: store,
		log:   logger,
	}
}

// Load replaces the book contents with the stored snapshot, re-bucketing each
// order by side. Returns the number of orders restored.
func (b *Book) Load(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	orders, err := b.store.LoadOrders(ctx)
	if err != nil && !errors.Is(err, ErrMalformedEntry) {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if err != nil {
		b.log.Warn("skipping malformed snapshot entries", zap.Error(err))
	}

	b.mu.Lock()
	b.buys = make(map[string]*Order, len(orders))
	b.sells = make(map[string]*Order, len(orders))
	n := 0
	for i := range orders {
		o := orders[i]
		if !o.Side.Valid() || b.containsUnlocked(o.ID) {
			b.log.Warn("skipping snapshot entry", zap.String("order_id", o.ID), zap.Stringer("side", o.Side))
			continue
		}
		b.sideUnlocked(o.Side)[o.ID] = &o
		if o.Seq > b.seq {
			b.seq = o.Seq
		}
		if o.Timestamp > b.lastTS {
			b.lastTS = o.Timestamp
		}
		n++
	}
	b.version++
	b.written = b.version
	b.mu.Unlock()

	b.log.Info("book restored", zap.Int("orders", n))
	b.notify()
	return n, nil
}

// Stamp returns a submission timestamp strictly greater than any issued or
// restored before it.
func (b *Book) Stamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := time.Now().UnixNano()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts
	return ts
}

// Add inserts o into its side and assigns o.Seq. The snapshot write is
// best-effort: a failed write is logged and the insert is kept.
func (b *Book) Add(ctx context.Context, o *Order) error {
	if !o.Side.Valid() {
		return fmt.Errorf("add order %s: invalid side %d", o.ID, o.Side)
	}

	b.mu.Lock()
	if b.containsUnlocked(o.ID) {
		b.mu.Unlock()
		return fmt.Errorf("add order %s: %w", o.ID, ErrDuplicateOrder)
	}
	b.seq++
	o.Seq = b.seq
	if o.Timestamp > b.lastTS {
		b.lastTS = o.Timestamp
	}
	stored := *o
	b.sideUnlocked(o.Side)[o.ID] = &stored
	version, snap := b.commitUnlocked()
	b.mu.Unlock()

	b.log.Debug("order added", zap.String("order_id", o.ID), zap.Stringer("side", o.Side), zap.Uint64("seq", o.Seq))
	b.persist(ctx, version, snap)
	b.notify()
	return nil
}

// Remove deletes id from whichever side holds it. Removing an absent order is
// a no-op; the return value reports whether anything was removed.
func (b *Book) Remove(ctx context.Context, id string) bool {
	b.mu.Lock()
	_, inBuys := b.buys[id]
	_, inSells := b.sells[id]
	if !inBuys && !inSells {
		b.mu.Unlock()
		return false
	}
	delete(b.buys, id)
	delete(b.sells, id)
	version, snap := b.commitUnlocked()
	b.mu.Unlock()

	b.log.Debug("order removed", zap.String("order_id", id))
	b.persist(ctx, version, snap)
	b.notify()
	return true
}

// RemovePair removes a buy and a sell together, or neither.
func (b *Book) RemovePair(ctx context.Context, buyID, sellID string) error {
	b.mu.Lock()
	_, okBuy := b.buys[buyID]
	_, okSell := b.sells[sellID]
	if !okBuy || !okSell {
		b.mu.Unlock()
		return fmt.Errorf("remove pair %s/%s: %w", buyID, sellID, ErrOrderNotOpen)
	}
	delete(b.buys, buyID)
	delete(b.sells, sellID)
	version, snap := b.commitUnlocked()
	b.mu.Unlock()

	b.log.Debug("pair removed", zap.String("buy_id", buyID), zap.String("sell_id", sellID))
	b.persist(ctx, version, snap)
	b.notify()
	return nil
}

// Get returns a copy of an open order.
func (b *Book) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if o, ok := b.buys[id]; ok {
		return *o, true
	}
	if o, ok := b.sells[id]; ok {
		return *o, true
	}
	return Order{}, false
}

// Contains reports whether id is open.
func (b *Book) Contains(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.containsUnlocked(id)
}

// ListBuys returns open buy orders, most recent first.
func (b *Book) ListBuys() []Order {
	b.mu.RLock()
	out := collect(b.buys)
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// ListSells returns open sell orders, oldest first.
func (b *Book) ListSells() []Order {
	b.mu.RLock()
	out := collect(b.sells)
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// List returns the orders resting on side, in that side's priority order.
func (b *Book) List(side Side) []Order {
	if side == SideBuy {
		return b.ListBuys()
	}
	return b.ListSells()
}

// Counts returns the number of open buys and sells.
func (b *Book) Counts() (buys, sells int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buys), len(b.sells)
}

// Len returns the number of open orders.
func (b *Book) Len() int {
	buys, sells := b.Counts()
	return buys + sells
}

// State returns the current observer summary.
func (b *Book) State() State {
	buys, sells := b.Counts()
	return State{BuyCount: buys, SellCount: sells, Timestamp: time.Now().UnixMilli()}
}

// Subscribe registers fn to be called after every mutation. fn must not block.
func (b *Book) Subscribe(fn func(State)) {
	b.obsMu.Lock()
	b.observers = append(b.observers, fn)
	b.obsMu.Unlock()
}

func (b *Book) notify() {
	st := b.State()
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	for _, fn := range b.observers {
		fn(st)
	}
}

func (b *Book) containsUnlocked(id string) bool {
	_, inBuys := b.buys[id]
	_, inSells := b.sells[id]
	return inBuys || inSells
}

func (b *Book) sideUnlocked(s Side) map[string]*Order {
	if s == SideBuy {
		return b.buys
	}
	return b.sells
}

// commitUnlocked bumps the version and captures the snapshot payload in
// buy-then-sell order. Caller holds b.mu.
func (b *Book) commitUnlocked() (uint64, []Order) {
	b.version++
	if b.store == nil {
		return b.version, nil
	}
	snap := make([]Order, 0, len(b.buys)+len(b.sells))
	snap = append(snap, collect(b.buys)...)
	snap = append(snap, collect(b.sells)...)
	return b.version, snap
}

// persist writes snap unless a newer version has already been written.
func (b *Book) persist(ctx context.Context, version uint64, snap []Order) {
	if b.store == nil {
		return
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if version <= b.written {
		return
	}
	if err := b.store.SaveOrders(ctx, snap); err != nil {
		b.log.Warn("snapshot write failed", zap.Uint64("version", version), zap.Error(err))
		return
	}
	b.written = version
}

func collect(m map[string]*Order) []Order {
	out := make([]Order, 0, len(m))
	for _, o := range m {
		out = append(out, *o)
	}
	return out
}
