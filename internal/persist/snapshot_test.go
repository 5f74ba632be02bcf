package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

func testOrder(id string, side orderbook.Side, fill byte) *orderbook.Order {
	o := &orderbook.Order{ID: id, Side: side, Owner: "owner-" + id, Chain: "solana"}
	for i := range o.Price {
		o.Price[i] = fill
		o.Size[i] = fill + 1
		o.Expiry[i] = fill + 2
	}
	return o
}

// restartRoundTrip fills a book backed by store with three orders, then
// loads a fresh book from the same store.
func restartRoundTrip(t *testing.T, store orderbook.Snapshotter) {
	t.Helper()
	ctx := context.Background()

	book := orderbook.NewBook(store, nil)
	for _, o := range []*orderbook.Order{
		testOrder("B1", orderbook.SideBuy, 10),
		testOrder("S1", orderbook.SideSell, 20),
		testOrder("B2", orderbook.SideBuy, 30),
	} {
		o.Timestamp = book.Stamp()
		if err := book.Add(ctx, o); err != nil {
			t.Fatalf("add %s: %v", o.ID, err)
		}
	}

	restored := orderbook.NewBook(store, nil)
	n, err := restored.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 3 {
		t.Fatalf("restored %d orders, want 3", n)
	}
	buys, sells := restored.Counts()
	if buys != 2 || sells != 1 {
		t.Fatalf("counts = %d buys %d sells, want 2/1", buys, sells)
	}
	for _, id := range []string{"B1", "S1", "B2"} {
		want, _ := book.Get(id)
		got, ok := restored.Get(id)
		if !ok {
			t.Fatalf("%s missing after reload", id)
		}
		if got != want {
			t.Errorf("%s = %+v, want %+v", id, got, want)
		}
	}
}

func TestFileSnapshotRestart(t *testing.T) {
	restartRoundTrip(t, NewFileSnapshot(filepath.Join(t.TempDir(), "book", "orderbook.json")))
}

func TestFileSnapshotMissingFile(t *testing.T) {
	s := NewFileSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	orders, err := s.LoadOrders(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("got %d orders from a missing file", len(orders))
	}
}

func TestFileSnapshotFormat(t *testing.T) {
	ctx := context.Background()
	s := NewFileSnapshot(filepath.Join(t.TempDir(), "orderbook.json"))
	if err := s.SaveOrders(ctx, []orderbook.Order{*testOrder("B1", orderbook.SideBuy, 7)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("snapshot is not a JSON array: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("got %d entries, want 1", len(raw))
	}
	price, ok := raw[0]["price"].([]any)
	if !ok || len(price) != orderbook.CiphertextSize {
		t.Fatalf("price = %v, want a %d-element byte array", raw[0]["price"], orderbook.CiphertextSize)
	}
	if price[0].(float64) != 7 {
		t.Fatalf("price[0] = %v, want 7", price[0])
	}
}

func TestFileSnapshotOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewFileSnapshot(filepath.Join(t.TempDir(), "orderbook.json"))
	if err := s.SaveOrders(ctx, []orderbook.Order{*testOrder("B1", orderbook.SideBuy, 1), *testOrder("S1", orderbook.SideSell, 2)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveOrders(ctx, nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	orders, err := s.LoadOrders(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("got %d orders after saving an empty book", len(orders))
	}
}

func TestFileSnapshotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderbook.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSnapshot(path).LoadOrders(context.Background()); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
}

func openMemPebble(t *testing.T) *PebbleSnapshot {
	t.Helper()
	s, err := OpenPebbleSnapshot("book", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleSnapshotRestart(t *testing.T) {
	restartRoundTrip(t, openMemPebble(t))
}

func TestPebbleSnapshotReplacesContents(t *testing.T) {
	ctx := context.Background()
	s := openMemPebble(t)

	first := []orderbook.Order{*testOrder("B1", orderbook.SideBuy, 1), *testOrder("S1", orderbook.SideSell, 2)}
	first[0].Seq, first[1].Seq = 1, 2
	if err := s.SaveOrders(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := []orderbook.Order{*testOrder("S2", orderbook.SideSell, 3)}
	second[0].Seq = 3
	if err := s.SaveOrders(ctx, second); err != nil {
		t.Fatalf("save: %v", err)
	}

	orders, err := s.LoadOrders(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "S2" {
		t.Fatalf("loaded %+v, want only S2", orders)
	}
}

func TestPebbleSnapshotSeqOrder(t *testing.T) {
	ctx := context.Background()
	s := openMemPebble(t)

	var orders []orderbook.Order
	for i, id := range []string{"C", "A", "B"} {
		o := *testOrder(id, orderbook.SideBuy, byte(i))
		o.Seq = uint64(10 - i)
		orders = append(orders, o)
	}
	if err := s.SaveOrders(ctx, orders); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadOrders(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"B", "A", "C"}
	for i, o := range got {
		if o.ID != want[i] {
			t.Fatalf("order %d = %s, want %s", i, o.ID, want[i])
		}
	}
}

func TestOrderDocRoundTrip(t *testing.T) {
	o := *testOrder("B1", orderbook.SideSell, 9)
	o.Seq = 42
	o.Timestamp = 1700000000000000000
	got, err := fromDoc(toDoc(o))
	if err != nil {
		t.Fatalf("fromDoc: %v", err)
	}
	if got != o {
		t.Fatalf("round trip = %+v, want %+v", got, o)
	}
}

func TestOrderDocRejectsShortField(t *testing.T) {
	d := toDoc(*testOrder("B1", orderbook.SideBuy, 1))
	d.Size = d.Size[:10]
	if _, err := fromDoc(d); err == nil {
		t.Fatal("expected error for truncated size")
	}
}

func TestOrderDocMalformedEntry(t *testing.T) {
	d := toDoc(*testOrder("B1", orderbook.SideBuy, 1))
	d.Expiry = append(d.Expiry, 0)
	if _, err := fromDoc(d); !errors.Is(err, orderbook.ErrMalformedEntry) {
		t.Fatalf("err = %v, want ErrMalformedEntry", err)
	}
}

// writeSnapshot saves orders to a file snapshot, then lets edit rewrite the
// decoded JSON before it is written back.
func writeSnapshot(t *testing.T, orders []orderbook.Order, edit func([]map[string]any)) *FileSnapshot {
	t.Helper()
	s := NewFileSnapshot(filepath.Join(t.TempDir(), "orderbook.json"))
	if err := s.SaveOrders(context.Background(), orders); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	edit(raw)
	if data, err = json.Marshal(raw); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileSnapshotRejectsMisSizedCiphertext(t *testing.T) {
	cases := []struct {
		name string
		edit func(entry map[string]any)
	}{
		{"short price", func(e map[string]any) { e["price"] = e["price"].([]any)[:31] }},
		{"long size", func(e map[string]any) { e["size"] = append(e["size"].([]any), 0) }},
		{"missing expiry", func(e map[string]any) { delete(e, "expiry") }},
		{"byte out of range", func(e map[string]any) { e["price"].([]any)[0] = 256 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := []orderbook.Order{*testOrder("B1", orderbook.SideBuy, 1), *testOrder("S1", orderbook.SideSell, 2)}
			s := writeSnapshot(t, orders, func(raw []map[string]any) { tc.edit(raw[1]) })

			got, err := s.LoadOrders(context.Background())
			if !errors.Is(err, orderbook.ErrMalformedEntry) {
				t.Fatalf("err = %v, want ErrMalformedEntry", err)
			}
			if len(got) != 1 || got[0] != orders[0] {
				t.Fatalf("loaded %+v, want only the intact B1", got)
			}

			book := orderbook.NewBook(s, nil)
			n, err := book.Load(context.Background())
			if err != nil {
				t.Fatalf("book load: %v", err)
			}
			if n != 1 || book.Contains("S1") {
				t.Fatalf("book restored %d orders, S1 present=%v", n, book.Contains("S1"))
			}
		})
	}
}

func TestPebbleSnapshotRejectsMisSizedCiphertext(t *testing.T) {
	ctx := context.Background()
	s := openMemPebble(t)

	good := *testOrder("B1", orderbook.SideBuy, 1)
	good.Seq = 1
	if err := s.SaveOrders(ctx, []orderbook.Order{good}); err != nil {
		t.Fatalf("save: %v", err)
	}

	bad := *testOrder("S1", orderbook.SideSell, 2)
	bad.Seq = 2
	val, err := json.Marshal(bad)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(val, &raw); err != nil {
		t.Fatal(err)
	}
	raw["price"] = raw["price"].([]any)[:31]
	if val, err = json.Marshal(raw); err != nil {
		t.Fatal(err)
	}
	if err := s.db.Set(orderKey(bad), val, pebble.Sync); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.db.Set([]byte("order/00000000000000000003/junk"), []byte("{"), pebble.Sync); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.LoadOrders(ctx)
	if !errors.Is(err, orderbook.ErrMalformedEntry) {
		t.Fatalf("err = %v, want ErrMalformedEntry", err)
	}
	if len(got) != 1 || got[0] != good {
		t.Fatalf("loaded %+v, want only B1", got)
	}
}
