package orderbook

import (
	"context"
	"testing"

	"pgregory.net/rapid"
)

// TestBookModel drives random add/remove sequences against a plain map model
// and checks that no id is ever open twice.
func TestBookModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := &memStore{}
		b := NewBook(store, nil)
		model := make(map[string]Side)
		ids := rapid.SampledFrom([]string{"a", "b", "c", "d", "e", "f"})

		t.Repeat(map[string]func(*rapid.T){
			"add": func(t *rapid.T) {
				id := ids.Draw(t, "id")
				side := Side(rapid.IntRange(0, 1).Draw(t, "side"))
				err := b.Add(ctx, testOrder(id, side, b.Stamp()))
				if _, open := model[id]; open {
					if err == nil {
						t.Fatalf("duplicate %s accepted", id)
					}
					return
				}
				if err != nil {
					t.Fatalf("add %s: %v", id, err)
				}
				model[id] = side
			},
			"remove": func(t *rapid.T) {
				id := ids.Draw(t, "id")
				removed := b.Remove(ctx, id)
				_, open := model[id]
				if removed != open {
					t.Fatalf("remove %s = %v, model open = %v", id, removed, open)
				}
				delete(model, id)
			},
			"remove twice": func(t *rapid.T) {
				id := ids.Draw(t, "id")
				b.Remove(ctx, id)
				if b.Remove(ctx, id) {
					t.Fatalf("second remove of %s removed something", id)
				}
				delete(model, id)
			},
			"": func(t *rapid.T) {
				seen := make(map[string]bool)
				for _, o := range append(b.ListBuys(), b.ListSells()...) {
					if seen[o.ID] {
						t.Fatalf("id %s open twice", o.ID)
					}
					seen[o.ID] = true
					if model[o.ID] != o.Side {
						t.Fatalf("id %s on side %v, model says %v", o.ID, o.Side, model[o.ID])
					}
				}
				if len(seen) != len(model) {
					t.Fatalf("book has %d orders, model %d", len(seen), len(model))
				}
				if len(store.orders) != len(model) {
					t.Fatalf("snapshot has %d orders, model %d", len(store.orders), len(model))
				}
			},
		})
	})
}
