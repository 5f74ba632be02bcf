package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/creachadair/atomicfile"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

// FileSnapshot keeps the order-book snapshot in a JSON file holding a flat
// array of orders, ciphertext fields as byte arrays. Each save replaces the
// file atomically.
type FileSnapshot struct {
	path string
}

// NewFileSnapshot creates a snapshot backend writing to path.
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// Path returns the snapshot file location.
func (s *FileSnapshot) Path() string { return s.path }

// SaveOrders writes orders to the snapshot file.
func (s *FileSnapshot) SaveOrders(_ context.Context, orders []orderbook.Order) error {
	if orders == nil {
		orders = []orderbook.Order{}
	}
	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if _, err := atomicfile.WriteAll(s.path, bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadOrders reads the snapshot file. A missing file is an empty book;
// entries with a mis-sized ciphertext are left out and reported.
func (s *FileSnapshot) LoadOrders(_ context.Context) ([]orderbook.Order, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var records []orderJSON
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	var (
		orders []orderbook.Order
		errs   []error
	)
	for _, r := range records {
		o, err := r.order()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		orders = append(orders, o)
	}
	return orders, errors.Join(errs...)
}
