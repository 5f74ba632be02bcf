package computation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
)

// Retry calls fn up to attempts times, sleeping backoff*n after the nth
// failure. It gives up early when ctx ends.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 1; ; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry interrupted: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// FetchBackendKey retrieves the backend's published key with bounded retry.
func FetchBackendKey(ctx context.Context, client ledger.Client, attempts int, backoff time.Duration, logger *zap.Logger) ([]byte, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var key []byte
	err := Retry(ctx, attempts, backoff, func(ctx context.Context) error {
		k, err := client.PublicKey(ctx)
		if err != nil {
			logger.Warn("backend key not available", zap.Error(err))
			return err
		}
		if len(k) != envelope.KeySize {
			return fmt.Errorf("backend key has %d bytes, want %d", len(k), envelope.KeySize)
		}
		key = k
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch backend key: %w", err)
	}
	return key, nil
}

// InitCircuits registers the computation definition for each kind. A circuit
// that already exists counts as initialized.
func InitCircuits(ctx context.Context, client ledger.Client, kinds []ledger.Kind, attempts int, backoff time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, kind := range kinds {
		err := Retry(ctx, attempts, backoff, func(ctx context.Context) error {
			err := client.InitCircuit(ctx, kind)
			if errors.Is(err, ledger.ErrAlreadyInitialized) {
				logger.Info("circuit already initialized", zap.String("kind", string(kind)))
				return nil
			}
			if err != nil {
				logger.Warn("init circuit", zap.String("kind", string(kind)), zap.Error(err))
				return err
			}
			logger.Info("circuit initialized", zap.String("kind", string(kind)))
			return nil
		})
		if err != nil {
			return fmt.Errorf("init circuit %s: %w", kind, err)
		}
	}
	return nil
}
