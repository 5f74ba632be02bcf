package computation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger/ledgertest"
)

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), 4, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetryLinearBackoff(t *testing.T) {
	start := time.Now()
	Retry(context.Background(), 3, 10*time.Millisecond, func(context.Context) error {
		return errors.New("fail")
	})
	// 10ms + 20ms between three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 10, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestFetchBackendKeyRetries(t *testing.T) {
	backend := ledgertest.New(ledger.NewListeners())
	backend.FailKeyFetches(2)

	key, err := FetchBackendKey(context.Background(), backend, 10, time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, backend.Key(), key)
	assert.Equal(t, 3, backend.KeyFetches)
}

func TestFetchBackendKeyGivesUp(t *testing.T) {
	backend := ledgertest.New(ledger.NewListeners())
	backend.FailKeyFetches(100)

	_, err := FetchBackendKey(context.Background(), backend, 3, time.Millisecond, nil)
	require.Error(t, err)
	assert.Equal(t, 3, backend.KeyFetches)
}

func TestInitCircuitsIdempotent(t *testing.T) {
	backend := ledgertest.New(ledger.NewListeners())
	kinds := []ledger.Kind{ledger.KindCompare, ledger.KindSettle}

	require.NoError(t, InitCircuits(context.Background(), backend, kinds, 3, time.Millisecond, nil))
	assert.True(t, backend.Initialized(ledger.KindCompare))
	assert.True(t, backend.Initialized(ledger.KindSettle))
	assert.False(t, backend.Initialized(ledger.KindCancel))

	// Second run sees "already initialized" and still succeeds.
	require.NoError(t, InitCircuits(context.Background(), backend, kinds, 3, time.Millisecond, nil))
}
