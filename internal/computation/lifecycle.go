// Package computation implements the queue / await protocol shared by
// matching and settlement for asynchronous confidential computations.
package computation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/metrics"
)

var (
	// ErrQueueSubmission means the ledger call that queues a computation failed.
	ErrQueueSubmission = errors.New("queue submission failed")
	// ErrComputationFailed means the backend finalized the computation with a fault.
	ErrComputationFailed = errors.New("computation failed")
	// ErrComputationTimeout means the computation did not finalize before its deadline.
	ErrComputationTimeout = errors.New("computation timed out")
)

// Status is the terminal state of an awaited computation.
type Status int

const (
	Finalized Status = iota
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Request describes one computation to queue.
type Request struct {
	Kind      ledger.Kind
	Inputs    []envelope.Blob
	PublicKey [envelope.KeySize]byte
	Nonce     envelope.Nonce
	// Attempts bounds queue submission retries. Zero uses the configured default.
	Attempts int
}

// Handle identifies a queued computation. It owns the offset's listener
// until AwaitFinalization or Abandon releases it.
type Handle struct {
	Kind      ledger.Kind
	Offset    ledger.Offset
	Signature string
	QueuedAt  time.Time

	listener *ledger.Listener
}

// Result is what AwaitFinalization returns. Event is set for Finalized and
// Failed; Err is set for Failed and TimedOut.
type Result struct {
	Status Status
	Event  *ledger.Event
	Err    error
}

// Config tunes the lifecycle.
type Config struct {
	// Timeout is the deadline used when AwaitFinalization is given none.
	Timeout time.Duration
	// PollInterval is the cadence of Status polls while waiting. Zero disables polling.
	PollInterval time.Duration
	// Backoff is the linear backoff step between queue attempts.
	Backoff time.Duration
	// QueueAttempts is the default number of queue submission attempts.
	QueueAttempts int
}

// Lifecycle queues computations on the ledger and waits for them to finalize.
type Lifecycle struct {
	client    ledger.Client
	listeners *ledger.Listeners
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a Lifecycle. logger and m may be nil.
func New(client ledger.Client, listeners *ledger.Listeners, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	if cfg.QueueAttempts <= 0 {
		cfg.QueueAttempts = 1
	}
	return &Lifecycle{
		client:    client,
		listeners: listeners,
		cfg:       cfg,
		log:       logger,
		metrics:   m,
	}
}

// Queue submits req under a fresh random offset. The offset's listener is
// attached before the ledger call so an early event cannot be missed.
// Retried submissions reuse the same offset.
func (l *Lifecycle) Queue(ctx context.Context, req Request) (*Handle, error) {
	offset, lst, err := l.subscribe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueueSubmission, req.Kind, err)
	}

	attempts := req.Attempts
	if attempts <= 0 {
		attempts = l.cfg.QueueAttempts
	}
	inst := ledger.Instruction{
		Name:      req.Kind.Instruction(),
		Offset:    offset,
		Operands:  req.Inputs,
		PublicKey: req.PublicKey,
		Nonce:     req.Nonce,
	}

	var sig string
	try := 0
	err = Retry(ctx, attempts, l.cfg.Backoff, func(ctx context.Context) error {
		try++
		if try > 1 {
			l.metrics.QueueRetries.With("kind", string(req.Kind)).Add(1)
		}
		s, err := l.client.Invoke(ctx, inst)
		if err != nil {
			l.log.Warn("queue computation",
				zap.String("kind", string(req.Kind)),
				zap.Uint64("offset", uint64(offset)),
				zap.Int("attempt", try),
				zap.Error(err))
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		lst.Close()
		l.metrics.Computations.With("kind", string(req.Kind), "status", "queue_failed").Add(1)
		return nil, fmt.Errorf("%w: %s: %w", ErrQueueSubmission, req.Kind, err)
	}

	l.log.Debug("computation queued",
		zap.String("kind", string(req.Kind)),
		zap.Uint64("offset", uint64(offset)),
		zap.String("signature", sig))
	return &Handle{
		Kind:      req.Kind,
		Offset:    offset,
		Signature: sig,
		QueuedAt:  time.Now(),
		listener:  lst,
	}, nil
}

func (l *Lifecycle) subscribe() (ledger.Offset, *ledger.Listener, error) {
	for {
		offset, err := ledger.NewOffset()
		if err != nil {
			return 0, nil, err
		}
		lst, err := l.listeners.Subscribe(offset)
		if errors.Is(err, ledger.ErrListenerExists) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		return offset, lst, nil
	}
}

// AwaitFinalization blocks until the computation behind h finalizes, the
// deadline elapses, or ctx ends. It never returns an error directly: the
// outcome is in the Result. The handle's listener is always released.
func (l *Lifecycle) AwaitFinalization(ctx context.Context, h *Handle, deadline time.Duration) Result {
	defer h.listener.Close()

	if deadline <= 0 {
		deadline = l.cfg.Timeout
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var poll <-chan time.Time
	if l.cfg.PollInterval > 0 {
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case ev := <-h.listener.C():
			return l.finish(h, &ev)

		case <-poll:
			ev, err := l.client.Status(ctx, h.Offset)
			if err != nil {
				l.log.Debug("poll computation status",
					zap.Uint64("offset", uint64(h.Offset)), zap.Error(err))
				continue
			}
			if ev != nil {
				return l.finish(h, ev)
			}

		case <-timer.C:
			return l.timeout(h, fmt.Errorf("%w: %s offset %d after %s", ErrComputationTimeout, h.Kind, h.Offset, deadline))

		case <-ctx.Done():
			return l.timeout(h, fmt.Errorf("%w: %s offset %d: %w", ErrComputationTimeout, h.Kind, h.Offset, ctx.Err()))
		}
	}
}

// Abandon releases a handle that will not be awaited.
func (l *Lifecycle) Abandon(h *Handle) {
	h.listener.Close()
}

func (l *Lifecycle) finish(h *Handle, ev *ledger.Event) Result {
	l.metrics.ComputationSeconds.With("kind", string(h.Kind)).Observe(time.Since(h.QueuedAt).Seconds())

	var err error
	switch {
	case ev.Status == ledger.StatusFailed:
		err = fmt.Errorf("%w: %s offset %d: %s", ErrComputationFailed, h.Kind, h.Offset, ev.Reason)
	case ev.Status != ledger.StatusFinalized:
		err = fmt.Errorf("%w: %s offset %d: unexpected status %q", ErrComputationFailed, h.Kind, h.Offset, ev.Status)
	case ev.Name != "" && ev.Name != h.Kind.EventName():
		err = fmt.Errorf("%w: %s offset %d: unexpected event %q", ErrComputationFailed, h.Kind, h.Offset, ev.Name)
	}
	if err != nil {
		l.metrics.Computations.With("kind", string(h.Kind), "status", Failed.String()).Add(1)
		l.log.Warn("computation failed", zap.Error(err))
		return Result{Status: Failed, Event: ev, Err: err}
	}

	l.metrics.Computations.With("kind", string(h.Kind), "status", Finalized.String()).Add(1)
	return Result{Status: Finalized, Event: ev}
}

func (l *Lifecycle) timeout(h *Handle, err error) Result {
	l.metrics.Computations.With("kind", string(h.Kind), "status", TimedOut.String()).Add(1)
	l.log.Warn("computation not finalized", zap.Error(err))
	return Result{Status: TimedOut, Err: err}
}
