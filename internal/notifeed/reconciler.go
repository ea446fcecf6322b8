package notifeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultFlushInterval = 5 * time.Minute
	defaultFlushTimeout  = 15 * time.Second
)

// Reconciler converts locally-batched intent into confirmed server
// state: one combined batch write per interval instead of one request
// per click. A failed flush restores the drained IDs for the next tick,
// so intent is delivered at least once.
type Reconciler struct {
	ledger   *Ledger
	api      RemoteAPI
	log      zerolog.Logger
	interval time.Duration
	timeout  time.Duration
	eligible func() bool

	// flushMu is the single-flight guard: a manual flush between two
	// ticks serializes with the scheduled one, and every flush drains
	// the live ledger rather than a stale snapshot.
	flushMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type ReconcilerOptions struct {
	Ledger *Ledger
	API    RemoteAPI
	Logger zerolog.Logger

	// FlushInterval between scheduled flush ticks. Defaults to 5m.
	FlushInterval time.Duration
	// FlushTimeout bounds one batch write. Defaults to 15s.
	FlushTimeout time.Duration
	// Eligible gates scheduled ticks; nil means always eligible.
	Eligible func() bool
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidInput)
	}
	if opts.API == nil {
		return nil, fmt.Errorf("%w: remote API is required", ErrInvalidInput)
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	timeout := opts.FlushTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	return &Reconciler{
		ledger:   opts.Ledger,
		api:      opts.API,
		log:      opts.Logger,
		interval: interval,
		timeout:  timeout,
		eligible: opts.Eligible,
	}, nil
}

// Start launches the flush timer and returns a cancellation handle.
// Calling Start while running is a no-op returning a handle for the
// existing timer.
func (r *Reconciler) Start() (stop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		r.running = true
		r.stopCh = make(chan struct{})
		r.wg.Add(1)
		go r.run(r.stopCh)
	}
	return r.stop
}

func (r *Reconciler) stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

// FlushNow drains and flushes immediately, serialized with any
// in-progress scheduled flush.
func (r *Reconciler) FlushNow(ctx context.Context) error {
	return r.flush(ctx)
}

// Close performs one final best-effort flush and stops the timer. A
// failure here is not retried: the durable ledger still holds the
// intent for the next session to pick up.
func (r *Reconciler) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.flush(ctx); err != nil {
		r.log.Warn().Err(err).Msg("final flush failed; intent stays in ledger")
	}
	r.stop()
	return nil
}

func (r *Reconciler) run(stop chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if r.eligible != nil && !r.eligible() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := r.flush(ctx); err != nil {
				r.log.Debug().Err(err).Msg("scheduled flush failed; will retry next tick")
			}
			cancel()
		}
	}
}

func (r *Reconciler) flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	readIDs, deleteIDs := r.ledger.Drain()
	if len(readIDs) == 0 && len(deleteIDs) == 0 {
		return nil
	}
	if err := r.api.BatchUpdate(ctx, readIDs, deleteIDs); err != nil {
		if restoreErr := r.ledger.Restore(readIDs, deleteIDs); restoreErr != nil {
			r.log.Error().Err(restoreErr).Msg("restoring drained intent failed")
		}
		return fmt.Errorf("batch flush: %w", err)
	}
	// Server is now authoritative for the drained IDs; drop them from
	// durable storage.
	if err := r.ledger.Checkpoint(); err != nil {
		r.log.Warn().Err(err).Msg("ledger checkpoint after flush failed")
	}
	r.log.Debug().Int("reads", len(readIDs)).Int("deletes", len(deleteIDs)).Msg("batch flush delivered")
	return nil
}
