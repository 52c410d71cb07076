// Package persistence merges accepted document updates into the durable
// snapshot of each document.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultRetryBase     = 100 * time.Millisecond
	defaultRetryMax      = 10 * time.Second
	defaultDegradedAfter = 3
	maxBackoffShift      = 6
)

var (
	// ErrClosed indicates that the adapter no longer accepts work.
	ErrClosed = errors.New("persistence: adapter closed")
	// ErrNotFound indicates that the document record does not exist.
	ErrNotFound = errors.New("persistence: document not found")

	errMissingStore  = errors.New("persistence: document store is required")
	errMissingEngine = errors.New("persistence: crdt engine is required")
)

// Store is the durable record layer the adapter merges into.
type Store interface {
	Get(ctx context.Context, documentID documents.DocumentID) (documents.Document, error)
	MergeSnapshot(ctx context.Context, documentID documents.DocumentID, merge func(current []byte) ([]byte, error)) error
	ClearSnapshot(ctx context.Context, documentID documents.DocumentID) error
}

// Config describes the dependencies and retry policy of an Adapter.
type Config struct {
	Store   Store
	Engine  crdt.Engine
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// RetryBase is the delay after the first failed merge; it doubles per
	// consecutive failure up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// DegradedAfter is the number of consecutive failures after which the
	// adapter reports itself degraded.
	DegradedAfter int
}

type documentQueue struct {
	pending  [][]byte
	inflight [][]byte
}

// Adapter persists document updates. Queued work for one document is drained
// by a single worker; different documents persist in parallel.
type Adapter struct {
	store         Store
	engine        crdt.Engine
	logger        *zap.Logger
	metrics       *metrics.Metrics
	codec         *snapshotCodec
	retryBase     time.Duration
	retryMax      time.Duration
	degradedAfter int64

	locks *keyedMutex

	mu     sync.Mutex
	queues map[string]*documentQueue
	closed bool

	workers      sync.WaitGroup
	runCtx       context.Context
	cancelRun    context.CancelFunc
	failures     atomic.Int64
	degraded     atomic.Bool
	queuedCount  atomic.Int64
	afterBackoff func(time.Duration) <-chan time.Time
}

// New validates the configuration and returns an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	retryMax := cfg.RetryMax
	if retryMax < retryBase {
		retryMax = defaultRetryMax
		if retryMax < retryBase {
			retryMax = retryBase
		}
	}
	degradedAfter := cfg.DegradedAfter
	if degradedAfter <= 0 {
		degradedAfter = defaultDegradedAfter
	}
	codec, err := newSnapshotCodec()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		store:         cfg.Store,
		engine:        cfg.Engine,
		logger:        logger,
		metrics:       cfg.Metrics,
		codec:         codec,
		retryBase:     retryBase,
		retryMax:      retryMax,
		degradedAfter: int64(degradedAfter),
		locks:         newKeyedMutex(),
		queues:        make(map[string]*documentQueue),
		runCtx:        runCtx,
		cancelRun:     cancel,
		afterBackoff:  time.After,
	}, nil
}

// Persist merges update into the stored snapshot of documentID. Merging is
// idempotent, so re-persisting an update or persisting updates out of order
// yields the same stored state.
func (a *Adapter) Persist(ctx context.Context, documentID documents.DocumentID, update []byte) error {
	if err := a.validate(update); err != nil {
		return err
	}
	return a.persist(ctx, documentID, [][]byte{update})
}

func (a *Adapter) persist(ctx context.Context, documentID documents.DocumentID, updates [][]byte) error {
	release := a.locks.Lock(documentID.String())
	defer release()

	started := time.Now()
	err := a.store.MergeSnapshot(ctx, documentID, func(current []byte) ([]byte, error) {
		doc, err := a.restore(current)
		if err != nil {
			return nil, err
		}
		for _, update := range updates {
			if err := doc.ApplyUpdate(update); err != nil {
				return nil, err
			}
		}
		return a.codec.compress(doc.EncodeUpdate()), nil
	})
	a.metrics.PersistenceAttempt(err, time.Since(started))
	return err
}

func (a *Adapter) restore(stored []byte) (crdt.Document, error) {
	doc := a.engine.CreateDocument()
	state, err := a.codec.decompress(stored)
	if err != nil {
		return nil, err
	}
	if len(state) == 0 {
		return doc, nil
	}
	if err := doc.ApplyUpdate(state); err != nil {
		return nil, fmt.Errorf("persistence: stored snapshot: %w", err)
	}
	return doc, nil
}

func (a *Adapter) validate(update []byte) error {
	return a.engine.CreateDocument().ApplyUpdate(update)
}

// Enqueue schedules update for persistence without blocking the caller.
// Queued work survives the connection that produced it.
func (a *Adapter) Enqueue(documentID documents.DocumentID, update []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	key := documentID.String()
	queue, running := a.queues[key]
	if !running {
		queue = &documentQueue{}
		a.queues[key] = queue
	}
	queue.pending = append(queue.pending, update)
	a.queuedCount.Add(1)
	a.metrics.PersistenceQueued(1)
	if !running {
		a.workers.Add(1)
		go a.drain(documentID, queue)
	}
	return nil
}

func (a *Adapter) drain(documentID documents.DocumentID, queue *documentQueue) {
	defer a.workers.Done()
	key := documentID.String()
	for {
		a.mu.Lock()
		batch := queue.pending
		queue.pending = nil
		if len(batch) == 0 {
			delete(a.queues, key)
			a.mu.Unlock()
			return
		}
		queue.inflight = batch
		a.mu.Unlock()

		a.persistWithRetry(documentID, batch)

		a.mu.Lock()
		queue.inflight = nil
		a.mu.Unlock()
		a.queuedCount.Add(-int64(len(batch)))
		a.metrics.PersistenceQueued(-len(batch))
	}
}

func (a *Adapter) persistWithRetry(documentID documents.DocumentID, batch [][]byte) {
	valid := make([][]byte, 0, len(batch))
	for _, update := range batch {
		if err := a.validate(update); err != nil {
			a.logger.Error("dropping malformed queued update",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
			continue
		}
		valid = append(valid, update)
	}
	if len(valid) == 0 {
		return
	}
	for attempt := 1; ; attempt++ {
		err := a.persist(a.runCtx, documentID, valid)
		if err == nil {
			a.recordSuccess()
			return
		}
		a.recordFailure(documentID, attempt, err)
		select {
		case <-a.afterBackoff(a.backoff(attempt)):
		case <-a.runCtx.Done():
			a.logger.Error("persistence abandoned queued updates",
				zap.String("document_id", documentID.String()),
				zap.Int("updates", len(valid)),
				zap.Error(err))
			return
		}
	}
}

func (a *Adapter) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := a.retryBase << shift
	if delay > a.retryMax {
		return a.retryMax
	}
	return delay
}

func (a *Adapter) recordSuccess() {
	a.failures.Store(0)
	if a.degraded.CompareAndSwap(true, false) {
		a.metrics.PersistenceDegraded(false)
		a.logger.Info("persistence recovered")
	}
}

func (a *Adapter) recordFailure(documentID documents.DocumentID, attempt int, err error) {
	failures := a.failures.Add(1)
	a.logger.Warn("persistence attempt failed",
		zap.String("document_id", documentID.String()),
		zap.Int("attempt", attempt),
		zap.Error(err))
	if failures >= a.degradedAfter && a.degraded.CompareAndSwap(false, true) {
		a.metrics.PersistenceDegraded(true)
		a.logger.Warn("persistence degraded",
			zap.Int64("consecutive_failures", failures),
			zap.String("document_id", documentID.String()))
	}
}

// Degraded reports whether consecutive persistence failures crossed the threshold.
func (a *Adapter) Degraded() bool {
	return a.degraded.Load()
}

// Pending returns the number of accepted updates not yet durably merged.
func (a *Adapter) Pending() int {
	return int(a.queuedCount.Load())
}

func (a *Adapter) queuedUpdates(documentID documents.DocumentID) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	queue, ok := a.queues[documentID.String()]
	if !ok {
		return nil
	}
	updates := make([][]byte, 0, len(queue.inflight)+len(queue.pending))
	updates = append(updates, queue.inflight...)
	updates = append(updates, queue.pending...)
	return updates
}

// Load returns the encoded state of documentID: the stored snapshot merged
// with updates that are queued or in flight. A missing document loads as empty.
func (a *Adapter) Load(ctx context.Context, documentID documents.DocumentID) ([]byte, error) {
	doc, err := a.current(ctx, documentID, false)
	if err != nil {
		return nil, err
	}
	return doc.EncodeUpdate(), nil
}

func (a *Adapter) current(ctx context.Context, documentID documents.DocumentID, requireRecord bool) (crdt.Document, error) {
	record, err := a.store.Get(ctx, documentID)
	switch {
	case errors.Is(err, documents.ErrNotFound):
		if requireRecord {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
	case err != nil:
		return nil, err
	}
	doc, err := a.restore(record.Snapshot)
	if err != nil {
		return nil, err
	}
	for _, update := range a.queuedUpdates(documentID) {
		if applyErr := doc.ApplyUpdate(update); applyErr != nil {
			a.logger.Warn("skipping malformed queued update during load",
				zap.String("document_id", documentID.String()),
				zap.Error(applyErr))
		}
	}
	return doc, nil
}

// ExportStructured decodes the current document state into plain values.
func (a *Adapter) ExportStructured(ctx context.Context, documentID documents.DocumentID) (map[string]any, error) {
	doc, err := a.current(ctx, documentID, true)
	if err != nil {
		return nil, err
	}
	return doc.ToStructured(), nil
}

// ImportStructured merges value into the document as new operations and
// returns the produced update, which is nil when nothing changed. Existing
// history is never overwritten.
func (a *Adapter) ImportStructured(ctx context.Context, documentID documents.DocumentID, value map[string]any) ([]byte, error) {
	doc, err := a.current(ctx, documentID, true)
	if err != nil {
		return nil, err
	}
	update, err := doc.FromStructured(value)
	if err != nil {
		return nil, err
	}
	if len(update) == 0 {
		return nil, nil
	}
	if err := a.persist(ctx, documentID, [][]byte{update}); err != nil {
		return nil, err
	}
	return update, nil
}

// Purge clears the stored snapshot while keeping the document record.
func (a *Adapter) Purge(ctx context.Context, documentID documents.DocumentID) error {
	release := a.locks.Lock(documentID.String())
	defer release()
	if err := a.store.ClearSnapshot(ctx, documentID); err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return err
	}
	return nil
}

// Close stops accepting work and waits for queued updates to be merged. When
// ctx expires first the remaining retries are abandoned.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancelRun()
		return nil
	case <-ctx.Done():
		pending := a.Pending()
		a.cancelRun()
		<-done
		return fmt.Errorf("persistence: close with %d updates pending: %w", pending, ctx.Err())
	}
}
