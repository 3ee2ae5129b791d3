// Package dispatch implements BulkDispatcher (spec §4.6): consumes chunks
// from a bounded channel, ships them to the search cluster in bulk
// requests through a worker pool with adaptive throttling and retry, and
// serializes Metadata progress updates through a single writer goroutine.
//
// This is a from-scratch rewrite of the teacher's model/modelindexer
// pattern (buffer-then-flush through a pool of bulkIndexer workers guarded
// by errgroup) retargeted at chunk-shaped add/delete batches instead of a
// byte-threshold event buffer, and at the spec's retry/throttle/index-closed
// contract instead of apm-server's fire-and-log error handling.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/ppy/elastic-indexer/internal/errs"
	"github.com/ppy/elastic-indexer/internal/metadata"
	"github.com/ppy/elastic-indexer/internal/obs"
	"github.com/ppy/elastic-indexer/internal/record"
	"github.com/ppy/elastic-indexer/internal/searchclient"
)

var log = obs.Named("dispatch")

// maxDelaySteps caps the adaptive throttle at 30 (recommended, not
// required, by §5/§9).
const maxDelaySteps = 30

// delayUnit is the unit the throttle step count is scaled by: "sleep
// delay × 100ms" (§4.6).
const delayUnit = 100 * time.Millisecond

// StopReader is the one-way cancellation handle the dispatcher uses to
// tell the SourceReader to stop emitting on an index-closed signal,
// without holding a back-reference to the Indexer (§9, "cyclic dependency:
// Indexer <-> Dispatcher").
type StopReader func()

// BulkIndexer is the slice of SearchClient the dispatcher needs to ship
// bulk requests. Narrowed to an interface so tests can inject a fake sink
// without a live search cluster.
type BulkIndexer interface {
	BulkIndex(ctx context.Context, index string, adds, deletes []record.Record) (searchclient.BulkResult, error)
}

// MetadataStore is the slice of MetadataStore the dispatcher needs to
// persist checkpoints. Narrowed to an interface for the same reason as
// BulkIndexer.
type MetadataStore interface {
	Load(ctx context.Context, index string, requireSchema bool) (*metadata.Metadata, error)
	Save(ctx context.Context, index string, m metadata.Metadata) error
}

// Dispatcher is BulkDispatcher: up to MaxParallel concurrent
// workers draining a read channel (preferring an internal retry channel),
// dispatching bulk requests, and feeding a serialized Metadata writer.
type Dispatcher struct {
	Bulk  BulkIndexer
	Meta  MetadataStore
	Index string
	Alias string

	MaxParallel      int
	QueueCapacity    int
	ShutdownDeadline time.Duration

	// StopReader is invoked at most once, the first time a bulk response
	// reports an index-closed item.
	StopReader StopReader

	// OnBatchCompleted is invoked after every Metadata save with the new
	// persisted last_id (§4.6 step 5: "Signal a BatchCompleted(lastId)
	// event to the Indexer").
	OnBatchCompleted func(lastID int64)

	// OnFatalItem observes per-item FatalSink errors for items the bulk
	// response reported unrecoverable but non-blocking (§7: "implementers
	// MUST at least emit them to an observability channel").
	OnFatalItem func(err error)

	delay        int32
	indexClosed  int32
	stopOnce     sync.Once
	retryCh      chan record.Chunk
	inflight     chan struct{}
	lastObserved int64
}

// Run drives the dispatcher until in is closed and all retries drain, or
// ctx is cancelled, or an index-closed signal is observed. It returns
// (indexClosed, highestLastID, err).
func (d *Dispatcher) Run(ctx context.Context, in <-chan record.Chunk, startingLastID int64) (indexClosed bool, highestLastID int64, err error) {
	if d.MaxParallel <= 0 {
		d.MaxParallel = 4
	}
	if d.QueueCapacity <= 0 {
		d.QueueCapacity = 1
	}
	if d.ShutdownDeadline <= 0 {
		d.ShutdownDeadline = 30 * time.Second
	}
	d.retryCh = make(chan record.Chunk, d.QueueCapacity)
	d.inflight = make(chan struct{}, 2*d.QueueCapacity)
	d.lastObserved = startingLastID

	completions := make(chan int64, d.MaxParallel)
	var writerErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writerErr = d.runMetadataWriter(ctx, completions, startingLastID)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.MaxParallel; i++ {
		g.Go(func() error {
			return d.worker(gctx, in, completions)
		})
	}
	runErr := g.Wait()
	close(completions)
	<-writerDone

	if writerErr != nil && runErr == nil {
		runErr = writerErr
	}

	closed := atomic.LoadInt32(&d.indexClosed) == 1
	return closed, atomic.LoadInt64(&d.lastObserved), classifyRunError(runErr, closed)
}

func classifyRunError(err error, closed bool) error {
	if err == nil {
		return nil
	}
	if closed {
		return nil
	}
	return err
}

// worker is one of up to MaxParallel concurrent dispatch workers.
func (d *Dispatcher) worker(ctx context.Context, in <-chan record.Chunk, completions chan<- int64) error {
	for {
		chunk, ok, err := d.selectNext(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := d.throttle(ctx); err != nil {
			return err
		}

		select {
		case d.inflight <- struct{}{}:
		case <-ctx.Done():
			return errs.Cancelled
		}

		result, err := d.Bulk.BulkIndex(ctx, d.Index, chunk.Adds, chunk.Deletes)
		<-d.inflight

		if err != nil {
			// A transport-level failure (not a per-item rejection) is
			// treated the same as a reject-retry: requeue whole chunk.
			d.onRejectRetry(ctx, chunk)
			continue
		}

		switch {
		case len(result.IndexClosed) > 0:
			d.stopOnce.Do(func() {
				atomic.StoreInt32(&d.indexClosed, 1)
				if d.StopReader != nil {
					d.StopReader()
				}
			})
			return errs.IndexClosed

		case len(result.RejectRetry) > 0:
			d.onRejectRetry(ctx, chunk)
			continue

		default:
			if len(result.Other) > 0 && d.OnFatalItem != nil {
				d.OnFatalItem(errs.Wrap(errs.FatalSink, fatalSummary(result.Other)))
			}
			d.onSuccess(chunk, completions)
		}
	}
}

func fatalSummary(items []searchclient.ItemResult) string {
	var merr *multierror.Error
	for _, it := range items {
		merr = multierror.Append(merr, errs.Wrapf(errs.FatalSink, "id=%s type=%s reason=%s", it.ID, it.ErrorType, it.ErrorReason))
	}
	if merr == nil {
		return "fatal bulk items"
	}
	return merr.Error()
}

// selectNext prefers the retry channel over the read channel (§4.6 step 1:
// "Priority select. Prefer the retry channel over the read channel").
func (d *Dispatcher) selectNext(ctx context.Context, in <-chan record.Chunk) (record.Chunk, bool, error) {
	select {
	case chunk, ok := <-d.retryCh:
		if ok {
			return chunk, true, nil
		}
	default:
	}

	select {
	case chunk, ok := <-d.retryCh:
		return chunk, ok, nil
	case chunk, ok := <-in:
		return chunk, ok, nil
	case <-ctx.Done():
		return record.Chunk{}, false, errs.Cancelled
	}
}

// throttle implements §4.6 step 2: sleep delay x 100ms if delay > 0.
func (d *Dispatcher) throttle(ctx context.Context) error {
	steps := atomic.LoadInt32(&d.delay)
	if steps <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(steps) * delayUnit):
		return nil
	case <-ctx.Done():
		return errs.Cancelled
	}
}

func (d *Dispatcher) onRejectRetry(ctx context.Context, chunk record.Chunk) {
	for {
		steps := atomic.LoadInt32(&d.delay)
		if steps >= maxDelaySteps {
			break
		}
		if atomic.CompareAndSwapInt32(&d.delay, steps, steps+1) {
			break
		}
	}
	if obs.RateLimited("dispatch.reject." + d.Index) {
		log.Warnw("bulk request rejected, requeuing chunk", "index", d.Index, "delay_steps", atomic.LoadInt32(&d.delay))
	}
	select {
	case d.retryCh <- chunk:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) onSuccess(chunk record.Chunk, completions chan<- int64) {
	for {
		steps := atomic.LoadInt32(&d.delay)
		if steps <= 0 {
			break
		}
		if atomic.CompareAndSwapInt32(&d.delay, steps, steps-1) {
			break
		}
	}
	completions <- chunk.Last()
}

// runMetadataWriter is the single serialized writer (§4.6, §5, §9) that
// consumes completion events and persists Metadata with
// last_id := max(persisted, reported), so concurrent workers can never
// regress or race the persisted value.
func (d *Dispatcher) runMetadataWriter(ctx context.Context, completions <-chan int64, startingLastID int64) error {
	persisted := startingLastID
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	dirty := false
	flush := func() error {
		if !dirty {
			return nil
		}
		m, err := d.Meta.Load(context.Background(), d.Index, false)
		if err != nil {
			return err
		}
		cur := metadata.Metadata{Schema: "", State: metadata.StateBuilding}
		if m != nil {
			cur = *m
		}
		if persisted > cur.LastID {
			cur.LastID = persisted
		} else {
			persisted = cur.LastID
		}
		if err := d.Meta.Save(context.Background(), d.Index, cur); err != nil {
			return err
		}
		dirty = false
		atomic.StoreInt64(&d.lastObserved, persisted)
		if d.OnBatchCompleted != nil {
			d.OnBatchCompleted(persisted)
		}
		return nil
	}

	for {
		select {
		case lastID, ok := <-completions:
			if !ok {
				return flush()
			}
			if lastID > persisted {
				persisted = lastID
			}
			dirty = true
		case <-ticker.C:
			if err := flush(); err != nil {
				log.Errorw("failed to persist metadata checkpoint", "index", d.Index, "error", err)
			}
		case <-ctx.Done():
			// Drain remaining completions up to the shutdown deadline so
			// the highest observed last_id is still persisted (§4.6
			// Cancellation, §5 "Metadata is flushed").
			deadline := time.After(d.ShutdownDeadline)
			for {
				select {
				case lastID, ok := <-completions:
					if !ok {
						_ = flush()
						return errs.Cancelled
					}
					if lastID > persisted {
						persisted = lastID
					}
					dirty = true
				case <-deadline:
					_ = flush()
					return errs.Cancelled
				}
			}
		}
	}
}
