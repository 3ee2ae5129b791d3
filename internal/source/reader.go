// Package source implements SourceReader (spec §4.5): producing ordered
// chunks of records either from a cursor-scanned database table (rebuild)
// or from a work-queue table (live), into a bounded channel.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ppy/elastic-indexer/internal/errs"
	"github.com/ppy/elastic-indexer/internal/obs"
	"github.com/ppy/elastic-indexer/internal/record"
)

var log = obs.Named("source")

// transientRetryDelay is the fixed backoff named in §4.5/§7: "On transient
// driver failure, log and retry after 1 s; do not advance last."
const transientRetryDelay = time.Second

// Reader produces Chunks for one ruleset descriptor, either by cursor-
// scanning the scores table (rebuild) or polling the work-queue table
// (live).
type Reader struct {
	Descriptor record.Descriptor
	Queue      record.QueueStore
	BatchSize  int
	ReadDelay  time.Duration
}

// Run drives the reader until completion (rebuild: scan exhausted; live:
// ctx cancelled) and closes out when done, per §4.5: "On completion it
// closes the channel." lastID seeds the rebuild scan's starting cursor.
func (r *Reader) Run(ctx context.Context, out chan<- record.Chunk, isRebuild bool, lastID int64) error {
	defer close(out)
	if isRebuild {
		return r.runRebuild(ctx, out, lastID)
	}
	return r.runLive(ctx, out)
}

func (r *Reader) runRebuild(ctx context.Context, out chan<- record.Chunk, lastID int64) error {
	max, err := r.retryingMax(ctx)
	if err != nil {
		return err
	}

	last := lastID
	for {
		if last >= max {
			return nil
		}
		records, err := r.retryingScan(ctx, last, max)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		chunk := record.Chunk{Adds: records}
		if err := put(ctx, out, chunk); err != nil {
			return err
		}
		last = chunk.Last()

		if r.ReadDelay > 0 {
			select {
			case <-ctx.Done():
				return errs.Cancelled
			case <-time.After(r.ReadDelay):
			}
		}
	}
}

func (r *Reader) retryingMax(ctx context.Context) (int64, error) {
	var max int64
	op := func() error {
		m, err := r.Descriptor.Max(ctx)
		if err != nil {
			if obs.RateLimited("source.max." + r.Descriptor.Name) {
				log.Warnw("transient failure reading scan upper bound, retrying", "ruleset", r.Descriptor.Name, "error", err)
			}
			return err
		}
		max = m
		return nil
	}
	if err := retryIndefinitely(ctx, op); err != nil {
		return 0, err
	}
	return max, nil
}

func (r *Reader) retryingScan(ctx context.Context, after, upTo int64) ([]record.Record, error) {
	var records []record.Record
	op := func() error {
		recs, err := r.Descriptor.ScanBetween(ctx, after, upTo, r.BatchSize)
		if err != nil {
			if obs.RateLimited("source.scan." + r.Descriptor.Name) {
				log.Warnw("transient failure scanning source, retrying", "ruleset", r.Descriptor.Name, "error", err)
			}
			return err
		}
		records = recs
		return nil
	}
	if err := retryIndefinitely(ctx, op); err != nil {
		return nil, err
	}
	return records, nil
}

// retryIndefinitely retries op with a constant 1s backoff until it
// succeeds or ctx is cancelled (§7 TransientSource policy).
func retryIndefinitely(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(transientRetryDelay), ctx)
	err := backoff.Retry(op, b)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Cancelled
		}
		return errs.Wrap(errs.TransientSource, err.Error())
	}
	return nil
}

func (r *Reader) runLive(ctx context.Context, out chan<- record.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return errs.Cancelled
		default:
		}

		ids, err := r.Queue.Poll(ctx, r.Descriptor.QueueMode, r.BatchSize)
		if err != nil {
			return errs.Wrap(errs.TransientSource, err.Error())
		}
		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return errs.Cancelled
			case <-time.After(transientRetryDelay):
				continue
			}
		}

		records, err := r.Descriptor.FetchByIDs(ctx, ids)
		if err != nil {
			return errs.Wrap(errs.TransientSource, err.Error())
		}

		found := map[int64]record.Record{}
		for _, rec := range records {
			found[rec.CursorValue()] = rec
		}

		var chunk record.Chunk
		for _, id := range ids {
			rec, ok := found[id]
			switch {
			case !ok:
				// §4.5: a queued id with no corresponding record is a delete.
				continue
			case rec.ShouldIndex():
				chunk.Adds = append(chunk.Adds, rec)
			default:
				chunk.Deletes = append(chunk.Deletes, rec)
			}
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				chunk.Deletes = append(chunk.Deletes, missingRecord{id: id})
			}
		}

		if !chunk.Empty() {
			if err := put(ctx, out, chunk); err != nil {
				return err
			}
		}

		if err := r.Queue.Ack(ctx, r.Descriptor.QueueMode, ids); err != nil {
			return errs.Wrap(errs.TransientSource, err.Error())
		}
	}
}

// missingRecord represents a queued id for which FetchByIDs returned no
// row; it is always a delete. Fetched records that fail ShouldIndex are
// deleted as themselves, not through missingRecord.
type missingRecord struct{ id int64 }

func (m missingRecord) CursorValue() int64 { return m.id }
func (m missingRecord) ShouldIndex() bool  { return false }
func (m missingRecord) ID() string         { return fmt.Sprintf("%d", m.id) }

// put blocks until out accepts chunk or ctx is cancelled, giving the
// channel its back-pressure semantics (§4.5: "put blocks when full").
func put(ctx context.Context, out chan<- record.Chunk, chunk record.Chunk) error {
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return errs.Cancelled
	}
}
