package source

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppy/elastic-indexer/internal/record"
)

type fakeRecord struct{ cursor int64 }

func (f fakeRecord) CursorValue() int64 { return f.cursor }
func (f fakeRecord) ShouldIndex() bool  { return true }
func (f fakeRecord) ID() string         { return "" }

func recordsFrom(ids ...int64) []record.Record {
	out := make([]record.Record, len(ids))
	for i, id := range ids {
		out[i] = fakeRecord{cursor: id}
	}
	return out
}

func TestReader_RunRebuild_DrainsInPagesUntilMax(t *testing.T) {
	// Given: a descriptor whose scan is paged and whose max is fixed at 5
	desc := record.Descriptor{
		Name: "osu",
		Max:  func(ctx context.Context) (int64, error) { return 5, nil },
		ScanBetween: func(ctx context.Context, after, upTo int64, limit int) ([]record.Record, error) {
			switch after {
			case 0:
				return recordsFrom(1, 2), nil
			case 2:
				return recordsFrom(3, 4, 5), nil
			default:
				return nil, nil
			}
		},
	}
	r := &Reader{Descriptor: desc, BatchSize: 10}
	out := make(chan record.Chunk, 10)

	// When: running the rebuild scan from the beginning
	err := r.Run(context.Background(), out, true, 0)

	// Then: it emits every page and closes the channel once max is reached
	require.NoError(t, err)
	var all []int64
	for chunk := range out {
		for _, rec := range chunk.Adds {
			all = append(all, rec.CursorValue())
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all)
}

func TestReader_RunRebuild_ResumesFromLastID(t *testing.T) {
	// Given: a scan that fails the test if asked to start anywhere but the resume point
	desc := record.Descriptor{
		Name: "osu",
		Max:  func(ctx context.Context) (int64, error) { return 10, nil },
		ScanBetween: func(ctx context.Context, after, upTo int64, limit int) ([]record.Record, error) {
			require.Equal(t, int64(7), after, "rebuild must resume scanning after the given lastID")
			return recordsFrom(8, 9, 10), nil
		},
	}
	r := &Reader{Descriptor: desc, BatchSize: 10}
	out := make(chan record.Chunk, 10)

	// When: resuming from lastID 7
	err := r.Run(context.Background(), out, true, 7)
	require.NoError(t, err)

	chunk := <-out
	assert.Equal(t, int64(10), chunk.Last())
}

func TestReader_RunRebuild_RetriesTransientScanFailure(t *testing.T) {
	// Given: a scan that fails once, then succeeds
	var attempts int32
	desc := record.Descriptor{
		Name: "osu",
		Max:  func(ctx context.Context) (int64, error) { return 1, nil },
		ScanBetween: func(ctx context.Context, after, upTo int64, limit int) ([]record.Record, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, assertErr{}
			}
			return recordsFrom(1), nil
		},
	}
	r := &Reader{Descriptor: desc, BatchSize: 10}
	out := make(chan record.Chunk, 10)

	// When: running the rebuild (the 1s constant backoff makes this test
	// slow but deterministic; transientRetryDelay is not configurable)
	err := r.Run(context.Background(), out, true, 0)

	// Then: it retries past the first transient failure and completes
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

type assertErr struct{}

func (assertErr) Error() string { return "transient scan failure" }

// fakeQueue is an in-memory record.QueueStore for live-mode reader tests.
type fakeQueue struct {
	pending []int64
	acked   []int64
	polled  int32
}

func (q *fakeQueue) Poll(ctx context.Context, mode string, limit int) ([]int64, error) {
	if atomic.AddInt32(&q.polled, 1) > 1 {
		return nil, nil
	}
	ids := q.pending
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (q *fakeQueue) Ack(ctx context.Context, mode string, ids []int64) error {
	q.acked = append(q.acked, ids...)
	return nil
}

func (q *fakeQueue) MaxCompleted(ctx context.Context, mode string) (int64, error) { return 0, nil }
func (q *fakeQueue) Rewind(ctx context.Context, mode string, to int64) error      { return nil }

func TestReader_RunLive_MissingRecordIsDeleted(t *testing.T) {
	// Given: a queue with three pending ids, but FetchByIDs only finds two
	// of them — id 42 has no backing row (§4.5/§8 scenario S5: live delete
	// of a record whose row has vanished).
	queue := &fakeQueue{pending: []int64{41, 42, 43}}
	desc := record.Descriptor{
		Name:      "osu",
		QueueMode: "osu",
		FetchByIDs: func(ctx context.Context, ids []int64) ([]record.Record, error) {
			return recordsFrom(41, 43), nil
		},
	}
	r := &Reader{Descriptor: desc, Queue: queue, BatchSize: 10}
	out := make(chan record.Chunk, 10)
	gotChunk := make(chan record.Chunk, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		gotChunk <- <-out // capture the first chunk, then stop the reader
		cancel()
	}()

	// When: running in live mode
	err := r.Run(ctx, out, false, 0)

	// Then: it surfaces cancellation (the normal live-mode shutdown path)
	require.Error(t, err)

	// And: the missing id 42 was delivered as a delete, acked alongside
	// the found ids, and every found id with ShouldIndex()==true was
	// delivered as an add
	chunk := <-gotChunk
	var adds, deletes []int64
	for _, rec := range chunk.Adds {
		adds = append(adds, rec.CursorValue())
	}
	for _, rec := range chunk.Deletes {
		deletes = append(deletes, rec.CursorValue())
	}
	assert.Equal(t, []int64{41, 43}, adds)
	assert.Equal(t, []int64{42}, deletes)
	assert.ElementsMatch(t, []int64{41, 42, 43}, queue.acked)
}

func TestReader_RunRebuild_CancelledDuringReadDelay(t *testing.T) {
	// Given: a reader with a read delay long enough to observe cancellation
	desc := record.Descriptor{
		Name: "osu",
		Max:  func(ctx context.Context) (int64, error) { return 100, nil },
		ScanBetween: func(ctx context.Context, after, upTo int64, limit int) ([]record.Record, error) {
			return recordsFrom(after + 1), nil // always makes progress, never empties
		},
	}
	r := &Reader{Descriptor: desc, BatchSize: 10, ReadDelay: time.Hour}
	out := make(chan record.Chunk, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-out // drain the first chunk so the reader reaches its delay
		cancel()
	}()

	// When: the context is cancelled while the reader is sleeping between pages
	err := r.Run(ctx, out, true, 0)

	// Then: it surfaces cancellation rather than blocking forever
	require.Error(t, err)
}
