// Package record defines the Record/Chunk data model (spec §3) and the
// descriptor-table mechanism (spec §9, "Dynamic dispatch over record type")
// that replaces the source's generic-over-record-type inheritance with
// explicit per-ruleset descriptor values.
package record

import "context"

// Record is an opaque row from the source database. The pipeline is
// parametric over concrete Record implementations; the concrete ruleset
// score type lives in internal/record/scores and reaches the pipeline
// through a Registry of Descriptors, not in the core pipeline packages.
type Record interface {
	// CursorValue is the monotonically non-decreasing scan key (typically
	// the row's primary key).
	CursorValue() int64

	// ShouldIndex distinguishes records to upsert from records to delete.
	ShouldIndex() bool

	// ID is the search-cluster document id this record upserts or deletes.
	ID() string
}

// Chunk is an ordered, non-empty, bounded-size sequence of Records sharing
// a single record type, split into an add-set and a delete-set. Either set
// may be empty but not both.
type Chunk struct {
	Adds    []Record
	Deletes []Record
}

// Len reports the total number of records carried by the chunk.
func (c Chunk) Len() int {
	return len(c.Adds) + len(c.Deletes)
}

// Empty reports whether the chunk carries no records at all.
func (c Chunk) Empty() bool {
	return c.Len() == 0
}

// Last returns the highest CursorValue among all records in the chunk. It
// panics if the chunk is empty; callers must check Empty first.
func (c Chunk) Last() int64 {
	var max int64
	seen := false
	for _, r := range c.Adds {
		if !seen || r.CursorValue() > max {
			max, seen = r.CursorValue(), true
		}
	}
	for _, r := range c.Deletes {
		if !seen || r.CursorValue() > max {
			max, seen = r.CursorValue(), true
		}
	}
	if !seen {
		panic("record: Last called on empty chunk")
	}
	return max
}

// Descriptor is the per-record-type registration the pipeline dispatches
// through instead of generic type parameters or inheritance (§9). One
// Descriptor exists per ruleset/mode.
type Descriptor struct {
	// Name identifies the descriptor, e.g. "osu", "taiko", "fruits", "mania".
	Name string

	// CursorColumn is the column the rebuild scan orders and filters on.
	CursorColumn string

	// SelectClause is the column list (or expression) the rebuild scan
	// selects.
	SelectClause string

	// MaxExpression computes the upper bound of the rebuild scan, e.g.
	// "MAX(id)".
	MaxExpression string

	// ExtraWhere is ANDed onto the rebuild scan's WHERE clause; empty
	// means no extra predicate.
	ExtraWhere string

	// QueueMode is the `mode` column value used to filter the work-queue
	// table in live mode.
	QueueMode string

	// FetchByIDs resolves a batch of cursor values (score ids) queued for
	// live indexing into concrete Records. Ids with no corresponding
	// record are the live-mode deletes (§4.5).
	FetchByIDs func(ctx context.Context, ids []int64) ([]Record, error)

	// ScanBetween resolves a single rebuild-mode page:
	// cursor_column > after AND cursor_column <= upTo, ordered ascending,
	// limited to limit rows.
	ScanBetween func(ctx context.Context, after, upTo int64, limit int) ([]Record, error)

	// Max resolves MaxExpression once at the start of a rebuild scan.
	Max func(ctx context.Context) (int64, error)
}

// Registry is the table of descriptors keyed by ruleset name, populated by
// an external collaborator at process startup (spec §3: "concrete types...
// live in external collaborators").
type Registry map[string]Descriptor

// Get returns the descriptor for name and whether it was registered.
func (r Registry) Get(name string) (Descriptor, bool) {
	d, ok := r[name]
	return d, ok
}

// QueueStore is the work-queue table contract (§4.5, §6: "a 'work queue'
// table is read with columns (score_id, status, mode)") one ruleset's live
// mode reader and Indexer depend on: list pending ids, acknowledge
// processed ones, and find/rewind the completed watermark used by
// reset_queue_to (§4.7). Narrowed to an interface, like Descriptor's own
// functional fields, so tests can inject a fake queue without a live
// database connection.
type QueueStore interface {
	// Poll returns up to limit pending ids for mode, ordered ascending.
	Poll(ctx context.Context, mode string, limit int) ([]int64, error)

	// Ack marks ids as completed for mode.
	Ack(ctx context.Context, mode string, ids []int64) error

	// MaxCompleted returns the highest completed id for mode.
	MaxCompleted(ctx context.Context, mode string) (int64, error)

	// Rewind resets every id <= to back to pending for mode.
	Rewind(ctx context.Context, mode string, to int64) error
}
