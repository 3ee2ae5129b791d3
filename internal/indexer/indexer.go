// Package indexer implements the Indexer (spec §4.7): the per-alias
// orchestrator that finds-or-creates the target index, runs a SourceReader
// and BulkDispatcher connected by a bounded channel, watches for schema
// changes, and commits alias switches.
package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/ppy/elastic-indexer/internal/config"
	"github.com/ppy/elastic-indexer/internal/dispatch"
	"github.com/ppy/elastic-indexer/internal/errs"
	"github.com/ppy/elastic-indexer/internal/metadata"
	"github.com/ppy/elastic-indexer/internal/obs"
	"github.com/ppy/elastic-indexer/internal/record"
)

var log = obs.Named("indexer")

// MappingDir is the directory holding the shared JSON mapping file whose
// path mappingPath passes to SearchClient.FindOrCreateIndex
// (§4.4 case 3, §6 "create index (PUT body = file schemas/scores.json)").
const MappingDir = "schemas"

// searchClient is the slice of SearchClient the Indexer needs: find-or-
// create the target index, resolve what an alias currently points at
// regardless of schema, commit alias switches, and (via the embedded
// dispatch.BulkIndexer) ship bulk requests. Narrowed to an interface, the
// same way dispatch.Dispatcher narrows its own Bulk/Meta dependencies, so
// tests can inject a fake search cluster instead of a live one.
type searchClient interface {
	FindOrCreateIndex(ctx context.Context, alias, schemaTag, mappingPath string, forceNew bool) (name string, meta metadata.Metadata, aliased bool, err error)
	ResolveAliasedIndex(ctx context.Context, alias string) (name string, meta metadata.Metadata, found bool, err error)
	UpdateAlias(ctx context.Context, alias, newIndex string, closeOld bool) error
	dispatch.BulkIndexer
}

// coordinationStore is the slice of CoordinationStore the Indexer needs:
// read/write current_schema and the active_schemas set.
type coordinationStore interface {
	CurrentSchema(ctx context.Context) (string, error)
	SetCurrentSchema(ctx context.Context, schema string) error
	AddActiveSchema(ctx context.Context, indexName string) error
	RemoveActiveSchema(ctx context.Context, indexName string) error
}

// Indexer is the per-alias orchestrator.
type Indexer struct {
	Settings   config.Settings
	Alias      string
	Descriptor record.Descriptor

	Client searchClient
	Meta   dispatch.MetadataStore
	Coord  coordinationStore
	Queue  record.QueueStore

	indexName      string
	previousSchema string
}

// mappingPath returns the on-disk JSON mapping file for any alias. Every
// ruleset's physical indices share one mapping shape (spec §6 names the
// file literally as schemas/scores.json), so all aliases resolve to the
// same file.
func mappingPath(alias string) string {
	return fmt.Sprintf("%s/scores.json", MappingDir)
}

// Run executes one full Indexer lifecycle: readiness gate, initialize,
// run, and (rebuild only) completion. It returns nil on a clean or
// gracefully stopped exit, and a non-nil error for MissingSchema,
// VersionMismatch, or unrecoverable initialization failures (§6 exit
// codes).
func (idx *Indexer) Run(ctx context.Context) error {
	if !idx.Settings.IsRebuild {
		ready, err := idx.checkReadiness(ctx)
		if err != nil {
			return err
		}
		if !ready {
			log.Infow("alias not ready at current schema, skipping", "alias", idx.Alias, "schema", idx.Settings.SchemaTag)
			return nil
		}
	}

	meta, err := idx.initialize(ctx)
	if err != nil {
		return err
	}

	return idx.run(ctx, meta)
}

// checkReadiness implements §4.7's readiness gate for live mode. It
// resolves whatever physical index the alias *currently* points at,
// regardless of schema: an unaliased alias has genuinely never been built
// (not ready, skip per §4.7), but an alias already aliased to an index
// built at a different schema is a live VersionMismatch (§8 scenario S6),
// not a skip. Filtering candidates by schemaTag up front, as
// FindOrCreateIndex does for the rebuild path, would never surface that
// mismatch at all.
func (idx *Indexer) checkReadiness(ctx context.Context) (bool, error) {
	name, meta, found, err := idx.Client.ResolveAliasedIndex(ctx, idx.Alias)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if meta.Schema != idx.Settings.SchemaTag {
		return false, errs.Wrapf(errs.VersionMismatch, "alias %s points at index %s with schema %q, configured schema_tag is %q", idx.Alias, name, meta.Schema, idx.Settings.SchemaTag)
	}
	return true, nil
}

// initialize implements §4.7 "Initialize" steps 1-5.
func (idx *Indexer) initialize(ctx context.Context) (metadata.Metadata, error) {
	name, meta, aliased, err := idx.Client.FindOrCreateIndex(ctx, idx.Alias, idx.Settings.SchemaTag, mappingPath(idx.Alias), idx.Settings.IsNew)
	if err != nil {
		return metadata.Metadata{}, err
	}
	idx.indexName = name

	if idx.Settings.ResumeFrom != nil {
		meta.LastID = *idx.Settings.ResumeFrom
	}

	if idx.Settings.IsRebuild && meta.ResetQueueTo == nil {
		maxCompleted, err := idx.maxCompletedQueueID(ctx)
		if err != nil {
			return metadata.Metadata{}, err
		}
		meta.ResetQueueTo = &maxCompleted
	}

	if !idx.Settings.IsRebuild {
		// checkReadiness already confirmed the aliased index's schema
		// matches schema_tag before Run reached here, so meta.Schema ==
		// schema_tag always holds at this point (FindOrCreateIndex filters
		// candidates by schemaTag too).
		if !aliased {
			if err := idx.Client.UpdateAlias(ctx, idx.Alias, name, true); err != nil {
				return metadata.Metadata{}, err
			}
			meta.State = metadata.StateAliased
		}
		if meta.ResetQueueTo != nil {
			if err := idx.rewindQueue(ctx, *meta.ResetQueueTo); err != nil {
				return metadata.Metadata{}, err
			}
			meta.ResetQueueTo = nil
		}
	}

	if err := idx.Meta.Save(ctx, name, meta); err != nil {
		return metadata.Metadata{}, err
	}
	return meta, nil
}

// run implements §4.7 "Run": register as active, bootstrap current_schema,
// start reader+dispatcher, watch for schema changes, wait for completion,
// then (rebuild only) commit or mark Ready.
func (idx *Indexer) run(ctx context.Context, meta metadata.Metadata) error {
	if err := idx.Coord.AddActiveSchema(ctx, idx.indexName); err != nil {
		return err
	}

	cur, err := idx.Coord.CurrentSchema(ctx)
	if err != nil {
		return err
	}
	if cur == "" {
		if err := idx.Coord.SetCurrentSchema(ctx, idx.Settings.SchemaTag); err != nil {
			return err
		}
		cur = idx.Settings.SchemaTag
	}
	idx.previousSchema = cur

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		idx.watchSchema(runCtx, cancelRun)
	}()

	chunks := make(chan record.Chunk, idx.Settings.QueueCapacity)

	reader := idx.newReader()
	readerErrCh := make(chan error, 1)
	readerCtx, cancelReader := context.WithCancel(runCtx)
	defer cancelReader()
	go func() {
		readerErrCh <- reader.Run(readerCtx, chunks, idx.Settings.IsRebuild, meta.LastID)
	}()

	d := &dispatch.Dispatcher{
		Bulk:             idx.Client,
		Meta:             idx.Meta,
		Index:            idx.indexName,
		Alias:            idx.Alias,
		MaxParallel:      idx.Settings.MaxParallelDispatch,
		QueueCapacity:    idx.Settings.QueueCapacity,
		ShutdownDeadline: time.Duration(idx.Settings.ShutdownDeadlineSeconds) * time.Second,
		StopReader:       func() { cancelReader() },
		OnBatchCompleted: func(lastID int64) {
			log.Debugw("checkpoint advanced", "alias", idx.Alias, "index", idx.indexName, "last_id", lastID)
		},
		OnFatalItem: func(err error) {
			log.Errorw("fatal bulk item, progress not blocked", "alias", idx.Alias, "index", idx.indexName, "error", err)
		},
	}

	indexClosed, _, dispatchErr := d.Run(runCtx, chunks, meta.LastID)

	readerErr := <-readerErrCh
	cancelRun()
	<-watcherDone

	if indexClosed {
		log.Warnw("index closed mid-run, abandoning without alias commit", "alias", idx.Alias, "index", idx.indexName)
		return nil
	}
	if dispatchErr != nil && !errs.Is(dispatchErr, errs.Cancelled) {
		return dispatchErr
	}
	if readerErr != nil && !errs.Is(readerErr, errs.Cancelled) {
		return readerErr
	}
	if ctx.Err() != nil {
		return nil
	}

	return idx.complete(ctx)
}

// complete implements §4.7's rebuild-only completion step.
func (idx *Indexer) complete(ctx context.Context) error {
	if !idx.Settings.IsRebuild {
		return nil
	}

	m, err := idx.Meta.Load(ctx, idx.indexName, true)
	if err != nil {
		return err
	}
	if m == nil {
		return errs.Wrapf(errs.FatalSink, "index %s has no metadata at completion", idx.indexName)
	}

	if idx.Settings.IsPrepMode {
		m.State = metadata.StateReady
		return idx.Meta.Save(ctx, idx.indexName, *m)
	}

	if !idx.Settings.SwitchOnComplete {
		return nil
	}
	if err := idx.Client.UpdateAlias(ctx, idx.Alias, idx.indexName, true); err != nil {
		return err
	}
	m.State = metadata.StateAliased
	return idx.Meta.Save(ctx, idx.indexName, *m)
}

func (idx *Indexer) maxCompletedQueueID(ctx context.Context) (int64, error) {
	max, err := idx.Queue.MaxCompleted(ctx, idx.Descriptor.QueueMode)
	if err != nil {
		return 0, errs.Wrap(errs.TransientSource, err.Error())
	}
	return max, nil
}

func (idx *Indexer) rewindQueue(ctx context.Context, to int64) error {
	if err := idx.Queue.Rewind(ctx, idx.Descriptor.QueueMode, to); err != nil {
		return errs.Wrap(errs.TransientSource, err.Error())
	}
	return nil
}
