package indexer

import (
	"context"
	"time"

	"github.com/ppy/elastic-indexer/internal/source"
)

// watcherInterval returns the configured schema-watch interval, defaulting
// to 5s per §4.8.
func (idx *Indexer) watcherInterval() time.Duration {
	if idx.Settings.SchemaWatchInterval <= 0 {
		return 5 * time.Second
	}
	return time.Duration(idx.Settings.SchemaWatchInterval) * time.Second
}

// watchSchema implements §4.8: poll current_schema every interval and
// either no-op, commit the alias switch (if our schema just became
// current), or remove ourselves from the active set and stop (if a
// different schema became current).
func (idx *Indexer) watchSchema(ctx context.Context, stop context.CancelFunc) {
	ticker := time.NewTicker(idx.watcherInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := idx.Coord.CurrentSchema(ctx)
			if err != nil {
				log.Warnw("schema watcher failed to read current_schema", "alias", idx.Alias, "error", err)
				continue
			}
			if cur == idx.previousSchema {
				continue
			}
			if cur == idx.Settings.SchemaTag {
				if err := idx.Client.UpdateAlias(ctx, idx.Alias, idx.indexName, true); err != nil {
					log.Errorw("schema watcher failed to commit alias switch", "alias", idx.Alias, "index", idx.indexName, "error", err)
					continue
				}
				log.Infow("committed alias switch following schema change", "alias", idx.Alias, "index", idx.indexName, "schema", cur)
				idx.previousSchema = cur
				continue
			}

			if err := idx.Coord.RemoveActiveSchema(ctx, idx.indexName); err != nil {
				log.Warnw("failed to remove self from active_schemas on stop", "index", idx.indexName, "error", err)
			}
			log.Infow("schema moved to a different generation, stopping", "alias", idx.Alias, "index", idx.indexName, "new_schema", cur)
			stop()
			return
		}
	}
}

func (idx *Indexer) newReader() *source.Reader {
	return &source.Reader{
		Descriptor: idx.Descriptor,
		Queue:      idx.Queue,
		BatchSize:  idx.Settings.BatchSize,
		ReadDelay:  time.Duration(idx.Settings.ReadDelayMS) * time.Millisecond,
	}
}
