// Package scheduler implements the Scheduler (spec §4, top-level loop):
// start one Indexer per configured alias and forward cancellation.
package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ppy/elastic-indexer/internal/obs"
)

var log = obs.Named("scheduler")

// Runnable is the subset of Indexer the Scheduler depends on, narrowed to
// ease testing with fakes.
type Runnable interface {
	Run(ctx context.Context) error
}

// Scheduler supervises one Runnable per configured alias and propagates
// cancellation down the tree rooted here (§5).
type Scheduler struct {
	Indexers map[string]Runnable
}

// Run starts every configured Indexer concurrently and waits for all of
// them to return. The first non-nil error cancels ctx for the rest,
// matching the Scheduler's role as the cancellation tree root (§5).
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for alias, runner := range s.Indexers {
		alias, runner := alias, runner
		g.Go(func() error {
			log.Infow("starting indexer", "alias", alias)
			err := runner.Run(gctx)
			if err != nil {
				log.Errorw("indexer exited with error", "alias", alias, "error", err)
			} else {
				log.Infow("indexer exited cleanly", "alias", alias)
			}
			return err
		})
	}
	return g.Wait()
}
