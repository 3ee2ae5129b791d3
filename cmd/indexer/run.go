package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppy/elastic-indexer/internal/config"
	"github.com/ppy/elastic-indexer/internal/indexer"
	"github.com/ppy/elastic-indexer/internal/obs"
	"github.com/ppy/elastic-indexer/internal/record/scores"
	"github.com/ppy/elastic-indexer/internal/scheduler"
)

var runLog = obs.Named("cmd.run")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one Indexer per ruleset and wait for shutdown",
		RunE:  runRun,
	}
	config.BindFlags(cmd)
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(cmd)
	if err != nil {
		return err
	}

	db, es, coord, registry, err := dial(settings)
	if err != nil {
		return err
	}
	defer db.Close()
	defer coord.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := &scheduler.Scheduler{Indexers: map[string]scheduler.Runnable{}}
	for ruleset, desc := range registry {
		queue, ok := scores.NewQueueStore(db, ruleset)
		if !ok {
			return fmt.Errorf("no queue table registered for ruleset %q", ruleset)
		}
		alias := fmt.Sprintf("%s_%s", settings.AliasPrefix, ruleset)
		sched.Indexers[alias] = &indexer.Indexer{
			Settings:   settings,
			Alias:      alias,
			Descriptor: desc,
			Client:     es,
			Meta:       es.Meta,
			Coord:      coord,
			Queue:      queue,
		}
	}

	runLog.Infow("starting scheduler", "aliases", len(sched.Indexers), "schema", settings.SchemaTag)
	return sched.Run(ctx)
}
