package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppy/elastic-indexer/internal/config"
	"github.com/ppy/elastic-indexer/internal/obs"
	"github.com/ppy/elastic-indexer/internal/record"
	"github.com/ppy/elastic-indexer/internal/record/scores"
)

var pumpLog = obs.Named("cmd.pump")

func newPumpCmd() *cobra.Command {
	pump := &cobra.Command{Use: "pump", Short: "Bulk-scan the source database into the live work queue"}

	var from int64
	var switchAfter bool
	var delayMS int

	all := &cobra.Command{
		Use:   "all",
		Short: "Enqueue every ruleset's scores as pending live-mode work",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(cmd)
			if err != nil {
				return err
			}
			db, _, coord, registry, err := dial(settings)
			if err != nil {
				return err
			}
			defer db.Close()
			defer coord.Close()

			for ruleset, desc := range registry {
				if err := pumpRuleset(context.Background(), db, ruleset, desc, from, time.Duration(delayMS)*time.Millisecond); err != nil {
					return fmt.Errorf("pumping ruleset %s: %w", ruleset, err)
				}
			}

			if switchAfter {
				if err := coord.SetCurrentSchema(context.Background(), settings.SchemaTag); err != nil {
					return err
				}
				pumpLog.Infow("current_schema set to trigger switchover", "schema", settings.SchemaTag)
			}
			return nil
		},
	}
	all.Flags().Int64Var(&from, "from", 0, "cursor value to resume pumping from")
	all.Flags().BoolVar(&switchAfter, "switch", false, "set current_schema after pumping completes")
	all.Flags().IntVar(&delayMS, "delay", 0, "milliseconds to sleep between pump batches")
	config.BindFlags(all)

	pump.AddCommand(all)
	return pump
}

// pumpRuleset cursor-scans desc's source table and inserts every id as a
// pending (status=1) work-queue entry, the bulk-scan-to-queue half of the
// live pipeline's producer side (spec §6: "pump all ... bulk scan -> queue").
func pumpRuleset(ctx context.Context, db *sql.DB, ruleset string, desc record.Descriptor, from int64, delay time.Duration) error {
	queueTable, ok := scores.QueueTableFor(ruleset)
	if !ok {
		return fmt.Errorf("no queue table for ruleset %q", ruleset)
	}

	max, err := desc.Max(ctx)
	if err != nil {
		return err
	}

	const batchSize = 10000
	last := from
	for last < max {
		records, err := desc.ScanBetween(ctx, last, max, batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}

		if err := enqueue(ctx, db, queueTable, ruleset, records); err != nil {
			return err
		}

		last = records[len(records)-1].CursorValue()
		pumpLog.Infow("pumped batch", "ruleset", ruleset, "through", humanize.Comma(last))

		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}

func enqueue(ctx context.Context, db *sql.DB, queueTable, ruleset string, records []record.Record) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		"INSERT INTO %s (score_id, status, mode) VALUES (?, 1, ?) ON DUPLICATE KEY UPDATE status = 1",
		queueTable,
	)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.CursorValue(), ruleset); err != nil {
			return err
		}
	}
	return tx.Commit()
}
