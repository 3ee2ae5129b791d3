// Package main is the cmd/indexer CLI: the external collaborator spec §6
// names as "out of scope... specified only at its contract surface,"
// elaborated per SPEC_FULL §12 so the pipeline is a runnable program.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"github.com/ppy/elastic-indexer/internal/config"
	"github.com/ppy/elastic-indexer/internal/coordination"
	"github.com/ppy/elastic-indexer/internal/record"
	"github.com/ppy/elastic-indexer/internal/record/scores"
	"github.com/ppy/elastic-indexer/internal/searchclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "indexer",
		Short: "Projects scores from the database into the search cluster",
	}
	root.PersistentFlags().String("config", "", "optional config file path")

	root.AddCommand(newRunCmd())
	root.AddCommand(newPumpCmd())
	root.AddCommand(newSchemaCmd())
	return root
}

// dial opens the relational source and builds the search-cluster and
// coordination-store clients shared across subcommands.
func dial(s config.Settings) (*sql.DB, *searchclient.Client, *coordination.Store, record.Registry, error) {
	db, err := sql.Open("mysql", s.SourceConnectionString)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("opening source database: %w", err)
	}

	es, err := searchclient.New(s.SearchClusterURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	coord := coordination.New(s.CoordinationStoreURL)
	registry := scores.NewRegistry(db)
	return db, es, coord, registry, nil
}
