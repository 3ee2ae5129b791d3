package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppy/elastic-indexer/internal/config"
	"github.com/ppy/elastic-indexer/internal/coordination"
)

// newSchemaCmd implements the `schema get|set|clear` operator surface
// (§6) for manipulating current_schema directly, used by the switchover
// protocol's step 2 (§4.8).
func newSchemaCmd() *cobra.Command {
	schema := &cobra.Command{Use: "schema", Short: "Inspect or change the coordination store's current_schema"}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current_schema value",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, coord, err := dialCoordOnly(cmd)
			if err != nil {
				return err
			}
			defer coord.Close()
			cur, err := coord.CurrentSchema(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(cur)
			return nil
		},
	}
	config.BindFlags(get)

	set := &cobra.Command{
		Use:   "set <schema>",
		Short: "Set current_schema, triggering the switchover protocol (§4.8)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, coord, err := dialCoordOnly(cmd)
			if err != nil {
				return err
			}
			defer coord.Close()
			return coord.SetCurrentSchema(context.Background(), args[0])
		},
	}
	config.BindFlags(set)

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete the current_schema key",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, coord, err := dialCoordOnly(cmd)
			if err != nil {
				return err
			}
			defer coord.Close()
			return coord.ClearCurrentSchema(context.Background())
		},
	}
	config.BindFlags(clear)

	schema.AddCommand(get, set, clear)
	return schema
}

func dialCoordOnly(cmd *cobra.Command) (config.Settings, *coordination.Store, error) {
	settings, err := config.LoadRaw(cmd)
	if err != nil {
		return config.Settings{}, nil, err
	}
	return settings, coordination.New(settings.CoordinationStoreURL), nil
}
