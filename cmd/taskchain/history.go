package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskchain/internal/config"
	"github.com/aristath/taskchain/internal/persistence"
)

// HistoryCmd lists recorded runs, or one task's results across runs.
func HistoryCmd(global *globalOptions) *cobra.Command {
	var (
		limit  int
		taskID string
	)

	cmd := &cobra.Command{
		Use:   "history [chain]",
		Short: "List recorded chain runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain := ""
			if len(args) == 1 {
				chain = args[0]
			}
			if taskID != "" && chain == "" {
				return errors.New("--task requires a chain name")
			}

			return withStore(cmd.Context(), global, func(store persistence.Store) error {
				if taskID != "" {
					records, err := store.TaskHistory(cmd.Context(), chain, taskID, limit)
					if err != nil {
						return err
					}
					printTaskHistory(cmd.OutOrStdout(), records)
					return nil
				}

				runs, err := store.ListRuns(cmd.Context(), chain, limit)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows to show (0 for all)")
	cmd.Flags().StringVar(&taskID, "task", "", "show one task's results across runs")
	return cmd
}

// ShowCmd prints a stored run report.
func ShowCmd(global *globalOptions) *cobra.Command {
	var asJSON, asCSV bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), global, func(store persistence.Store) error {
				report, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				switch {
				case asJSON:
					return writeJSON(cmd.OutOrStdout(), report)
				case asCSV:
					return writeCSV(cmd.OutOrStdout(), report)
				}
				printSummary(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&asCSV, "csv", false, "export the task rows as CSV")
	cmd.MarkFlagsMutuallyExclusive("json", "csv")
	return cmd
}

// DeleteCmd removes a recorded run.
func DeleteCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), global, func(store persistence.Store) error {
				if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
				return nil
			})
		},
	}
}

func withStore(ctx context.Context, global *globalOptions, fn func(persistence.Store) error) error {
	settings, err := global.loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func openStore(ctx context.Context, settings *config.Settings) (persistence.Store, error) {
	store, err := persistence.NewSQLiteStore(ctx, settings.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}
