package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskchain/internal/config"
)

// ValidateCmd checks a chain file without running it.
func ValidateCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <chain.yaml>",
		Short: "Check a chain file and print its execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateChain(cmd.OutOrStdout(), args[0], global)
		},
	}
}

func validateChain(w io.Writer, path string, global *globalOptions) error {
	settings, err := global.loadSettings()
	if err != nil {
		return err
	}

	chain, err := config.LoadChain(path, settings)
	if err != nil {
		return err
	}
	graph, err := chain.Graph()
	if err != nil {
		return fmt.Errorf("invalid chain %s: %w", chain.Name, err)
	}

	reg := chain.Registry(nil)
	for _, task := range graph.Tasks() {
		if !task.Enabled {
			continue
		}
		if _, err := reg.Resolve(task.Adapter); err != nil {
			return fmt.Errorf("task %q: %w", task.ID, err)
		}
	}

	order, err := graph.Order()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Chain %s is valid: %d tasks, policy %s\n", chain.Name, graph.Len(), chain.Policy.Mode)
	fmt.Fprintf(w, "Serial plan:       %s\n", strings.Join(graph.Plan(), " -> "))
	fmt.Fprintf(w, "Topological order: %s\n", strings.Join(order, " -> "))
	for _, task := range graph.Tasks() {
		if !task.Enabled {
			fmt.Fprintf(w, "  %s is disabled\n", task.ID)
		}
	}
	return nil
}
