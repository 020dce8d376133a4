package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taskchain/internal/config"
)

// ConfigCmd groups settings file commands.
func ConfigCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage taskchain settings",
	}
	cmd.AddCommand(configInitCmd(global), configShowCmd(global))
	return cmd
}

func configInitCmd(global *globalOptions) *cobra.Command {
	var (
		project bool
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.configPath
			switch {
			case path != "":
			case project:
				path = config.ProjectPath()
			default:
				p, err := config.GlobalPath()
				if err != nil {
					return err
				}
				path = p
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultSettings(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&project, "project", false, "write .taskchain/config.yaml in the current directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := global.loadSettings()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(settings)
		},
	}
}
