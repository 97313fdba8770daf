package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"despot1/pkg/config"
)

// newConfigCmd builds the config subcommand, which documents the run
// configuration format by emitting the defaults
func newConfigCmd() *cobra.Command {
	var writePath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the default run configuration as YAML",
		Long: `Config prints the default YAML run configuration, the starting
point for --protocol files. With --write the configuration is saved to
a file instead of printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if writePath != "" {
				return config.CreateDefaultConfigFile(writePath)
			}
			data, err := yaml.Marshal(config.DefaultConfig())
			if err != nil {
				return fmt.Errorf("error marshaling config: %w", err)
			}
			cmd.Print(string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&writePath, "write", "w", "", "write the configuration to this file instead of stdout")

	return cmd
}
