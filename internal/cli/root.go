// Package cli wires the despot1 command tree.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "1.0.0"

// NewRootCmd creates the root Cobra command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "despot1",
		Short: "despot1 maps T1 and proton density from variable flip-angle MRI",
		Long: `despot1 fits quantitative T1 and proton density maps to spoiled
gradient echo series acquired at multiple flip angles (the DESPOT1
method), and synthesizes the forward signals for testing and protocol
design. Inputs and outputs are single-file NIfTI-1 images.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "print debug information")

	// Add subcommands
	rootCmd.AddCommand(newFitCmd())
	rootCmd.AddCommand(newSignalCmd())
	rootCmd.AddCommand(newPreviewCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("despot1 v" + version)
		},
	}
}
