package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <resources.yaml>",
	Short: "Check a resource descriptor file",
	Long:  `Parses the descriptor file, applies defaults and reports the first invalid descriptor.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(out io.Writer, path string) error {
	resources, err := config.LoadResources(path)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for _, r := range resources {
		fmt.Fprintf(out, "%-24s %-18s interval=%s timeout=%s\n",
			r.Name, r.Kind, r.Health.Interval(), r.Health.Timeout())
	}
	fmt.Fprintf(out, "%d resources are valid\n", len(resources))
	return nil
}
