// Command vibesdk runs the code generation service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "vibesdk",
		Short:         "AI code generation service",
		Long:          "vibesdk turns natural-language app requests into deployed applications through phased LLM generation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vibesdk %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
