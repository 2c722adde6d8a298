// pulsebench drives a metrics engine with synthetic load and reports
// on exported snapshot files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "pulsebench",
		Short:         "benchmark and inspect pulse metrics engines",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(os.Stdout)

	root.AddCommand(newRunCommand())
	root.AddCommand(newReportCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
