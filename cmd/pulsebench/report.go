package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xtxerr/pulse/internal/report"
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <dir>",
		Short: "summarize exported snapshot files",
		Args:  cobra.ExactArgs(1),
		RunE:  runReport,
	}
	cmd.Flags().String("run", "", "summarize a single run (default: all runs)")
	return cmd
}

func runReport(cmd *cobra.Command, args []string) error {
	dir := args[0]
	runFilter, _ := cmd.Flags().GetString("run")
	out := cmd.OutOrStdout()

	svc, err := report.New(dir)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()

	runs, err := svc.Runs(ctx)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "no snapshot files in %s\n", dir)
		return nil
	}

	for _, r := range runs {
		if runFilter != "" && r.Run != runFilter {
			continue
		}
		fmt.Fprintf(out, "run %s: %d keys, %d snapshots, %dms span\n",
			r.Run, r.Keys, r.Snapshots, r.LastMs-r.FirstMs)

		keys, err := svc.Summarize(ctx, r.Run)
		if err != nil {
			return fmt.Errorf("summarize %s: %w", r.Run, err)
		}
		for _, k := range keys {
			switch k.Kind {
			case "histogram":
				fmt.Fprintf(out, "  %-40s %-9s count %10d  min %8d  p50 %10.0f  p99 %10.0f  max %8d\n",
					k.Key, k.Kind, k.Count, k.Min, k.P50, k.P99, k.Max)
			default:
				fmt.Fprintf(out, "  %-40s %-9s value %10d over %d snapshots\n",
					k.Key, k.Kind, k.Value, k.Snapshots)
			}
		}
	}
	return nil
}
