package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.qe.GetStats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logs:       %s\n", humanize.Comma(stats.TotalLogs))
			fmt.Fprintf(out, "segments:   %d\n", stats.Segments)
			fmt.Fprintf(out, "disk usage: %s\n", humanize.Bytes(uint64(stats.DiskUsage)))

			levels := make([]string, 0, len(stats.LevelDist))
			for name := range stats.LevelDist {
				levels = append(levels, name)
			}
			sort.Strings(levels)
			for _, name := range levels {
				fmt.Fprintf(out, "  %-9s %s\n", name, humanize.Comma(stats.LevelDist[name]))
			}
			return nil
		},
	}
}
