package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/coffersTech/nanolog-export/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.nano>",
		Short: "Print the metadata of a segment or container export and verify its checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			reader, err := storage.NewColumnReader()
			if err != nil {
				return fmt.Errorf("failed to create reader: %w", err)
			}
			st, err := os.Stat(path)
			if err != nil {
				return err
			}
			info, err := reader.ReadInfo(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file:     %s (%s)\n", path, humanize.Bytes(uint64(st.Size())))
			fmt.Fprintf(out, "version:  %d\n", info.Version)
			fmt.Fprintf(out, "created:  %s\n", time.Unix(0, info.CreatedAt).Format(time.RFC3339))
			fmt.Fprintf(out, "session:  %s\n", info.Session)
			fmt.Fprintf(out, "rows:     %s\n", humanize.Comma(int64(info.RowCount)))
			if info.RowCount > 0 {
				fmt.Fprintf(out, "span:     %s .. %s\n",
					time.Unix(0, info.MinTime).Format(time.RFC3339Nano),
					time.Unix(0, info.MaxTime).Format(time.RFC3339Nano))
			}
			levels := make([]string, 0, len(info.LevelCounts))
			for name := range info.LevelCounts {
				levels = append(levels, name)
			}
			sort.Strings(levels)
			for _, name := range levels {
				fmt.Fprintf(out, "  %-9s %s\n", name, humanize.Comma(info.LevelCounts[name]))
			}

			if err := reader.Verify(path); err != nil {
				fmt.Fprintf(out, "checksum: FAILED\n")
				return fmt.Errorf("verify %s: %w", path, err)
			}
			fmt.Fprintf(out, "checksum: ok (%s)\n", info.Checksum)
			return nil
		},
	}
}
