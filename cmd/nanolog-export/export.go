package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/coffersTech/nanolog-export/internal/export"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// optionFlags are the export options settable from the command line.
type optionFlags struct {
	timeRange string
	level     string
	format    string
	query     string
}

func (f *optionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.timeRange, "range", "", "time range: current-session, last-hour, today or all")
	names := make([]string, 0, len(engine.Levels))
	for _, l := range engine.Levels {
		names = append(names, strings.ToLower(l.String()))
	}
	cmd.Flags().StringVar(&f.level, "level", "", "minimum level: "+strings.Join(names, ", "))
	cmd.Flags().StringVar(&f.format, "format", "", "output format: container or text")
	cmd.Flags().StringVar(&f.query, "query", "", "NanoQL refinement, e.g. 'service:api AND NOT level:debug'")
}

// apply overlays the flags that were set on cur.
func (f *optionFlags) apply(cmd *cobra.Command, cur export.Options) (export.Options, bool, error) {
	opts := cur
	changed := false
	var err error
	if cmd.Flags().Changed("range") {
		if opts.TimeRange, err = export.ParseTimeRange(f.timeRange); err != nil {
			return cur, false, err
		}
		changed = true
	}
	if cmd.Flags().Changed("level") {
		if opts.MinLevel, err = engine.ParseLevel(f.level); err != nil {
			return cur, false, err
		}
		changed = true
	}
	if cmd.Flags().Changed("format") {
		if opts.Format, err = export.ParseFormat(f.format); err != nil {
			return cur, false, err
		}
		changed = true
	}
	if cmd.Flags().Changed("query") {
		opts.Query = f.query
		changed = true
	}
	return opts, changed, opts.Validate()
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		flags   optionFlags
		outDir  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the store once and save the file",
		Long: `Runs one export with the saved options, overridden by any option flags,
and copies the result into --out. Overrides are saved for later runs.

Examples:
  nanolog-export export --out ./exports
  nanolog-export export --range today --level error --format text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			coord, err := a.newCoordinator(ctx)
			if err != nil {
				return err
			}
			defer coord.Close()

			opts, changed, err := flags.apply(cmd, coord.CurrentOptions())
			if err != nil {
				return err
			}
			if changed {
				if err := coord.UpdateOptions(ctx, opts); err != nil {
					return err
				}
			}
			if err := coord.Trigger(); err != nil {
				return err
			}

			st, err := coord.Await(ctx, export.Settled)
			if err != nil {
				return fmt.Errorf("waiting for export: %w", err)
			}
			if st.Result == nil {
				return errors.New(st.ErrorMessage)
			}

			return coord.Share(ctx, export.SavePresenter{
				Dir: outDir,
				OnSaved: func(path string, size int64) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", path, humanize.Bytes(uint64(size)))
					if info := st.Result.Info; info != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "  rows: %s  checksum: %s\n", humanize.Comma(int64(info.RowCount)), info.Checksum)
					}
				},
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to save the export into")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func newOptionsCmd(g *globalFlags) *cobra.Command {
	var flags optionFlags

	cmd := &cobra.Command{
		Use:   "options",
		Short: "Show or change the saved export options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			cur, err := a.settings.Load(cmd.Context())
			if err != nil {
				cur = export.DefaultOptions()
			}
			opts, changed, err := flags.apply(cmd, cur)
			if err != nil {
				return err
			}
			if changed {
				if err := a.settings.Save(cmd.Context(), opts); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "range:  %s\n", opts.TimeRange)
			fmt.Fprintf(out, "level:  %s\n", opts.MinLevel)
			fmt.Fprintf(out, "format: %s\n", opts.Format)
			if opts.Query != "" {
				fmt.Fprintf(out, "query:  %s\n", opts.Query)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
