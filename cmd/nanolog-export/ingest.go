package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coffersTech/nanolog-export/internal/server"
	"github.com/spf13/cobra"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

func newIngestCmd(g *globalFlags) *cobra.Command {
	var skipInvalid bool

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Append JSON lines from a file or stdin to the store",
		Long: `Reads one JSON object per line, the same shape POST /api/ingest accepts:

  {"timestamp": 1700000000000000000, "level": "error", "service": "api", "task": "sync", "message": "..."}

Rows without a session join the session opened by this command.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			host, _ := os.Hostname()
			var p fastjson.Parser
			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 64*1024), 8<<20)

			n, lineNo := 0, 0
			for scanner.Scan() {
				lineNo++
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				v, err := p.Parse(line)
				if err != nil {
					if skipInvalid {
						a.log.Warn("Skipping invalid line", zap.Int("line", lineNo), zap.Error(err))
						continue
					}
					return fmt.Errorf("line %d: %w", lineNo, err)
				}
				a.qe.Ingest(server.RowFromJSON(v, host))
				n++
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			a.qe.SyncWAL()

			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d rows into session %s\n", n, a.qe.CurrentSession())
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipInvalid, "skip-invalid", false, "log and skip lines that are not valid JSON")
	return cmd
}
