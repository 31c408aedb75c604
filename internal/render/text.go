package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
)

// Separator joins rendered blocks. Blocks never contain an empty line, so
// the output splits back into blocks on it.
const Separator = "\n\n"

const DefaultTimeLayout = "2006-01-02 15:04:05.000"

// TextRenderer formats log rows as human readable text.
type TextRenderer struct {
	Location   *time.Location // time.Local when nil
	TimeLayout string
}

func (r TextRenderer) RenderRow(row engine.LogRow) string {
	var b strings.Builder
	r.writeRow(&b, row, "")
	return b.String()
}

// RenderGroup renders a task header followed by its rows, indented.
func (r TextRenderer) RenderGroup(group engine.TaskGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%d entries)", group.Task, len(group.Rows))
	for _, row := range group.Rows {
		b.WriteByte('\n')
		r.writeRow(&b, row, "    ")
	}
	return b.String()
}

func (r TextRenderer) Join(blocks []string) string {
	return strings.Join(blocks, Separator)
}

func (r TextRenderer) writeRow(b *strings.Builder, row engine.LogRow, indent string) {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	layout := r.TimeLayout
	if layout == "" {
		layout = DefaultTimeLayout
	}

	b.WriteString(indent)
	b.WriteString(time.Unix(0, row.Timestamp).In(loc).Format(layout))
	fmt.Fprintf(b, " [%s]", row.Level)
	if row.Service != "" || row.Host != "" {
		b.WriteByte(' ')
		b.WriteString(row.Service)
		if row.Host != "" {
			b.WriteByte('@')
			b.WriteString(row.Host)
		}
		b.WriteByte(':')
	}
	b.WriteByte(' ')

	// Continuation lines are indented so a message can never produce an empty line.
	lines := strings.Split(strings.TrimRight(row.Message, "\n"), "\n")
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
			b.WriteString(indent)
			b.WriteString("  ")
		}
		b.WriteString(strings.TrimRight(line, "\r"))
	}
}
