package engine

import (
	"fmt"
	"strings"
)

// Level is the ordered severity of a log row.
type Level uint8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelNotice
	LevelWarning
	LevelError
	LevelCritical
)

// Levels lists every level in ascending order.
var Levels = []Level{LevelTrace, LevelDebug, LevelInfo, LevelNotice, LevelWarning, LevelError, LevelCritical}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelNotice:
		return "NOTICE"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Common aliases are accepted.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "NOTICE":
		return LevelNotice, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL", "FATAL":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// EncodeLevel converts a level name to a Level, falling back to INFO.
// Used on ingest where a malformed level must not drop the row.
func EncodeLevel(s string) Level {
	l, err := ParseLevel(s)
	if err != nil {
		return LevelInfo
	}
	return l
}

// LogRow represents a single log record (row-oriented view).
// Used when reading data from disk or returning query results.
type LogRow struct {
	Timestamp int64  `json:"timestamp"`
	Level     Level  `json:"level"`
	Session   string `json:"session"`
	Task      string `json:"task,omitempty"`
	Service   string `json:"service"`
	Host      string `json:"host"`
	Message   string `json:"message"`
}

// Accessors used by the NanoQL matcher.
func (r *LogRow) GetTimestamp() int64 { return r.Timestamp }
func (r *LogRow) GetLevel() uint8     { return uint8(r.Level) }
func (r *LogRow) GetSession() string  { return r.Session }
func (r *LogRow) GetTask() string     { return r.Task }
func (r *LogRow) GetService() string  { return r.Service }
func (r *LogRow) GetHost() string     { return r.Host }
func (r *LogRow) GetMessage() string  { return r.Message }

// TaskGroup is a run of rows that share a task id.
type TaskGroup struct {
	Task string   `json:"task"`
	Rows []LogRow `json:"rows"`
}

// Entry is either a standalone row or a task group. Exactly one field is set.
type Entry struct {
	Row   *LogRow    `json:"row,omitempty"`
	Group *TaskGroup `json:"group,omitempty"`
}

// GroupByTask folds rows that carry a task id into one group per task.
// A group takes the position of its first row; row order is preserved
// inside each group.
func GroupByTask(rows []LogRow) []Entry {
	entries := make([]Entry, 0, len(rows))
	groups := make(map[string]*TaskGroup)

	for i := range rows {
		row := rows[i]
		if row.Task == "" {
			entries = append(entries, Entry{Row: &row})
			continue
		}
		if g, ok := groups[row.Task]; ok {
			g.Rows = append(g.Rows, row)
			continue
		}
		g := &TaskGroup{Task: row.Task, Rows: []LogRow{row}}
		groups[row.Task] = g
		entries = append(entries, Entry{Group: g})
	}
	return entries
}

// CountRows returns the number of rows held by entries.
func CountRows(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Group != nil {
			n += len(e.Group.Rows)
		} else if e.Row != nil {
			n++
		}
	}
	return n
}
