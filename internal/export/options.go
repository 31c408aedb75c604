package export

import (
	"fmt"
	"strings"

	"github.com/coffersTech/nanolog-export/internal/engine"
)

// TimeRange selects the time window of an export.
type TimeRange string

const (
	TimeRangeCurrentSession TimeRange = "current-session"
	TimeRangeLastHour       TimeRange = "last-hour"
	TimeRangeToday          TimeRange = "today"
	TimeRangeAll            TimeRange = "all"
)

// ParseTimeRange accepts the canonical names plus a few spellings used by clients.
func ParseTimeRange(s string) (TimeRange, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "current-session", "currentsession", "session":
		return TimeRangeCurrentSession, nil
	case "last-hour", "lasthour", "hour":
		return TimeRangeLastHour, nil
	case "today":
		return TimeRangeToday, nil
	case "all":
		return TimeRangeAll, nil
	}
	return "", fmt.Errorf("unknown time range %q", s)
}

// Format selects the codec of an export.
type Format string

const (
	FormatContainer Format = "container"
	FormatText      Format = "text"
)

// ContainerExtension is the file extension of container exports.
const ContainerExtension = "nano"

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "container", "nano", "store":
		return FormatContainer, nil
	case "text", "txt", "plain":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	if f == FormatText {
		return "txt"
	}
	return ContainerExtension
}

// Options is the immutable input of one export job.
type Options struct {
	TimeRange TimeRange    `json:"time_range"`
	MinLevel  engine.Level `json:"min_level"`
	Format    Format       `json:"format"`
	Query     string       `json:"query,omitempty"` // optional NanoQL refinement
}

// DefaultOptions exports the current session, every level, as a container.
func DefaultOptions() Options {
	return Options{
		TimeRange: TimeRangeCurrentSession,
		MinLevel:  engine.LevelTrace,
		Format:    FormatContainer,
	}
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	if _, err := ParseTimeRange(string(o.TimeRange)); err != nil {
		return err
	}
	if _, err := ParseFormat(string(o.Format)); err != nil {
		return err
	}
	if o.MinLevel > engine.LevelCritical {
		return fmt.Errorf("unknown level %d", o.MinLevel)
	}
	if _, err := engine.CompileQuery(o.Query); err != nil {
		return err
	}
	return nil
}
