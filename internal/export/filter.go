package export

import (
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
)

// BuildFilter translates opts into a store predicate. It returns nil, the
// universal match, when no constraint applies.
func BuildFilter(opts Options, session string, now time.Time) (*engine.Filter, error) {
	f := &engine.Filter{}
	constrained := false

	switch opts.TimeRange {
	case TimeRangeCurrentSession:
		f.BySession = true
		f.Session = session
		constrained = true
	case TimeRangeLastHour:
		f.MinTime = now.Add(-time.Hour).UnixNano()
		constrained = true
	case TimeRangeToday:
		y, m, d := now.Date()
		f.MinTime = time.Date(y, m, d, 0, 0, 0, 0, now.Location()).UnixNano()
		constrained = true
	}

	if opts.MinLevel != engine.LevelTrace {
		f.ByLevel = true
		f.MinLevel = opts.MinLevel
		constrained = true
	}

	if opts.Query != "" {
		if err := f.SetQuery(opts.Query); err != nil {
			return nil, err
		}
		constrained = true
	}

	if !constrained {
		return nil, nil
	}
	return f, nil
}
