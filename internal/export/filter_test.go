package export

import (
	"testing"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

var (
	genTimeRange = gen.OneConstOf(TimeRangeCurrentSession, TimeRangeLastHour, TimeRangeToday, TimeRangeAll)
	genLevel     = gen.UInt8Range(uint8(engine.LevelTrace), uint8(engine.LevelCritical))
	// 2001-09-09 .. 2033-05-18, keeps "now - 1h" and local midnight positive.
	genNow    = gen.Int64Range(1_000_000_000, 2_000_000_000)
	genOffset = gen.Int64Range(-3*24*3600, 3600)
)

func filterParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	return parameters
}

func TestBuildFilterUniversal(t *testing.T) {
	properties := gopter.NewProperties(filterParameters())

	properties.Property("all ranges at trace level build the universal filter", prop.ForAll(
		func(sec int64, session string) bool {
			f, err := BuildFilter(Options{TimeRange: TimeRangeAll, MinLevel: engine.LevelTrace, Format: FormatText}, session, time.Unix(sec, 0))
			return err == nil && f == nil
		},
		genNow, gen.AlphaString(),
	))

	properties.Property("any other range or level builds a constrained filter", prop.ForAll(
		func(tr TimeRange, lvl uint8, sec int64) bool {
			if tr == TimeRangeAll && lvl == 0 {
				return true
			}
			f, err := BuildFilter(Options{TimeRange: tr, MinLevel: engine.Level(lvl), Format: FormatContainer}, "s", time.Unix(sec, 0))
			return err == nil && f != nil
		},
		genTimeRange, genLevel, genNow,
	))

	properties.TestingRun(t)
}

func TestBuildFilterNarrows(t *testing.T) {
	properties := gopter.NewProperties(filterParameters())

	properties.Property("matching rows satisfy every selected bound", prop.ForAll(
		func(tr TimeRange, minLvl, rowLvl uint8, sec, offset int64, sameSession bool) bool {
			now := time.Unix(sec, 0)
			f, err := BuildFilter(Options{TimeRange: tr, MinLevel: engine.Level(minLvl)}, "active", now)
			if err != nil {
				return false
			}

			row := &engine.LogRow{
				Timestamp: now.Add(time.Duration(offset) * time.Second).UnixNano(),
				Level:     engine.Level(rowLvl),
				Session:   "previous",
			}
			if sameSession {
				row.Session = "active"
			}
			if !f.Match(row) {
				return true
			}

			if row.Level < engine.Level(minLvl) {
				return false
			}
			y, m, d := now.Date()
			switch tr {
			case TimeRangeCurrentSession:
				return row.Session == "active"
			case TimeRangeLastHour:
				return row.Timestamp >= now.Add(-time.Hour).UnixNano()
			case TimeRangeToday:
				return row.Timestamp >= time.Date(y, m, d, 0, 0, 0, 0, time.Local).UnixNano()
			}
			return true
		},
		genTimeRange, genLevel, genLevel, genNow, genOffset, gen.Bool(),
	))

	properties.Property("rows inside every bound are kept", prop.ForAll(
		func(tr TimeRange, minLvl uint8, sec int64) bool {
			now := time.Unix(sec, 0)
			f, err := BuildFilter(Options{TimeRange: tr, MinLevel: engine.Level(minLvl)}, "active", now)
			if err != nil {
				return false
			}
			row := &engine.LogRow{Timestamp: now.UnixNano(), Level: engine.LevelCritical, Session: "active"}
			return f.Match(row)
		},
		genTimeRange, genLevel, genNow,
	))

	properties.TestingRun(t)
}

func TestBuildFilterEmptySessionMatchesNothing(t *testing.T) {
	f, err := BuildFilter(Options{TimeRange: TimeRangeCurrentSession}, "", time.Now())
	require.NoError(t, err)
	require.NotNil(t, f)
	require.False(t, f.Match(&engine.LogRow{Timestamp: time.Now().UnixNano()}))
}

func TestBuildFilterToday(t *testing.T) {
	now := time.Date(2026, 4, 12, 17, 45, 0, 0, time.Local)
	f, err := BuildFilter(Options{TimeRange: TimeRangeToday}, "s", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 4, 12, 0, 0, 0, 0, time.Local).UnixNano(), f.MinTime)
	require.False(t, f.ByLevel)
	require.False(t, f.BySession)
}

func TestBuildFilterQuery(t *testing.T) {
	f, err := BuildFilter(Options{TimeRange: TimeRangeAll, Query: "service:api"}, "s", time.Now())
	require.NoError(t, err)
	require.NotNil(t, f)
	require.True(t, f.Match(&engine.LogRow{Service: "api"}))
	require.False(t, f.Match(&engine.LogRow{Service: "worker"}))

	_, err = BuildFilter(Options{TimeRange: TimeRangeAll, Query: "level:"}, "s", time.Now())
	require.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
	require.Error(t, Options{TimeRange: "yesterday", Format: FormatText}.Validate())
	require.Error(t, Options{TimeRange: TimeRangeAll, Format: "pdf"}.Validate())
	require.Error(t, Options{TimeRange: TimeRangeAll, Format: FormatText, MinLevel: 42}.Validate())
}
