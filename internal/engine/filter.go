package engine

import (
	"fmt"

	"github.com/coffersTech/nanolog-export/internal/pkg/nanoql"
)

// Filter defines criteria for log retrieval. All set constraints are ANDed.
//
// A nil *Filter is the universal match. A filter with BySession set and an
// empty Session matches nothing, which keeps "no filter" and "empty result"
// distinguishable.
type Filter struct {
	MinTime   int64  `json:"min_time,omitempty"` // unix nanos, 0 = unbounded
	BySession bool   `json:"by_session,omitempty"`
	Session   string `json:"session,omitempty"`
	ByLevel   bool   `json:"by_level,omitempty"`
	MinLevel  Level  `json:"min_level,omitempty"`
	Query     string `json:"q,omitempty"`

	node nanoql.Node
}

// CompileQuery parses a NanoQL query. An empty query compiles to nil.
func CompileQuery(q string) (nanoql.Node, error) {
	node, err := nanoql.Parse(q)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	return node, nil
}

// SetQuery parses a NanoQL query and attaches it to the filter.
func (f *Filter) SetQuery(q string) error {
	node, err := CompileQuery(q)
	if err != nil {
		return err
	}
	f.Query = q
	f.node = node
	return nil
}

// Match reports whether row satisfies every constraint of f.
func (f *Filter) Match(row *LogRow) bool {
	if f == nil {
		return true
	}
	if f.BySession && (f.Session == "" || row.Session != f.Session) {
		return false
	}
	if f.MinTime > 0 && row.Timestamp < f.MinTime {
		return false
	}
	if f.ByLevel && row.Level < f.MinLevel {
		return false
	}
	return nanoql.Match(f.node, row)
}

// Overlaps reports whether a segment spanning [minTs, maxTs] can hold
// matching rows.
func (f *Filter) Overlaps(minTs, maxTs int64) bool {
	if f == nil {
		return true
	}
	return f.MinTime <= 0 || maxTs >= f.MinTime
}
