package nanoql

import (
	"cmp"
	"strconv"
	"strings"
)

// LogRecord is the view of a log row the evaluator needs. It keeps this
// package free of the engine's types.
type LogRecord interface {
	GetTimestamp() int64
	GetLevel() uint8
	GetSession() string
	GetTask() string
	GetService() string
	GetHost() string
	GetMessage() string
}

// Match reports whether rec satisfies node. A nil node matches everything.
func Match(node Node, rec LogRecord) bool {
	switch n := node.(type) {
	case nil:
		return true
	case And:
		return Match(n.Left, rec) && Match(n.Right, rec)
	case Or:
		return Match(n.Left, rec) || Match(n.Right, rec)
	case Not:
		return !Match(n.Expr, rec)
	case Term:
		return n.matches(rec)
	}
	return false
}

func (t Term) matches(rec LogRecord) bool {
	if t.Op == OpContains {
		if t.Field != "" {
			return containsFold(fieldText(t.Field, rec), t.Value)
		}
		return fullText(rec, t.Value)
	}

	switch t.Field {
	case "level":
		return t.Op.holds(cmp.Compare(int64(rec.GetLevel()), t.num))
	case "timestamp":
		return t.Op.holds(cmp.Compare(rec.GetTimestamp(), t.num))
	}
	got := fieldText(t.Field, rec)
	if t.Op == OpEq || t.Op == OpNeq {
		return strings.EqualFold(got, t.Value) == (t.Op == OpEq)
	}
	return t.Op.holds(strings.Compare(strings.ToLower(got), strings.ToLower(t.Value)))
}

func fieldText(field string, rec LogRecord) string {
	switch field {
	case "service":
		return rec.GetService()
	case "host":
		return rec.GetHost()
	case "message":
		return rec.GetMessage()
	case "session":
		return rec.GetSession()
	case "task":
		return rec.GetTask()
	case "level":
		return levelName(rec.GetLevel())
	case "timestamp":
		return strconv.FormatInt(rec.GetTimestamp(), 10)
	}
	return ""
}

func fullText(rec LogRecord, q string) bool {
	for _, f := range [...]string{
		rec.GetMessage(),
		rec.GetService(),
		rec.GetHost(),
		rec.GetTask(),
		rec.GetSession(),
		levelName(rec.GetLevel()),
	} {
		if containsFold(f, q) {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL"}

func levelName(l uint8) string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// levelFromString accepts a level name, the WARN and FATAL aliases, or the
// level's number.
func levelFromString(s string) (uint8, bool) {
	switch strings.ToUpper(s) {
	case "WARN":
		return 4, true
	case "FATAL":
		return 6, true
	}
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return uint8(i), true
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && int(n) < len(levelNames) {
		return uint8(n), true
	}
	return 0, false
}
