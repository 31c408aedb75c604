// Package nanoql parses and evaluates the NanoQL log query language.
//
//	service:api AND (level>=warn OR "timeout")
//	NOT task:sync ts<1700000000000000000
//
// Adjacent terms are joined with AND. Keywords are case-insensitive.
package nanoql

import (
	"strconv"
	"strings"
)

// Op is the comparison a Term applies to its field.
type Op uint8

const (
	OpContains Op = iota
	OpEq
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
)

var opText = [...]string{
	OpContains: "~",
	OpEq:       ":",
	OpNeq:      "!=",
	OpGt:       ">",
	OpGte:      ">=",
	OpLt:       "<",
	OpLte:      "<=",
}

func (o Op) String() string {
	if int(o) < len(opText) {
		return opText[o]
	}
	return "?"
}

// holds reports whether a three-way comparison result satisfies o.
func (o Op) holds(c int) bool {
	switch o {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// Node is a parsed query. String renders it in canonical, fully
// parenthesised form.
type Node interface {
	String() string
	node()
}

type And struct{ Left, Right Node }

type Or struct{ Left, Right Node }

type Not struct{ Expr Node }

// Term compares one field against a value. An empty Field searches every
// text field for Value.
type Term struct {
	Field string
	Op    Op
	Value string

	num int64 // parsed Value for level and timestamp terms
}

func (And) node()  {}
func (Or) node()   {}
func (Not) node()  {}
func (Term) node() {}

func (n And) String() string { return "(" + n.Left.String() + " AND " + n.Right.String() + ")" }
func (n Or) String() string  { return "(" + n.Left.String() + " OR " + n.Right.String() + ")" }
func (n Not) String() string { return "NOT " + n.Expr.String() }

func (t Term) String() string {
	if t.Field == "" {
		return strconv.Quote(t.Value)
	}
	return t.Field + t.Op.String() + quoteValue(t.Value)
}

func quoteValue(v string) string {
	if v == "" || isKeyword(v) {
		return strconv.Quote(v)
	}
	for i := 0; i < len(v); i++ {
		if !isWordByte(v[i]) {
			return strconv.Quote(v)
		}
	}
	return v
}

func isKeyword(s string) bool {
	return strings.EqualFold(s, "AND") || strings.EqualFold(s, "OR") || strings.EqualFold(s, "NOT")
}
