package nanoql

import (
	"fmt"
	"strconv"
	"strings"
)

var fieldAliases = map[string]string{
	"service":   "service",
	"svc":       "service",
	"host":      "host",
	"hostname":  "host",
	"ip":        "host",
	"message":   "message",
	"msg":       "message",
	"session":   "session",
	"sid":       "session",
	"task":      "task",
	"level":     "level",
	"lvl":       "level",
	"timestamp": "timestamp",
	"ts":        "timestamp",
}

var comparisons = map[tokenKind]Op{
	tokColon: OpEq,
	tokNeq:   OpNeq,
	tokGt:    OpGt,
	tokGte:   OpGte,
	tokLt:    OpLt,
	tokLte:   OpLte,
}

// Parse compiles a query. A blank query yields a nil Node, which matches
// every record.
//
//	query := or
//	or    := and { OR and }
//	and   := unary { [AND] unary }
//	unary := NOT unary | "(" or ")" | term
//	term  := QUOTED | WORD [ (":" | "!=" | ">" | ">=" | "<" | "<=") value ]
func Parse(input string) (Node, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	if toks[0].kind == tokEOF {
		return nil, nil
	}

	p := &parser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, unexpected(t, "end of query")
	}
	return n, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) or() (Node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokAnd:
			p.next()
		case tokWord, tokQuoted, tokLParen, tokNot:
		default:
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
}

func (p *parser) unary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNot:
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil

	case tokLParen:
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, unexpected(c, "')'")
		}
		return inner, nil

	case tokQuoted:
		return Term{Op: OpContains, Value: t.text}, nil

	case tokWord:
		op, ok := comparisons[p.peek().kind]
		if !ok {
			return Term{Op: OpContains, Value: t.text}, nil
		}
		p.next()
		return p.term(t, op)
	}
	return nil, unexpected(t, "a search term")
}

func (p *parser) term(key token, op Op) (Node, error) {
	field, ok := fieldAliases[strings.ToLower(key.text)]
	if !ok {
		return nil, &SyntaxError{Pos: key.pos, Msg: fmt.Sprintf("unknown field %q", key.text)}
	}
	v := p.next()
	if v.kind != tokWord && v.kind != tokQuoted {
		return nil, unexpected(v, "a value after "+key.text+op.String())
	}

	t := Term{Field: field, Op: op, Value: v.text}
	switch field {
	case "level":
		lvl, ok := levelFromString(v.text)
		if !ok {
			return nil, &SyntaxError{Pos: v.pos, Msg: fmt.Sprintf("unknown level %q", v.text)}
		}
		t.num = int64(lvl)
	case "timestamp":
		n, err := strconv.ParseInt(v.text, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: v.pos, Msg: fmt.Sprintf("timestamp %q is not an integer", v.text)}
		}
		t.num = n
	}
	return t, nil
}

func unexpected(t token, want string) error {
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, found %s", want, t.describe())}
}
