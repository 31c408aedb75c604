package nanoql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	ts      int64
	level   uint8
	session string
	task    string
	service string
	host    string
	message string
}

func (r record) GetTimestamp() int64 { return r.ts }
func (r record) GetLevel() uint8     { return r.level }
func (r record) GetSession() string  { return r.session }
func (r record) GetTask() string     { return r.task }
func (r record) GetService() string  { return r.service }
func (r record) GetHost() string     { return r.host }
func (r record) GetMessage() string  { return r.message }

func kinds(toks []token) []tokenKind {
	out := make([]tokenKind, len(toks))
	for i, t := range toks {
		out[i] = t.kind
	}
	return out
}

func TestLex(t *testing.T) {
	cases := map[string][]tokenKind{
		"service:order":   {tokWord, tokColon, tokWord, tokEOF},
		`level:"ERROR"`:   {tokWord, tokColon, tokQuoted, tokEOF},
		"a and b":         {tokWord, tokAnd, tokWord, tokEOF},
		"a OR b":          {tokWord, tokOr, tokWord, tokEOF},
		"not (a)":         {tokNot, tokLParen, tokWord, tokRParen, tokEOF},
		`key!="v"`:        {tokWord, tokNeq, tokQuoted, tokEOF},
		"level>=ERROR":    {tokWord, tokGte, tokWord, tokEOF},
		"ts<5 ts<=6 ts>7": {tokWord, tokLt, tokWord, tokWord, tokLte, tokWord, tokWord, tokGt, tokWord, tokEOF},
		"":                {tokEOF},
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			toks, err := lex(in)
			require.NoError(t, err)
			require.Equal(t, want, kinds(toks))
		})
	}
}

func TestLexQuotedEscapes(t *testing.T) {
	toks, err := lex(`"say \"hi\" \\ ok"`)
	require.NoError(t, err)
	require.Equal(t, `say "hi" \ ok`, toks[0].text)
}

func TestLexErrors(t *testing.T) {
	cases := map[string]int{
		`msg:"open`: 4,
		"a ! b":     2,
		"a # b":     2,
	}
	for in, pos := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := lex(in)
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			require.Equal(t, pos, se.Pos)
		})
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"service:order", "service:order"},
		{`svc:"order service"`, `service:"order service"`},
		{`"timeout"`, `"timeout"`},
		{"timeout", `"timeout"`},
		{"a AND b OR c", `(("a" AND "b") OR "c")`},
		{"a OR b AND c", `("a" OR ("b" AND "c"))`},
		{"service:order AND (level:ERROR OR level:WARN)", "(service:order AND (level:ERROR OR level:WARN))"},
		{"NOT NOT lvl:debug", "NOT NOT level:debug"},
		{"api timeout", `("api" AND "timeout")`},
		{"level>=warn", "level>=warn"},
		{"ts<100", "timestamp<100"},
		{`msg:"say \"hi\""`, `message:"say \"hi\""`},
		{"host:192.168.1.1", "host:192.168.1.1"},
		{`task:"or"`, `task:"or"`},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			n, err := Parse(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, n.String())
		})
	}
}

func TestParseBlank(t *testing.T) {
	for _, in := range []string{"", "   ", "\t\n"} {
		n, err := Parse(in)
		require.NoError(t, err)
		require.Nil(t, n)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		in  string
		msg string
	}{
		{"level:", "expected a value after level:, found end of query"},
		{"(a", "expected ')', found end of query"},
		{"a)", `expected end of query, found ")"`},
		{"colour:red", `unknown field "colour"`},
		{"level:loud", `unknown level "loud"`},
		{"ts>=soon", `timestamp "soon" is not an integer`},
		{"AND a", `expected a search term, found "AND"`},
		{"a OR", "expected a search term, found end of query"},
		{"service:and", `expected a value after service:, found "and"`},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			_, err := Parse(tc.in)
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.msg, se.Msg)
		})
	}
}

func TestMatch(t *testing.T) {
	rec := record{
		ts:      1234567890,
		level:   5,
		session: "sess-1",
		task:    "sync-42",
		service: "order-service",
		host:    "192.168.1.1",
		message: "Connection timeout occurred",
	}

	cases := []struct {
		q    string
		want bool
	}{
		{"service:order-service", true},
		{"service:payment", false},
		{"service!=payment", true},
		{"level:ERROR", true},
		{"level:5", true},
		{"level:INFO", false},
		{`"timeout"`, true},
		{`"success"`, false},
		{"sess-1", true},
		{"order timeout", true},
		{"order success", false},
		{"service:order-service AND level:ERROR", true},
		{"service:order-service AND level:INFO", false},
		{"service:payment OR level:ERROR", true},
		{"NOT level:DEBUG", true},
		{"NOT level:ERROR", false},
		{`host:"192.168.1.1"`, true},
		{`msg:"timeout"`, false},
		{`msg:"connection timeout occurred"`, true},
		{"session:sess-1", true},
		{"session:sess-2", false},
		{"task:sync-42 AND level:ERROR", true},
		{"level>=WARNING", true},
		{"level>=warn", true},
		{"level>=CRITICAL", false},
		{"level<warning", false},
		{"level<=error", true},
		{"level>error", false},
		{"ts>=1234567890", true},
		{"ts>=1234567891", false},
		{"ts<1234567891", true},
		{"service>order", true},
		{"service<order", false},
	}
	for _, tc := range cases {
		t.Run(tc.q, func(t *testing.T) {
			n, err := Parse(tc.q)
			require.NoError(t, err)
			require.Equal(t, tc.want, Match(n, rec))
		})
	}
}

func TestMatchIgnoresCase(t *testing.T) {
	rec := record{level: 5, service: "OrderService", message: "REQUEST completed"}
	for _, q := range []string{
		"service:orderservice",
		"SERVICE:ORDERSERVICE",
		"level:error",
		"Level:Error",
		`"request"`,
		`"REQUEST"`,
	} {
		n, err := Parse(q)
		require.NoError(t, err)
		require.True(t, Match(n, rec), q)
	}
}

func TestMatchNilNode(t *testing.T) {
	require.True(t, Match(nil, record{}))
}

func TestFieldContains(t *testing.T) {
	n := Term{Field: "message", Op: OpContains, Value: "TIME"}
	require.True(t, Match(n, record{message: "timeout"}))
	require.False(t, Match(n, record{service: "timer"}))
}
