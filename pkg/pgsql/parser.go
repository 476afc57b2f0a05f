// Package pgsql implements the PostgreSQL parsing collaborator on top of
// pg_query_go: procedure header extraction, statement splitting, statement
// classification and the qualified, unnested form of each statement that
// the lineage core consumes.
package pgsql

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/leapstack-labs/proclineage/pkg/segment"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// Parser implements segment.Parser for PostgreSQL and PL/pgSQL.
type Parser struct{}

// New creates a PostgreSQL parser.
func New() *Parser {
	return &Parser{}
}

var _ segment.Parser = (*Parser)(nil)

// Procedure extracts name, parameters and body from a
// CREATE [OR REPLACE] FUNCTION|PROCEDURE statement. Any other input is a
// plain script and yields nil.
func (p *Parser) Procedure(text string) (*segment.Procedure, error) {
	tree, err := pg_query.Parse(text)
	if err != nil || len(tree.Stmts) != 1 || tree.Stmts[0].Stmt == nil {
		return nil, nil
	}
	fn := tree.Stmts[0].Stmt.GetCreateFunctionStmt()
	if fn == nil {
		return nil, nil
	}

	names := make([]string, 0, len(fn.Funcname))
	for _, n := range fn.Funcname {
		if s := n.GetString_(); s != nil {
			names = append(names, s.Sval)
		}
	}
	proc := &segment.Procedure{Name: strings.Join(names, ".")}

	for _, param := range fn.Parameters {
		fp := param.GetFunctionParameter()
		if fp == nil {
			continue
		}
		proc.Params = append(proc.Params, segment.Param{
			Name: fp.Name,
			Type: typeName(fp.ArgType),
			Mode: paramMode(fp.Mode),
		})
	}

	for _, opt := range fn.Options {
		def := opt.GetDefElem()
		if def == nil || def.Arg == nil {
			continue
		}
		switch def.Defname {
		case "as":
			// The body is a list whose first element is the source text.
			if list := def.Arg.GetList(); list != nil && len(list.Items) > 0 {
				if s := list.Items[0].GetString_(); s != nil {
					proc.Body = s.Sval
				}
			}
		case "language":
			if s := def.Arg.GetString_(); s != nil {
				proc.Language = strings.ToLower(s.Sval)
			}
		}
	}
	if proc.Body == "" {
		return nil, fmt.Errorf("procedure %s has no body", proc.Name)
	}
	return proc, nil
}

func paramMode(m pg_query.FunctionParameterMode) string {
	switch m {
	case pg_query.FunctionParameterMode_FUNC_PARAM_OUT:
		return "OUT"
	case pg_query.FunctionParameterMode_FUNC_PARAM_INOUT:
		return "INOUT"
	case pg_query.FunctionParameterMode_FUNC_PARAM_VARIADIC:
		return "VARIADIC"
	case pg_query.FunctionParameterMode_FUNC_PARAM_TABLE:
		return "TABLE"
	default:
		return "IN"
	}
}

// Split divides a body into top-level statements. A PL/pgSQL block wrapper
// (DECLARE section, BEGIN ... END and the EXCEPTION handlers) is removed
// first. Inside the block, control-flow headers and terminators such as
// IF ... THEN, ELSE, FOR ... LOOP and END IF are dropped so the statements
// they enclose come out in textual order. Every other statement is kept,
// PL/pgSQL-only ones included.
func (p *Parser) Split(body string) ([]string, error) {
	text, block := stripBlock(body)
	scan, err := pg_query.Scan(text)
	if err != nil {
		return nil, fmt.Errorf("failed to split statements: %w", err)
	}

	var stmts []string
	var cur []*pg_query.ScanToken
	flush := func() {
		toks := trimControlFlow(text, cur, block)
		cur = nil
		if len(toks) == 0 {
			return
		}
		stmts = append(stmts, strings.TrimSpace(text[toks[0].Start:toks[len(toks)-1].End]))
	}
	for _, tok := range scan.Tokens {
		switch tok.Token {
		case pg_query.Token_SQL_COMMENT, pg_query.Token_C_COMMENT:
			continue
		case pg_query.Token_ASCII_59:
			flush()
			continue
		}
		cur = append(cur, tok)
	}
	flush()
	return stmts, nil
}

// trimControlFlow removes leading PL/pgSQL control-flow headers from the
// tokens of one statement and returns what remains. A statement that is
// only a terminator (END IF, END LOOP, END CASE, or END inside a block)
// yields nothing.
func trimControlFlow(text string, toks []*pg_query.ScanToken, block bool) []*pg_query.ScanToken {
	word := func(i int) string {
		if i >= len(toks) {
			return ""
		}
		return strings.ToLower(text[toks[i].Start:toks[i].End])
	}

	for len(toks) > 0 {
		switch word(0) {
		case "if", "elsif", "elseif", "when", "case":
			then := findWord(text, toks, 1, "then")
			if then < 0 {
				return toks
			}
			toks = toks[then+1:]
		case "for", "foreach", "while":
			loop := findWord(text, toks, 1, "loop")
			if loop < 0 {
				return toks
			}
			toks = toks[loop+1:]
		case "else", "loop":
			toks = toks[1:]
		case "exception", "begin":
			if !block {
				return toks
			}
			toks = toks[1:]
		case "<<":
			if word(2) != ">>" {
				return toks
			}
			toks = toks[3:]
		case "end":
			switch word(1) {
			case "if", "loop", "case":
				return nil
			}
			if block && len(toks) <= 2 {
				return nil
			}
			return toks
		default:
			return toks
		}
	}
	return toks
}

// findWord returns the index of the first unquoted word at parenthesis
// depth zero, at or after from, that is outside any nested CASE ... END.
// It returns -1 when there is none.
func findWord(text string, toks []*pg_query.ScanToken, from int, want string) int {
	depth, cases := 0, 0
	for i := from; i < len(toks); i++ {
		switch toks[i].Token {
		case pg_query.Token_ASCII_40:
			depth++
			continue
		case pg_query.Token_ASCII_41:
			depth--
			continue
		case pg_query.Token_CASE:
			cases++
			continue
		case pg_query.Token_END_P:
			if cases > 0 {
				cases--
			}
			continue
		}
		if depth == 0 && cases == 0 && strings.EqualFold(text[toks[i].Start:toks[i].End], want) {
			return i
		}
	}
	return -1
}

// stripBlock returns the statement list of a top-level PL/pgSQL block and
// true, or body unchanged and false when it is not wrapped in one.
func stripBlock(body string) (string, bool) {
	toks := sqltext.Tokenize(body)
	words := func(i int) string {
		if i < len(toks) && toks[i].IsWord() && !toks[i].Quoted {
			return strings.ToUpper(toks[i].Literal)
		}
		return ""
	}

	first := 0
	switch words(0) {
	case "DECLARE":
		for first < len(toks) && words(first) != "BEGIN" {
			first++
		}
	case "BEGIN":
	default:
		return body, false
	}
	if first >= len(toks)-1 {
		return body, false
	}

	// The block ends at the last END, optionally followed by a label and ";".
	last := -1
	for i := len(toks) - 2; i > first; i-- {
		if words(i) == "END" {
			last = i
			break
		}
	}
	if last < 0 {
		return body, false
	}
	for j := last + 1; j < len(toks)-1; j++ {
		if toks[j].Type != sqltext.TOKEN_SEMICOLON && toks[j].Type != sqltext.TOKEN_IDENT {
			return body, false
		}
	}

	end := toks[last].Pos
	depth := 0
	for i := first + 1; i < last; i++ {
		switch {
		case words(i) == "BEGIN" || (opensBlock[words(i)] && words(i-1) != "END"):
			depth++
		case words(i) == "END":
			if depth > 0 {
				depth--
			}
		case depth == 0 && words(i) == "EXCEPTION" && toks[i-1].Type == sqltext.TOKEN_SEMICOLON:
			end = toks[i].Pos
			i = last
		}
	}
	return body[toks[first].End:end], true
}

// opensBlock holds the words that open a construct closed by END, unless
// they follow END themselves.
var opensBlock = map[string]bool{"CASE": true, "LOOP": true, "IF": true}

// proceduralWords lead statements that only exist in PL/pgSQL.
var proceduralWords = map[string]bool{
	"RAISE": true, "RETURN": true, "PERFORM": true, "GET": true,
	"IF": true, "ELSIF": true, "ELSE": true, "END": true, "LOOP": true,
	"FOR": true, "FOREACH": true, "WHILE": true, "EXIT": true, "CONTINUE": true,
	"EXECUTE": true, "OPEN": true, "CLOSE": true, "ASSERT": true, "NULL": true,
	"CASE": true, "WHEN": true, "BEGIN": true, "DECLARE": true, "EXCEPTION": true,
}

// procedural reports whether sql is a PL/pgSQL statement and returns its
// leading keyword.
func procedural(sql string) (string, bool) {
	toks := sqltext.Tokenize(sql)
	if len(toks) < 2 || !toks[0].IsWord() {
		return "", false
	}
	word := strings.ToUpper(toks[0].Literal)
	if proceduralWords[word] {
		return word, true
	}
	// Assignment: target := expr, rec.field = expr, arr[i] := expr.
	i := 1
	for i+1 < len(toks) && toks[i].Type == sqltext.TOKEN_DOT && toks[i+1].IsWord() {
		i += 2
	}
	if toks[i].Type == sqltext.TOKEN_LBRACKET {
		for i < len(toks)-1 && toks[i].Type != sqltext.TOKEN_RBRACKET {
			i++
		}
		i++
	}
	if i < len(toks) && toks[i].Type == sqltext.TOKEN_OP && (toks[i].Literal == ":=" || toks[i].Literal == "=") {
		return "assignment", true
	}
	return "", false
}

// Parse parses one statement. PL/pgSQL-only statements return an error
// wrapping segment.ErrUnsupported.
func (p *Parser) Parse(sql string) (segment.Statement, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		if word, ok := procedural(sql); ok {
			return nil, fmt.Errorf("%s statement: %w", word, segment.ErrUnsupported)
		}
		return nil, fmt.Errorf("failed to parse statement: %w", err)
	}
	if len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return nil, fmt.Errorf("failed to parse statement: no statement in %q", sql)
	}
	if len(tree.Stmts) > 1 {
		return nil, fmt.Errorf("failed to parse statement: expected one statement, got %d", len(tree.Stmts))
	}
	node := tree.Stmts[0].Stmt
	fp, err := pg_query.Fingerprint(sql)
	if err != nil {
		fp = ""
	}
	return &Statement{
		sql:         sql,
		node:        node,
		kind:        classify(node),
		fingerprint: fp,
	}, nil
}
