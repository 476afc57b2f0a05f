package alias

import (
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// bindFromList reads the FROM list that starts at toks[i] (the token after
// FROM) and binds each item into scope. It stops at the first clause
// keyword or closing parenthesis at the list's own depth and returns the
// index of that token.
func bindFromList(scope *Scope, toks []sqltext.Token, i int) int {
	for i < len(toks) {
		tok := toks[i]
		switch {
		case tok.Type == sqltext.TOKEN_EOF, tok.Type == sqltext.TOKEN_RPAREN, sqltext.IsClauseEnd(tok.Type):
			return i
		case tok.Type == sqltext.TOKEN_COMMA, sqltext.IsJoinWord(tok.Type):
			i++
		case tok.Type == sqltext.TOKEN_ON:
			i = skipCondition(toks, i+1)
		case tok.Type == sqltext.TOKEN_USING:
			i++
			if i < len(toks) && toks[i].Type == sqltext.TOKEN_LPAREN {
				i = skipGroup(toks, i)
			}
		default:
			i = bindItem(scope, toks, i)
		}
	}
	return i
}

// bindItem binds one FROM item: a relation, a function call or a
// parenthesized derived table, with an optional alias.
func bindItem(scope *Scope, toks []sqltext.Token, i int) int {
	var relation string
	kind := KindTable

	switch {
	case toks[i].Type == sqltext.TOKEN_LPAREN:
		kind = KindDerived
		i = skipGroup(toks, i)
	case toks[i].IsWord():
		parts := []string{partName(toks[i])}
		i++
		for i+1 < len(toks) && toks[i].Type == sqltext.TOKEN_DOT && toks[i+1].IsWord() {
			parts = append(parts, partName(toks[i+1]))
			i += 2
		}
		relation = strings.Join(parts, ".")
		if i < len(toks) && toks[i].Type == sqltext.TOKEN_LPAREN {
			kind = KindFunction
			i = skipGroup(toks, i)
		}
	default:
		// Not a FROM item; step over it so the caller makes progress.
		return i + 1
	}

	alias := ""
	if i < len(toks) && toks[i].Type == sqltext.TOKEN_AS {
		i++
	}
	if i < len(toks) && toks[i].Type == sqltext.TOKEN_IDENT {
		alias = partName(toks[i])
		i++
		// Column alias list: t AS x(a, b)
		if i < len(toks) && toks[i].Type == sqltext.TOKEN_LPAREN {
			i = skipGroup(toks, i)
		}
	}

	switch kind {
	case KindDerived:
		if alias != "" {
			scope.Bind(alias, alias, KindDerived)
		}
	case KindFunction:
		if alias != "" {
			scope.Bind(alias, alias, KindFunction)
		}
	default:
		if b, ok := scope.Lookup(relation); ok && b.Kind == KindCTE && b.Relation == relation {
			kind = KindCTE
		}
		scope.Bind(alias, relation, kind)
	}
	return i
}

// skipGroup returns the index after the parenthesized group opening at toks[i].
func skipGroup(toks []sqltext.Token, i int) int {
	end := sqltext.MatchParen(toks, i)
	if end < 0 {
		return len(toks) - 1
	}
	return end + 1
}

// skipCondition skips a join condition up to the next FROM item boundary.
func skipCondition(toks []sqltext.Token, i int) int {
	for i < len(toks) {
		t := toks[i].Type
		switch {
		case t == sqltext.TOKEN_LPAREN:
			i = skipGroup(toks, i)
			continue
		case t == sqltext.TOKEN_EOF, t == sqltext.TOKEN_RPAREN, t == sqltext.TOKEN_COMMA,
			sqltext.IsJoinWord(t), sqltext.IsClauseEnd(t):
			return i
		}
		i++
	}
	return i
}

func partName(t sqltext.Token) string {
	if t.Quoted {
		return t.Literal
	}
	return strings.ToLower(t.Literal)
}
