package sqltext

import (
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/core"
)

// Expr is a SQL expression together with the column references that
// appear in it. Refs is aligned with ScanRefs(Text): the i-th reference
// belongs to the i-th reference span, in textual order. Keeping the two
// aligned lets rewrites carry per-reference facts such as the join slot
// through any number of substitutions.
type Expr struct {
	Text string           `json:"text" yaml:"text"`
	Refs []core.ColumnRef `json:"refs,omitempty" yaml:"refs,omitempty"`
}

// RefSpan is a dotted column reference found in SQL text.
type RefSpan struct {
	Pos   int
	End   int
	Parts []string // names without quotes; unquoted names are lower-cased
}

// Ref converts the span into an unslotted column reference.
func (s RefSpan) Ref() core.ColumnRef {
	return RefFromParts(s.Parts)
}

// RefFromParts builds a reference from a qualified name; the last part is
// the column and everything before it the relation.
func RefFromParts(parts []string) core.ColumnRef {
	if len(parts) == 0 {
		return core.ColumnRef{}
	}
	n := len(parts) - 1
	return core.ColumnRef{Relation: strings.Join(parts[:n], "."), Column: parts[n]}
}

// Parse builds an Expr from text, deriving unslotted references.
func Parse(text string) Expr {
	spans := ScanRefs(text)
	e := Expr{Text: text}
	if len(spans) > 0 {
		e.Refs = make([]core.ColumnRef, len(spans))
		for i, s := range spans {
			e.Refs[i] = s.Ref()
		}
	}
	return e
}

// RefExpr renders a single column reference as an expression.
func RefExpr(ref core.ColumnRef) Expr {
	return Expr{Text: ref.String(), Refs: []core.ColumnRef{ref}}
}

// String returns the expression text.
func (e Expr) String() string { return e.Text }

// IsSingleRef reports whether the whole expression is one column reference.
func (e Expr) IsSingleRef() bool {
	if len(e.Refs) != 1 {
		return false
	}
	spans := ScanRefs(e.Text)
	if len(spans) != 1 {
		return false
	}
	return strings.TrimSpace(e.Text) == e.Text[spans[0].Pos:spans[0].End]
}

// Upstream returns the distinct references of the expression.
func (e Expr) Upstream() []core.ColumnRef {
	return core.DedupeRefs(e.Refs)
}

// PrefixSlots qualifies the slots of e with the slot of the reference it
// replaces, so two join slots over one derived relation stay distinct.
func (e Expr) PrefixSlots(outer string) Expr {
	if outer == "" || len(e.Refs) == 0 {
		return e
	}
	refs := make([]core.ColumnRef, len(e.Refs))
	for i, ref := range e.Refs {
		if ref.Slot == "" {
			ref.Slot = outer
		} else {
			ref.Slot = outer + "." + ref.Slot
		}
		refs[i] = ref
	}
	return Expr{Text: e.Text, Refs: refs}
}

// Join concatenates expressions with a separator, keeping references aligned.
func Join(sep string, exprs ...Expr) Expr {
	var b strings.Builder
	var refs []core.ColumnRef
	for i, e := range exprs {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(e.Text)
		refs = append(refs, e.Refs...)
	}
	return Expr{Text: b.String(), Refs: refs}
}

// Replacer decides the replacement for the i-th reference of an expression.
// It returns false to keep the reference unchanged.
type Replacer func(i int, ref core.ColumnRef) (Expr, bool)

// Substitute replaces references in e. Replacements that are not atomic are
// parenthesized unless they replace the entire expression.
func Substitute(e Expr, fn Replacer) Expr {
	spans := ScanRefs(e.Text)
	refs := e.Refs
	if len(refs) != len(spans) {
		refs = Parse(e.Text).Refs
	}

	var b strings.Builder
	var out []core.ColumnRef
	last := 0
	changed := false
	whole := strings.TrimSpace(e.Text)
	for i, span := range spans {
		repl, ok := fn(i, refs[i])
		if !ok {
			out = append(out, refs[i])
			continue
		}
		changed = true
		b.WriteString(e.Text[last:span.Pos])
		text := repl.Text
		if e.Text[span.Pos:span.End] != whole && !IsAtomic(text) {
			text = "(" + text + ")"
		}
		b.WriteString(text)
		out = append(out, repl.Refs...)
		last = span.End
	}
	if !changed {
		return Expr{Text: e.Text, Refs: append([]core.ColumnRef(nil), refs...)}
	}
	b.WriteString(e.Text[last:])
	return Expr{Text: b.String(), Refs: out}
}

// IsAtomic reports whether text can be spliced into a larger expression
// without parentheses: a literal, a qualified name, a function call, or a
// fully parenthesized group.
func IsAtomic(text string) bool {
	toks := Tokenize(text)
	toks = toks[:len(toks)-1] // drop EOF
	if len(toks) == 0 {
		return false
	}
	if len(toks) == 1 {
		switch toks[0].Type {
		case TOKEN_IDENT, TOKEN_NUMBER, TOKEN_STRING, TOKEN_PARAM:
			return true
		}
		return false
	}
	if toks[0].Type == TOKEN_LPAREN {
		return MatchParen(toks, 0) == len(toks)-1
	}
	if !toks[0].IsWord() {
		return false
	}
	i := 1
	for i+1 < len(toks) && toks[i].Type == TOKEN_DOT && toks[i+1].IsWord() {
		i += 2
	}
	if i == len(toks) {
		return true
	}
	return toks[i].Type == TOKEN_LPAREN && MatchParen(toks, i) == len(toks)-1
}

// MatchParen returns the index of the parenthesis closing toks[open], or -1.
func MatchParen(toks []Token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch toks[i].Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ScanRefs returns the dotted column references in text, in order.
//
// A reference is a chain of at least two names joined by dots. Chains that
// name a function (followed by a parenthesis), a type (after AS or ::) or a
// relation in a FROM list are not column references.
//
// FROM opens a relation list only at the top level or inside a
// parenthesized query, and never as part of IS [NOT] DISTINCT FROM, so the
// FROM of EXTRACT, SUBSTRING or TRIM is read as an operator.
func ScanRefs(text string) []RefSpan {
	toks := Tokenize(text)
	var spans []RefSpan

	// inFrom[d] is true while the FROM list at parenthesis depth d is open.
	// query[d] is true once depth d is known to hold a query.
	inFrom := []bool{false}
	query := []bool{true}
	depth := 0
	relNext := false

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok.Type == TOKEN_EOF {
			break
		}

		if tok.IsWord() && i+2 < len(toks) && toks[i+1].Type == TOKEN_DOT && toks[i+2].IsWord() {
			start := i
			parts := []string{partName(tok)}
			j := i + 1
			for j+1 < len(toks) && toks[j].Type == TOKEN_DOT && toks[j+1].IsWord() {
				parts = append(parts, partName(toks[j+1]))
				j += 2
			}
			last := toks[j-1]
			i = j - 1

			isRelation := relNext
			relNext = false
			if isRelation || toks[j].Type == TOKEN_LPAREN {
				continue
			}
			if start > 0 {
				prev := toks[start-1]
				if prev.Type == TOKEN_AS || (prev.Type == TOKEN_OP && prev.Literal == "::") {
					continue
				}
			}
			spans = append(spans, RefSpan{Pos: tok.Pos, End: last.End, Parts: parts})
			continue
		}

		switch {
		case tok.Type == TOKEN_LPAREN:
			depth++
			inFrom = append(inFrom, false)
			query = append(query, false)
			relNext = false
		case tok.Type == TOKEN_RPAREN:
			if depth > 0 {
				depth--
				inFrom = inFrom[:len(inFrom)-1]
				query = query[:len(query)-1]
			}
			relNext = false
		case tok.Type == TOKEN_FROM:
			if !query[depth] || (i > 0 && toks[i-1].IsBare("distinct")) {
				relNext = false
				continue
			}
			inFrom[depth] = true
			relNext = true
		case tok.Type == TOKEN_JOIN:
			relNext = true
		case tok.Type == TOKEN_COMMA:
			relNext = inFrom[depth]
		case tok.Type == TOKEN_ON, tok.Type == TOKEN_USING:
			relNext = false
		case IsClauseEnd(tok.Type), tok.Type == TOKEN_SELECT:
			if tok.Type == TOKEN_SELECT {
				query[depth] = true
			}
			inFrom[depth] = false
			relNext = false
		case IsJoinWord(tok.Type):
		case tok.IsWord():
			// A bare name in relation position is the relation; the alias
			// after it is not.
			relNext = false
		}
	}
	return spans
}

func partName(t Token) string {
	if t.Quoted {
		return t.Literal
	}
	return strings.ToLower(t.Literal)
}
