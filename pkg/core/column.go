package core

import (
	"strings"
)

// Transformation text prefixes.
const (
	CopyPrefix = "COPY:"
	SQLPrefix  = "SQL:"
)

// ColumnRef is a reference to one column of one relation.
//
// Slot records the binding (alias occurrence) the reference was reached
// through. Two references to the same physical column through different
// join slots are distinct references.
type ColumnRef struct {
	Relation string `json:"relation" yaml:"relation"`
	Column   string `json:"column" yaml:"column"`
	Slot     string `json:"slot,omitempty" yaml:"slot,omitempty"`
}

// String renders the reference as relation.column.
func (r ColumnRef) String() string {
	if r.Relation == "" {
		return QuoteIdent(r.Column)
	}
	return QuoteQualified(r.Relation) + "." + QuoteIdent(r.Column)
}

// Key identifies the reference including its slot.
func (r ColumnRef) Key() string {
	if r.Slot == "" {
		return r.String()
	}
	return r.String() + "#" + r.Slot
}

// Entry is the lineage of one downstream column.
type Entry struct {
	Column         string      `json:"column" yaml:"column"`
	Upstream       []ColumnRef `json:"upstream" yaml:"upstream"`
	Transformation string      `json:"transformation" yaml:"transformation"`
	DirectCopy     bool        `json:"is_direct_copy" yaml:"is_direct_copy"`
	Confidence     Confidence  `json:"confidence" yaml:"confidence"`
}

// CopyTransformation renders the COPY form for a source column.
func CopyTransformation(ref ColumnRef) string {
	return CopyPrefix + ref.String()
}

// SQLTransformation renders the SQL form for an expression.
func SQLTransformation(expr string) string {
	return SQLPrefix + expr
}

// SplitTransformation separates a tagged transformation into its form and body.
// The boolean is false when the text carries neither prefix.
func SplitTransformation(t string) (direct bool, body string, ok bool) {
	switch {
	case strings.HasPrefix(t, CopyPrefix):
		return true, strings.TrimPrefix(t, CopyPrefix), true
	case strings.HasPrefix(t, SQLPrefix):
		return false, strings.TrimPrefix(t, SQLPrefix), true
	default:
		return false, t, false
	}
}

// DedupeRefs removes repeated references, keeping distinct slots apart.
func DedupeRefs(refs []ColumnRef) []ColumnRef {
	if len(refs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(refs))
	out := make([]ColumnRef, 0, len(refs))
	for _, r := range refs {
		k := r.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// Relations returns the distinct relations referenced, in first-seen order.
func Relations(refs []ColumnRef) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range refs {
		if r.Relation == "" || seen[r.Relation] {
			continue
		}
		seen[r.Relation] = true
		out = append(out, r.Relation)
	}
	return out
}

// QuoteIdent returns name unchanged when it is a plain lower-case identifier
// and double-quoted otherwise.
func QuoteIdent(name string) string {
	if name == "" || name == "*" || isPlainIdent(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteQualified quotes each dot-separated part of a relation name.
func QuoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func isPlainIdent(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case (c >= '0' && c <= '9') || c == '$':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
