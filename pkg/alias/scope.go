// Package alias maps table aliases to canonical relation names within
// nested lexical scopes and rewrites alias-qualified column references.
package alias

import (
	"strconv"
	"strings"
)

// Kind indicates what an alias is bound to.
type Kind int

const (
	// KindTable represents a physical (or temp) table.
	KindTable Kind = iota
	// KindCTE represents a common table expression, synthetic or written.
	KindCTE
	// KindDerived represents a derived table (subquery in FROM).
	KindDerived
	// KindFunction represents a set-returning function in FROM.
	KindFunction
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindCTE:
		return "cte"
	case KindDerived:
		return "derived"
	case KindFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Binding maps one alias to its relation at one lexical level.
type Binding struct {
	Alias    string
	Relation string
	Kind     Kind
	// Slot names this occurrence of the relation. It is unique across all
	// scopes of a statement, so two aliases of one table stay distinct.
	Slot string
}

// Scope tracks the aliases visible within one query level.
type Scope struct {
	parent     *Scope
	entries    map[string]*Binding // alias -> binding (normalized to lowercase)
	byRelation map[string]*Binding // relation -> first binding, for relation-qualified refs
	order      []*Binding
	slots      map[string]int // shared across the whole scope tree
}

// NewScope creates a new root scope.
func NewScope() *Scope {
	return &Scope{
		entries:    make(map[string]*Binding),
		byRelation: make(map[string]*Binding),
		slots:      make(map[string]int),
	}
}

// Child creates a child scope for a nested query. The child sees every
// binding of its ancestors unless it shadows them; siblings never see each
// other.
func (s *Scope) Child() *Scope {
	return &Scope{
		parent:     s,
		entries:    make(map[string]*Binding),
		byRelation: make(map[string]*Binding),
		slots:      s.slots,
	}
}

// Parent returns the enclosing scope, or nil for the root.
func (s *Scope) Parent() *Scope {
	return s.parent
}

func normalize(name string) string {
	return strings.ToLower(name)
}

// Bind registers alias for relation in this scope. An empty alias binds
// the relation under its own unqualified name. Rebinding an alias in the
// same scope replaces the earlier binding.
func (s *Scope) Bind(alias, relation string, kind Kind) *Binding {
	if alias == "" {
		alias = relation
		if i := strings.LastIndexByte(relation, '.'); i >= 0 {
			alias = relation[i+1:]
		}
	}
	b := &Binding{
		Alias:    alias,
		Relation: relation,
		Kind:     kind,
		Slot:     s.nextSlot(alias),
	}
	s.entries[normalize(alias)] = b
	if _, ok := s.byRelation[normalize(relation)]; !ok {
		s.byRelation[normalize(relation)] = b
	}
	s.order = append(s.order, b)
	return b
}

func (s *Scope) nextSlot(alias string) string {
	key := normalize(alias)
	n := s.slots[key]
	s.slots[key] = n + 1
	if n == 0 {
		return key
	}
	return key + "_" + strconv.Itoa(n+1)
}

// Lookup finds the binding for a qualifier, searching the current scope
// first and then the parents. Aliases are matched before relation names.
func (s *Scope) Lookup(name string) (*Binding, bool) {
	key := normalize(name)
	for sc := s; sc != nil; sc = sc.parent {
		if b, ok := sc.entries[key]; ok {
			return b, true
		}
		if b, ok := sc.byRelation[key]; ok {
			return b, true
		}
	}
	return nil, false
}

// LookupLocal finds a binding in this scope only.
func (s *Scope) LookupLocal(name string) (*Binding, bool) {
	b, ok := s.entries[normalize(name)]
	return b, ok
}

// Bindings returns the bindings of this scope in registration order.
func (s *Scope) Bindings() []*Binding {
	out := make([]*Binding, len(s.order))
	copy(out, s.order)
	return out
}

// Relations returns the distinct relations bound in this scope, in order.
func (s *Scope) Relations() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range s.order {
		if seen[b.Relation] {
			continue
		}
		seen[b.Relation] = true
		out = append(out, b.Relation)
	}
	return out
}

// Len returns the number of bindings in this scope.
func (s *Scope) Len() int {
	return len(s.order)
}
