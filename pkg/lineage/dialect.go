package lineage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/leapstack-labs/proclineage/pkg/pgsql"
	"github.com/leapstack-labs/proclineage/pkg/segment"
)

// DefaultDialect is used when no dialect is configured.
const DefaultDialect = "postgres"

// ErrUnknownDialect is returned for a dialect name with no registered parser.
var ErrUnknownDialect = errors.New("unknown dialect")

// ParserFactory creates the parsing collaborator of a dialect.
type ParserFactory func() segment.Parser

// Dialect registry
var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]ParserFactory)
)

func init() {
	pg := func() segment.Parser { return pgsql.New() }
	for _, name := range []string{"postgres", "postgresql", "plpgsql"} {
		RegisterDialect(name, pg)
	}
}

// RegisterDialect registers a parser factory under a dialect name.
func RegisterDialect(name string, f ParserFactory) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[strings.ToLower(name)] = f
}

// LookupDialect returns a parser for a dialect name. An empty name selects
// DefaultDialect.
func LookupDialect(name string) (segment.Parser, bool) {
	if name == "" {
		name = DefaultDialect
	}
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	f, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return f(), true
}

// ValidateDialect returns an error wrapping ErrUnknownDialect when name
// has no registered parser.
func ValidateDialect(name string) error {
	if _, ok := LookupDialect(name); !ok {
		return fmt.Errorf("%w %q (known: %s)", ErrUnknownDialect, name, strings.Join(Dialects(), ", "))
	}
	return nil
}

// Dialects returns all registered dialect names (sorted).
func Dialects() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
