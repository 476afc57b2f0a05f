//go:build governance

package core_test

import (
	"go/types"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const modulePath = "github.com/leapstack-labs/proclineage"

func loadModule(t *testing.T, mode packages.LoadMode) []*packages.Package {
	t.Helper()
	pkgs, err := packages.Load(&packages.Config{Mode: mode}, modulePath+"/...")
	if err != nil {
		t.Fatalf("Failed to load packages: %v", err)
	}
	return pkgs
}

// =============================================================================
// COHESION TEST - Core types must be shared by multiple packages
// =============================================================================

// TestGovernance_CoreCohesion verifies that the types in pkg/core are used
// by more than one package. A type used by a single package belongs in
// that package.
func TestGovernance_CoreCohesion(t *testing.T) {
	pkgs := loadModule(t, packages.NeedName|packages.NeedImports|packages.NeedTypes|
		packages.NeedTypesInfo|packages.NeedDeps)

	coreDefs := make(map[types.Object]string)
	for _, p := range pkgs {
		if p.PkgPath != modulePath+"/pkg/core" {
			continue
		}
		scope := p.Types.Scope()
		for _, name := range scope.Names() {
			if obj, ok := scope.Lookup(name).(*types.TypeName); ok && obj.Exported() {
				coreDefs[obj] = name
			}
		}
	}
	if len(coreDefs) == 0 {
		t.Fatal("Could not find pkg/core")
	}

	usage := make(map[string]map[string]bool)
	for _, name := range coreDefs {
		usage[name] = make(map[string]bool)
	}
	for _, p := range pkgs {
		if p.PkgPath == modulePath+"/pkg/core" || p.TypesInfo == nil {
			continue
		}
		for _, obj := range p.TypesInfo.Uses {
			if name, ok := coreDefs[obj]; ok {
				usage[name][strings.TrimPrefix(p.PkgPath, modulePath+"/")] = true
			}
		}
	}

	for name, importers := range usage {
		switch len(importers) {
		case 0:
			t.Logf("WARNING: Unused core type: %s", name)
		case 1:
			if cohesionAllowlist[name] {
				continue
			}
			for user := range importers {
				t.Errorf("COHESION VIOLATION: 'core.%s' is used only by '%s'", name, user)
			}
		}
	}
}

// cohesionAllowlist names core types that may have a single user.
var cohesionAllowlist = map[string]bool{
	"Severity": true, // carried inside Diagnostic; only renderers name it
}

// =============================================================================
// LAYERING TEST - Library packages never depend on the application
// =============================================================================

// applicationPrefixes are the packages that make up the command-line tool
// and the HTTP service. Library packages may use internal helpers such as
// internal/dag but never these.
var applicationPrefixes = []string{"cmd/", "internal/cli", "internal/server", "internal/state", "internal/emit"}

// TestGovernance_PkgDoesNotImportApplication verifies that nothing under
// pkg/ depends on the application layers.
func TestGovernance_PkgDoesNotImportApplication(t *testing.T) {
	pkgs := loadModule(t, packages.NeedName|packages.NeedImports)

	for _, p := range pkgs {
		if !strings.HasPrefix(p.PkgPath, modulePath+"/pkg/") {
			continue
		}
		for imp := range p.Imports {
			rel := strings.TrimPrefix(imp, modulePath+"/")
			if rel == imp {
				continue
			}
			for _, prefix := range applicationPrefixes {
				if strings.HasPrefix(rel, prefix) {
					t.Errorf("LAYERING VIOLATION: '%s' imports '%s'",
						strings.TrimPrefix(p.PkgPath, modulePath+"/"), rel)
				}
			}
		}
	}
}
