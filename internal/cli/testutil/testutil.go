// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/proclineage/internal/cli/config"
)

// LoadOrders is a procedure that routes an aggregate through a temp table.
const LoadOrders = `CREATE OR REPLACE PROCEDURE load_orders(p_day date)
LANGUAGE plpgsql
AS $$
BEGIN
    CREATE TEMP TABLE tmp_totals AS
    SELECT o.customer_id, SUM(o.amount) AS total
    FROM orders o
    WHERE o.order_day = p_day
    GROUP BY o.customer_id;

    INSERT INTO customer_totals (customer_id, total)
    SELECT customer_id, total FROM tmp_totals;

    DROP TABLE tmp_totals;
END;
$$;
`

// NightlyScript is a plain script with a CTE and a star expansion that
// needs the catalog.
const NightlyScript = `WITH recent AS (
    SELECT * FROM customers WHERE active
)
INSERT INTO customer_copy (id, name)
SELECT r.id, UPPER(r.name) FROM recent r;
`

const catalogYAML = `default_schema: public
tables:
  orders: [customer_id, amount, order_day]
  customers: [id, name, active]
`

// Project is a temporary proclineage project.
type Project struct {
	Root      string
	Procs     string
	StatePath string
}

// Proc returns the path of a procedure file in the project.
func (p Project) Proc(name string) string {
	return filepath.Join(p.Procs, name)
}

// SetupTestProject creates a temporary project with a config file, a
// catalog file and two procedure files. The working directory is changed
// to the project root for the duration of the test.
func SetupTestProject(t *testing.T) Project {
	t.Helper()

	root := t.TempDir()
	p := Project{
		Root:      root,
		Procs:     filepath.Join(root, "procs"),
		StatePath: filepath.Join(root, ".proclineage", "state.db"),
	}

	files := map[string]string{
		filepath.Join(root, "proclineage.yaml"): "catalog:\n  file: catalog.yaml\n",
		filepath.Join(root, "catalog.yaml"):     catalogYAML,
		p.Proc("load_orders.sql"):              LoadOrders,
		p.Proc("nightly.sql"):                  NightlyScript,
	}
	for path, content := range files {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}

	t.Chdir(root)
	return p
}

// Execute runs cmd with args and a context carrying the loaded project
// configuration, returning captured stdout and stderr.
func Execute(t *testing.T, cmd *cobra.Command, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	loaded, err := config.LoadConfig("", nil)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	ctx := config.WithConfig(context.Background(), loaded.Config)

	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}

// AssertContains checks that the string contains every expected substring.
func AssertContains(t *testing.T, s string, expected ...string) {
	t.Helper()
	for _, e := range expected {
		if !strings.Contains(s, e) {
			t.Errorf("string %q does not contain expected %q", s, e)
		}
	}
}
