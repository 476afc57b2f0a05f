// Package main provides tests for the proclineage CLI.
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leapstack-labs/proclineage/internal/cli"
)

const loadOrders = `CREATE OR REPLACE PROCEDURE load_orders()
LANGUAGE plpgsql
AS $$
BEGIN
    CREATE TEMP TABLE tmp_totals AS
    SELECT o.customer_id, SUM(o.amount) AS total
    FROM orders o
    GROUP BY o.customer_id;

    INSERT INTO customer_totals (customer_id, total)
    SELECT customer_id, total FROM tmp_totals;
END;
$$;
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeProc(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "load_orders.sql")
	if err := os.WriteFile(path, []byte(loadOrders), 0o600); err != nil {
		t.Fatalf("failed to write procedure: %v", err)
	}
	t.Chdir(dir)
	return dir, path
}

func TestVersionCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	output, err := runCLI(t, "version")
	if err != nil {
		t.Errorf("version command error = %v", err)
	}
	if !strings.Contains(output, "proclineage") {
		t.Errorf("version output should contain 'proclineage', got: %s", output)
	}
}

func TestHelpCommand(t *testing.T) {
	output, err := runCLI(t, "--help")
	if err != nil {
		t.Errorf("help command error = %v", err)
	}

	expectedCommands := []string{"analyze", "runs", "show", "serve", "watch", "repl"}
	for _, expected := range expectedCommands {
		if !strings.Contains(output, expected) {
			t.Errorf("help output should contain '%s', got: %s", expected, output)
		}
	}
}

func TestAnalyzeCommandJSON(t *testing.T) {
	_, path := writeProc(t)

	output, err := runCLI(t, "analyze", "-o", "json", path)
	if err != nil {
		t.Fatalf("analyze command error = %v", err)
	}

	var g struct {
		Procedure string `json:"procedure"`
	}
	if err := json.Unmarshal([]byte(output), &g); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if g.Procedure != "load_orders" {
		t.Errorf("procedure = %q, want load_orders", g.Procedure)
	}
	if !strings.Contains(output, "SUM(orders.amount)") {
		t.Errorf("output should trace total through the temp table, got: %s", output)
	}
}

func TestAnalyzeStoreThenRuns(t *testing.T) {
	dir, path := writeProc(t)
	statePath := filepath.Join(dir, "state.db")

	if _, err := runCLI(t, "analyze", "--store", "--state", statePath, "-o", "json", path); err != nil {
		t.Fatalf("analyze --store error = %v", err)
	}

	output, err := runCLI(t, "runs", "--state", statePath, "-o", "markdown")
	if err != nil {
		t.Fatalf("runs command error = %v", err)
	}
	if !strings.Contains(output, "load_orders") {
		t.Errorf("runs output should list load_orders, got: %s", output)
	}
}

func TestAnalyzeUnknownDialect(t *testing.T) {
	_, path := writeProc(t)

	_, err := runCLI(t, "analyze", "--dialect", "cobol", path)
	if err == nil {
		t.Error("unknown dialect should return an error")
	}
}

func TestAnalyzeMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := runCLI(t, "analyze", "does-not-exist.sql")
	if err == nil {
		t.Error("missing file should return an error")
	}
}

func TestCompletionCommand(t *testing.T) {
	shells := []string{"bash", "zsh", "fish", "powershell"}

	for _, shell := range shells {
		t.Run(shell, func(t *testing.T) {
			output, err := runCLI(t, "completion", shell)
			if err != nil {
				t.Errorf("completion %s command error = %v", shell, err)
			}
			if output == "" {
				t.Errorf("completion %s produced no output", shell)
			}
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := runCLI(t, "unknown-command")
	if err == nil {
		t.Error("unknown command should return an error")
	}
}
