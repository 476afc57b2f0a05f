// Package main provides the proclineage command-line tool.
package main

import (
	"os"

	"github.com/leapstack-labs/proclineage/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
