// Package core defines the shared language of proclineage.
//
// This package contains:
//   - Column references and lineage entries (ColumnRef, Entry, Transformation)
//   - The diagnostics taxonomy (Code, Severity, Diagnostic)
//   - Confidence flags
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
