package config

import (
	"errors"
	"fmt"

	"github.com/leapstack-labs/proclineage/internal/emit"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxDepth < 1 || c.MaxDepth > MaxDepthLimit {
		return fmt.Errorf("%w: max_depth must be between 1 and %d, got %d", ErrInvalidConfig, MaxDepthLimit, c.MaxDepth)
	}
	if _, err := emit.ParseMode(c.OutputFormat); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := lineage.ValidateDialect(c.Dialect); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("%w: watch.debounce must not be negative", ErrInvalidConfig)
	}
	if c.Neo4j.URI != "" && c.Neo4j.User == "" {
		return fmt.Errorf("%w: neo4j.user is required with neo4j.uri", ErrInvalidConfig)
	}
	return nil
}
