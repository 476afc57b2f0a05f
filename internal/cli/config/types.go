// Package config loads proclineage CLI configuration from defaults, a YAML
// file, a .env file, environment variables and command-line flags.
package config

import "time"

// Default configuration values.
const (
	DefaultDialect       = "postgres"
	DefaultMaxDepth      = 5
	MaxDepthLimit        = 32
	DefaultSchema        = "public"
	DefaultOutput        = "auto" // TTY=text, non-TTY=markdown
	DefaultLogLevel      = "warn"
	DefaultStateFile     = ".proclineage/state.db"
	DefaultConcurrency   = 4
	DefaultServerAddr    = ":8080"
	DefaultReadTimeout   = 10 * time.Second
	DefaultWatchDebounce = 200 * time.Millisecond
	EnvPrefix            = "PROCLINEAGE_"
)

// ConfigFileNames are the file names searched for, in order.
var ConfigFileNames = []string{"proclineage.yaml", "proclineage.yml"}

// Config holds all CLI configuration options.
type Config struct {
	Dialect       string        `koanf:"dialect"`
	MaxDepth      int           `koanf:"max_depth"`
	DefaultSchema string        `koanf:"default_schema"`
	OutputFormat  string        `koanf:"output"`
	Verbose       bool          `koanf:"verbose"`
	LogLevel      string        `koanf:"log_level"`
	StatePath     string        `koanf:"state_path"`
	Store         bool          `koanf:"store"`
	Concurrency   int           `koanf:"concurrency"`
	Catalog       CatalogConfig `koanf:"catalog"`
	Server        ServerConfig  `koanf:"server"`
	Neo4j         Neo4jConfig   `koanf:"neo4j"`
	Watch         WatchConfig   `koanf:"watch"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`
}

// CatalogConfig selects where permanent table schemas come from. Sources
// are chained in the order file, postgres, duckdb.
type CatalogConfig struct {
	File        string   `koanf:"file"`
	PostgresDSN string   `koanf:"postgres_dsn"`
	DuckDBPath  string   `koanf:"duckdb_path"`
	Schemas     []string `koanf:"schemas"`
}

// Enabled reports whether any catalog source is configured.
func (c CatalogConfig) Enabled() bool {
	return c.File != "" || c.PostgresDSN != "" || c.DuckDBPath != ""
}

// ServerConfig holds settings of the HTTP API.
type ServerConfig struct {
	Addr        string        `koanf:"addr"`
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// Neo4jConfig holds the graph sink connection.
type Neo4jConfig struct {
	URI      string `koanf:"uri"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// WatchConfig holds settings of the watch command.
type WatchConfig struct {
	Debounce time.Duration `koanf:"debounce"`
}

func defaults() map[string]any {
	return map[string]any{
		"dialect":             DefaultDialect,
		"max_depth":           DefaultMaxDepth,
		"default_schema":      DefaultSchema,
		"output":              DefaultOutput,
		"verbose":             false,
		"log_level":           DefaultLogLevel,
		"state_path":          DefaultStateFile,
		"store":               false,
		"concurrency":         DefaultConcurrency,
		"server.addr":         DefaultServerAddr,
		"server.read_timeout": DefaultReadTimeout,
		"watch.debounce":      DefaultWatchDebounce,
	}
}
