package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type (
	loggerKey struct{}
	configKey struct{}
)

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

// flagKeys maps flag names onto config keys where they differ from the
// kebab-to-snake rule. Flags absent from this map and from the config
// keys are not configuration.
var flagKeys = map[string]string{
	"state":      "state_path",
	"addr":       "server.addr",
	"catalog":    "catalog.file",
	"postgres":   "catalog.postgres_dsn",
	"duckdb":     "catalog.duckdb_path",
	"schema":     "catalog.schemas",
	"neo4j-uri":  "neo4j.uri",
	"neo4j-user": "neo4j.user",
	"debounce":   "watch.debounce",
}

var configKeys = map[string]bool{
	"dialect": true, "max_depth": true, "default_schema": true, "output": true,
	"verbose": true, "log_level": true, "state_path": true, "store": true, "concurrency": true,
}

// configExistsIn returns the config file in dir, if any.
func configExistsIn(dir string) string {
	for _, name := range ConfigFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// findConfigUpward searches upward from startDir for a config file.
func findConfigUpward(startDir string) string {
	dir := startDir
	for i := 0; i < maxUpwardSearchLevels; i++ {
		if f := configExistsIn(dir); f != "" {
			return f
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Loaded is the result of LoadConfig.
type Loaded struct {
	*Config
	// File is the config file read, or "".
	File string
}

// LoadConfig loads configuration. Precedence (highest to lowest):
// flags > env vars > .env file > config file > defaults.
//
// Only flags that were explicitly set are applied.
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Loaded, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file, explicit or searched upward from the working directory
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	projectRoot := cwd
	if cfgFile == "" {
		cfgFile = findConfigUpward(cwd)
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
		if abs, err := filepath.Abs(cfgFile); err == nil {
			projectRoot = filepath.Dir(abs)
		}
	}

	// 3. .env next to the project; existing variables win
	if envFile := filepath.Join(projectRoot, ".env"); fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error reading %s: %w", envFile, err)
		}
	}

	// 4. Environment variables: PROCLINEAGE_MAX_DEPTH -> max_depth,
	// PROCLINEAGE_SERVER__ADDR -> server.addr
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 5. Flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := FlagKey(f.Name)
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.ProjectRoot = projectRoot
	if flags != nil && flags.Changed("state") {
		cfg.StatePath, _ = filepath.Abs(cfg.StatePath)
	} else {
		cfg.StatePath = resolvePathRelativeTo(cfg.StatePath, projectRoot)
	}
	cfg.Catalog.File = resolvePathRelativeTo(cfg.Catalog.File, projectRoot)
	cfg.Catalog.DuckDBPath = resolvePathRelativeTo(cfg.Catalog.DuckDBPath, projectRoot)

	cfg.Catalog.PostgresDSN = expandEnvVars(cfg.Catalog.PostgresDSN)
	cfg.Neo4j.URI = expandEnvVars(cfg.Neo4j.URI)
	cfg.Neo4j.User = expandEnvVars(cfg.Neo4j.User)
	cfg.Neo4j.Password = expandEnvVars(cfg.Neo4j.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loaded{Config: &cfg, File: cfgFile}, nil
}

// FlagKey returns the config key a flag sets.
func FlagKey(name string) (string, bool) {
	if key, ok := flagKeys[name]; ok {
		return key, true
	}
	key := strings.ReplaceAll(name, "-", "_")
	return key, configKeys[key]
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns with environment variable values.
// Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// NewLogger creates a text logger on w at the named level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

// WithLogger stores a logger in ctx.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	// Return discard logger as safe fallback
	return slog.New(slog.DiscardHandler)
}

// WithConfig stores a config in ctx.
func WithConfig(ctx context.Context, c *Config) context.Context {
	return context.WithValue(ctx, configKey{}, c)
}

// GetConfig retrieves the config from the command context, falling back
// to defaults.
func GetConfig(ctx context.Context) *Config {
	if c, ok := ctx.Value(configKey{}).(*Config); ok {
		return c
	}
	return &Config{
		Dialect:       DefaultDialect,
		MaxDepth:      DefaultMaxDepth,
		DefaultSchema: DefaultSchema,
		OutputFormat:  DefaultOutput,
		LogLevel:      DefaultLogLevel,
		StatePath:     DefaultStateFile,
		Concurrency:   DefaultConcurrency,
		Server:        ServerConfig{Addr: DefaultServerAddr, ReadTimeout: DefaultReadTimeout},
		Watch:         WatchConfig{Debounce: DefaultWatchDebounce},
	}
}
