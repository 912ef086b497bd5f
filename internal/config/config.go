// Package config loads service configuration from an optional YAML file and
// TARA_ prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/autotara/internal/knowledge"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore, so TARA_SERVER__PORT sets server.port.
const EnvPrefix = "TARA_"

// PathEnv names the variable holding the config file path.
const PathEnv = "TARA_CONFIG"

// DefaultPath is read when PathEnv is unset. A missing file is not an error.
const DefaultPath = "config.yaml"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Generation GenerationConfig `koanf:"generation"`
	Prompts    PromptsConfig    `koanf:"prompts"`
	Knowledge  KnowledgeConfig  `koanf:"knowledge"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxUploadBytes  int64         `koanf:"max_upload_bytes"`
}

type StorageConfig struct {
	Type           string         `koanf:"type"` // memory, sqlite, postgres, mysql
	SQLite         SQLiteConfig   `koanf:"sqlite"`
	Database       DatabaseConfig `koanf:"database"`
	ConnectTimeout time.Duration  `koanf:"connect_timeout"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"` // postgres, mysql
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type GenerationConfig struct {
	Provider    string        `koanf:"provider"` // openai, anthropic
	Model       string        `koanf:"model"`
	APIKey      string        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"` // Custom API endpoint
	Timeout     time.Duration `koanf:"timeout"`
	MaxTokens   int           `koanf:"max_tokens"`
	Temperature *float64      `koanf:"temperature"`
}

type PromptsConfig struct {
	Dir                string `koanf:"dir"`
	Watch              bool   `koanf:"watch"`
	MaxReferenceTokens int    `koanf:"max_reference_tokens"`
	Encoding           string `koanf:"encoding"`
}

// KnowledgeConfig enables retrieval of catalog and standards passages into
// stage prompts. Embeddings always use the OpenAI API.
type KnowledgeConfig struct {
	Enabled        bool              `koanf:"enabled"`
	IndexPath      string            `koanf:"index_path"`
	EmbeddingModel string            `koanf:"embedding_model"`
	APIKey         string            `koanf:"api_key"`
	BaseURL        string            `koanf:"base_url"`
	MaxTokens      int               `koanf:"max_tokens"` // cap on retrieved passages per run; 0 disables
	Sources        knowledge.Sources `koanf:"sources"`
}

type LoggingConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                  8080,
	"server.request_timeout":       "10m",
	"server.shutdown_timeout":      "30s",
	"server.max_upload_bytes":      16 << 20,
	"storage.type":                 "memory",
	"storage.sqlite.path":          "autotara.db",
	"storage.connect_timeout":      "30s",
	"generation.provider":          "openai",
	"generation.timeout":           "5m",
	"prompts.max_reference_tokens": 8000,
	"prompts.encoding":             "cl100k_base",
	"knowledge.index_path":         "knowledge/index.json",
	"knowledge.embedding_model":    "text-embedding-3-small",
	"knowledge.max_tokens":         6000,
	"logging.level":                "info",
	"telemetry.service_name":       "autotara",
}

// defaultModels is used when generation.model is unset.
var defaultModels = map[string]string{
	"openai":    "gpt-4o",
	"anthropic": "claude-sonnet-4-5",
}

// providerKeyEnv is consulted when generation.api_key is unset.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the file named by TARA_CONFIG (or config.yaml), then applies
// environment overrides and defaults.
func Load() (*Config, error) {
	path := os.Getenv(PathEnv)
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	g := &cfg.Generation
	g.Provider = strings.ToLower(strings.TrimSpace(g.Provider))
	g.APIKey = substituteEnvVars(g.APIKey)
	if g.APIKey == "" {
		g.APIKey = os.Getenv(providerKeyEnv[g.Provider])
	}
	if g.Model == "" {
		g.Model = defaultModels[g.Provider]
	}
	kc := &cfg.Knowledge
	kc.APIKey = substituteEnvVars(kc.APIKey)
	if kc.APIKey == "" && g.Provider == "openai" {
		kc.APIKey = g.APIKey
	}
	if kc.APIKey == "" {
		kc.APIKey = os.Getenv(providerKeyEnv["openai"])
	}
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Storage.Type = strings.ToLower(strings.TrimSpace(cfg.Storage.Type))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that cannot be served.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "memory", "sqlite":
	case "postgres", "mysql":
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn is required for %s", c.Storage.Type)
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if _, ok := defaultModels[c.Generation.Provider]; !ok {
		return fmt.Errorf("unknown generation.provider %q", c.Generation.Provider)
	}
	if c.Generation.Timeout < 0 {
		return fmt.Errorf("generation.timeout must not be negative")
	}
	if t := c.Generation.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("generation.temperature %v out of range", *t)
	}
	if c.Prompts.Watch && c.Prompts.Dir == "" {
		return fmt.Errorf("prompts.watch requires prompts.dir")
	}
	if k := c.Knowledge; k.Enabled {
		if k.IndexPath == "" {
			return fmt.Errorf("knowledge.index_path is required when knowledge is enabled")
		}
		if k.MaxTokens < 0 {
			return fmt.Errorf("knowledge.max_tokens must not be negative")
		}
	}
	return nil
}

// DatabaseDriver returns the SQL driver for the storage type, honoring an
// explicit storage.database.driver.
func (c *Config) DatabaseDriver() string {
	if c.Storage.Database.Driver != "" {
		return c.Storage.Database.Driver
	}
	return c.Storage.Type
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
