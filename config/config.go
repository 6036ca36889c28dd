package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the daemon configuration for memd.
type ServerConfig struct {
	Server struct {
		HTTP string `yaml:"http,omitempty"` // listen address, e.g. "localhost:8080"
	} `yaml:"server,omitempty"`

	DBPath         string `yaml:"db_path,omitempty"`
	MigrationsPath string `yaml:"migrations_path,omitempty"`

	Memory  MemoryConfig  `yaml:"memory,omitempty"`
	Buffer  BufferConfig  `yaml:"buffer,omitempty"`
	Reflect ReflectConfig `yaml:"reflect,omitempty"`
	Extract ExtractConfig `yaml:"extract,omitempty"`

	OpenAI OpenAIConfig `yaml:"openai,omitempty"`
	Ollama OllamaConfig `yaml:"ollama,omitempty"`

	// Similarity selects the similarity backend: "ollama" or "lexical".
	Similarity string `yaml:"similarity,omitempty"`
}

// MemoryConfig holds the engine tunables.
type MemoryConfig struct {
	MergeThreshold  float64 `yaml:"merge_threshold,omitempty"`   // default 0.85
	ReinforceDelta  float64 `yaml:"reinforce_delta,omitempty"`   // default 0.1
	BaseTTLHours    int     `yaml:"base_ttl_hours,omitempty"`    // default 720 (30 days)
	SummaryTTLHours int     `yaml:"summary_ttl_hours,omitempty"` // default 2160 (90 days)
	LockWaitMS      int     `yaml:"lock_wait_ms,omitempty"`      // default 5000
}

// BufferConfig bounds the short-term session window.
type BufferConfig struct {
	MaxMessages int `yaml:"max_messages,omitempty"` // default 20
	MaxTokens   int `yaml:"max_tokens,omitempty"`   // default 2000
}

// ReflectConfig controls the scheduled maintenance sweep.
type ReflectConfig struct {
	Schedule       string `yaml:"schedule,omitempty"`         // cron spec, default "@every 1h"
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`  // per-key timeout, default 60
	PurgeAfterDays int    `yaml:"purge_after_days,omitempty"` // 0 = keep expired rows for audit
}

// ExtractConfig controls background extraction.
type ExtractConfig struct {
	Workers        int `yaml:"workers,omitempty"`         // default 2
	QueueSize      int `yaml:"queue_size,omitempty"`      // default 64
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"` // default 120
}

// OpenAIConfig configures the candidate generation backend.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

// OllamaConfig configures the local embedding/condensation backend.
type OllamaConfig struct {
	EmbedModel    string `yaml:"embed_model,omitempty"`
	CondenseModel string `yaml:"condense_model,omitempty"`
}

// LockWait returns the configured per-key lock wait as a duration.
func (c MemoryConfig) LockWait() time.Duration {
	return time.Duration(c.LockWaitMS) * time.Millisecond
}

// BaseTTL returns the fact/preference base TTL as a duration.
func (c MemoryConfig) BaseTTL() time.Duration {
	return time.Duration(c.BaseTTLHours) * time.Hour
}

// SummaryTTL returns the summary base TTL as a duration.
func (c MemoryConfig) SummaryTTL() time.Duration {
	return time.Duration(c.SummaryTTLHours) * time.Hour
}

// GetServerConfigPath returns the default server config file path.
// Can be overridden via MEMD_CONFIG_PATH environment variable.
func GetServerConfigPath() string {
	if envPath := os.Getenv("MEMD_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.memd/config.yaml"
	}
	return filepath.Join(homeDir, ".memd", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Defaults returns the built-in configuration.
func Defaults() ServerConfig {
	cfg := ServerConfig{
		DBPath:         "memd.db",
		MigrationsPath: "./migrations",
		Memory: MemoryConfig{
			MergeThreshold:  0.85,
			ReinforceDelta:  0.1,
			BaseTTLHours:    720,
			SummaryTTLHours: 2160,
			LockWaitMS:      5000,
		},
		Buffer: BufferConfig{
			MaxMessages: 20,
			MaxTokens:   2000,
		},
		Reflect: ReflectConfig{
			Schedule:       "@every 1h",
			TimeoutSeconds: 60,
		},
		Extract: ExtractConfig{
			Workers:        2,
			QueueSize:      64,
			TimeoutSeconds: 120,
		},
		Ollama: OllamaConfig{
			EmbedModel:    "mxbai-embed-large",
			CondenseModel: "llama3.2:3b",
		},
		Similarity: "lexical",
	}
	cfg.Server.HTTP = "localhost:8080"
	return cfg
}

// LoadServerConfig loads the daemon configuration, merging the config file
// (if it exists) onto the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	defaults := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err != nil {
		// File doesn't exist, return defaults
		return &defaults, nil
	}

	configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
	}

	var fileConfig ServerConfig
	if err := yaml.Unmarshal(configYAML, &fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := mergo.Merge(&defaults, fileConfig, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	return &defaults, nil
}

// SaveServerConfig saves the configuration to the specified path.
func SaveServerConfig(cfg *ServerConfig, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
