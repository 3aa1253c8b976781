package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all filmarc configuration. A Config is an immutable
// per-run snapshot: Reload produces a new value instead of mutating.
type Config struct {
	// Archive location and publishable batches
	Archive ArchiveConfig `json:"archive"`

	// Content store selection
	Storage StorageConfig `json:"storage"`

	// Scene/version ledger
	Ledger LedgerConfig `json:"ledger"`

	// Perceptual similarity search
	Similarity SimilarityConfig `json:"similarity"`

	// Sync run tuning
	Sync SyncConfig `json:"sync"`

	// System configuration
	Logging LoggingConfig `json:"logging"`
}

// ArchiveConfig describes the local archive tree and which batches of it
// are publishable.
type ArchiveConfig struct {
	// Root directory containing one subdirectory per batch
	Root string `json:"root"`

	// When true, only the batches listed below are scanned
	RestrictToListed bool `json:"restrict_to_listed"`

	// Publishable batches and the stage directories enabled for each
	Batches []BatchConfig `json:"batches"`
}

// BatchConfig enables one batch and optionally narrows it to a set of
// stage directories.
type BatchConfig struct {
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Directories []string `json:"directories,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// StorageConfig selects and parameterizes the content store backend
type StorageConfig struct {
	// "local" or "s3"
	Type string `json:"type"`

	// Local backend
	BasePath string `json:"base_path,omitempty"`

	// S3-compatible backend (R2, minio, ...)
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`

	// CDN base used to build public URLs; defaults derived per backend
	PublicURL string `json:"public_url,omitempty"`

	// Per-operation timeout in seconds applied to every storage call
	OperationTimeout int `json:"operation_timeout_seconds"`
}

// LedgerConfig holds ledger and search index locations
type LedgerConfig struct {
	Path string `json:"path"`

	// Bleve index directory; empty disables full-text indexing
	SearchIndexPath string `json:"search_index_path,omitempty"`
}

// SimilarityConfig holds similarity search settings
type SimilarityConfig struct {
	// Maximum Hamming distance considered similar (of 64 bits)
	Threshold int `json:"threshold"`
}

// SyncConfig holds worker pool sizing for a sync run
type SyncConfig struct {
	FingerprintWorkers int `json:"fingerprint_workers"`
	UploadWorkers      int `json:"upload_workers"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ConfigError indicates invalid or missing configuration. It is fatal at
// startup, before any scanning.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Root:             "",
			RestrictToListed: false,
		},
		Storage: StorageConfig{
			Type:             "local",
			BasePath:         "./storage",
			OperationTimeout: 30,
		},
		Ledger: LedgerConfig{
			Path: "filmarc.db",
		},
		Similarity: SimilarityConfig{
			Threshold: 10,
		},
		Sync: SyncConfig{
			FingerprintWorkers: 4,
			UploadWorkers:      4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from a JSON file, applying defaults for
// unset fields. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigError{Field: "file", Reason: fmt.Sprintf("config file not found: %s", path)}
		}
		return nil, &ConfigError{Field: "file", Reason: err.Error()}
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Field: "file", Reason: fmt.Sprintf("invalid JSON in %s: %v", path, err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Reload re-reads the file and returns a fresh snapshot. The receiver is
// left untouched.
func (c *Config) Reload(path string) (*Config, error) {
	return LoadConfig(path)
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "local":
		if c.Storage.BasePath == "" {
			return &ConfigError{Field: "storage.base_path", Reason: "required for local storage"}
		}
	case "s3":
		if c.Storage.Endpoint == "" {
			return &ConfigError{Field: "storage.endpoint", Reason: "required for s3 storage"}
		}
		if c.Storage.Bucket == "" {
			return &ConfigError{Field: "storage.bucket", Reason: "required for s3 storage"}
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return &ConfigError{Field: "storage.access_key", Reason: "credentials required for s3 storage"}
		}
	default:
		return &ConfigError{Field: "storage.type", Reason: fmt.Sprintf("unknown storage type %q", c.Storage.Type)}
	}

	if c.Storage.OperationTimeout <= 0 {
		return &ConfigError{Field: "storage.operation_timeout_seconds", Reason: "must be positive"}
	}
	if c.Ledger.Path == "" {
		return &ConfigError{Field: "ledger.path", Reason: "required"}
	}
	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 64 {
		return &ConfigError{Field: "similarity.threshold", Reason: "must be within 0..64"}
	}
	if c.Sync.FingerprintWorkers <= 0 {
		return &ConfigError{Field: "sync.fingerprint_workers", Reason: "must be positive"}
	}
	if c.Sync.UploadWorkers <= 0 {
		return &ConfigError{Field: "sync.upload_workers", Reason: "must be positive"}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return &ConfigError{Field: "logging.level", Reason: err.Error()}
	}

	if c.Archive.RestrictToListed && len(enabledBatches(c.Archive.Batches)) == 0 {
		return &ConfigError{Field: "archive.batches", Reason: "restrict_to_listed is set but no batch is enabled"}
	}

	return nil
}

func parseLevel(level string) (string, error) {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return level, nil
	default:
		return "", fmt.Errorf("invalid log level %q", level)
	}
}

func enabledBatches(batches []BatchConfig) []BatchConfig {
	var out []BatchConfig
	for _, b := range batches {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// EnabledBatches returns the names of batches the scanner may traverse.
// An empty result with RestrictToListed unset means "all batches".
func (c *Config) EnabledBatches() []string {
	if !c.Archive.RestrictToListed {
		return nil
	}
	var names []string
	for _, b := range enabledBatches(c.Archive.Batches) {
		names = append(names, b.Name)
	}
	return names
}

// BatchDirectories returns the stage directories enabled for a batch. An
// empty result means all classifiable directories are allowed.
func (c *Config) BatchDirectories(batch string) []string {
	for _, b := range c.Archive.Batches {
		if b.Name == batch {
			return b.Directories
		}
	}
	return nil
}

// SearchIndexPath resolves the bleve index location, defaulting to a
// sibling of the ledger file.
func (c *Config) SearchIndexPath() string {
	if c.Ledger.SearchIndexPath != "" {
		return c.Ledger.SearchIndexPath
	}
	if c.Ledger.Path == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(c.Ledger.Path), "filmarc.bleve")
}

// SaveConfig writes configuration to a JSON file
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
