package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, 10, cfg.Similarity.Threshold)
	assert.Equal(t, 4, cfg.Sync.FingerprintWorkers)
}

func TestLoadConfigEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"archive": {"root": "/archive"},
		"ledger": {"path": "/var/lib/filmarc/filmarc.db"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/archive", cfg.Archive.Root)
	// Unset fields keep their defaults
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, 30, cfg.Storage.OperationTimeout)
	assert.Equal(t, 10, cfg.Similarity.Threshold)
}

func TestLoadConfigRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateS3RequiresCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "s3"
	cfg.Storage.Endpoint = "r2.example.com"
	cfg.Storage.Bucket = "photos"
	assert.Error(t, cfg.Validate(), "missing credentials must fail")

	cfg.Storage.AccessKey = "ak"
	cfg.Storage.SecretKey = "sk"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Storage.Type = "ftp" },
		func(c *Config) { c.Storage.BasePath = "" },
		func(c *Config) { c.Storage.OperationTimeout = 0 },
		func(c *Config) { c.Ledger.Path = "" },
		func(c *Config) { c.Similarity.Threshold = 65 },
		func(c *Config) { c.Similarity.Threshold = -1 },
		func(c *Config) { c.Sync.FingerprintWorkers = 0 },
		func(c *Config) { c.Sync.UploadWorkers = -1 },
		func(c *Config) { c.Logging.Level = "verbose" },
		func(c *Config) {
			c.Archive.RestrictToListed = true
			c.Archive.Batches = nil
		},
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Errorf(t, cfg.Validate(), "case %d should fail validation", i)
	}
}

func TestEnabledBatches(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.EnabledBatches(), "unrestricted config scans everything")

	cfg.Archive.RestrictToListed = true
	cfg.Archive.Batches = []BatchConfig{
		{Name: "public", Enabled: true},
		{Name: "private", Enabled: false},
		{Name: "family", Enabled: true, Directories: []string{"final_crops"}},
	}
	assert.Equal(t, []string{"public", "family"}, cfg.EnabledBatches())
	assert.Equal(t, []string{"final_crops"}, cfg.BatchDirectories("family"))
	assert.Nil(t, cfg.BatchDirectories("public"))
}

func TestSearchIndexPathDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ledger.Path = "/data/filmarc.db"
	assert.Equal(t, filepath.Join("/data", "filmarc.bleve"), cfg.SearchIndexPath())

	cfg.Ledger.SearchIndexPath = "/elsewhere/scenes.bleve"
	assert.Equal(t, "/elsewhere/scenes.bleve", cfg.SearchIndexPath())
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := DefaultConfig()
	cfg.Archive.Root = "/archive"
	cfg.Similarity.Threshold = 6
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := cfg.Reload(path)
	require.NoError(t, err)
	assert.Equal(t, "/archive", loaded.Archive.Root)
	assert.Equal(t, 6, loaded.Similarity.Threshold)
	// Reload returns a snapshot, never mutates the receiver
	cfg.Similarity.Threshold = 99
	assert.Equal(t, 6, loaded.Similarity.Threshold)
}
