package pinning

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "pin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.AutoClearDelay)
	assert.Equal(t, 10*time.Second, cfg.ArchiveRetryDelay)
	assert.Equal(t, 0, cfg.Indexer.RetryMax)
	assert.Equal(t, PollConfig{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 30 * time.Second}, cfg.Poll)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
network: mainnet
auto_clear_delay: 2s
poll:
  max_attempts: 4
  initial_delay: 500ms
indexer:
  endpoint: http://localhost:3000
history:
  backend: bucket
  bucket_url: mem://
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, 2*time.Second, cfg.AutoClearDelay)
	assert.Equal(t, 4, cfg.Poll.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.InitialDelay)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Poll.MaxDelay)
	assert.Equal(t, 0, cfg.Indexer.RetryMax)
	assert.Equal(t, "http://localhost:3000", cfg.Indexer.Endpoint)
	assert.Equal(t, "bucket", cfg.History.Backend)
	assert.Equal(t, "history/", cfg.History.Prefix)
}

func TestLoadConfigInvalid(t *testing.T) {
	tcs := map[string]string{
		"zero attempts":   "poll:\n  max_attempts: 0\n",
		"inverted delays": "poll:\n  initial_delay: 1m\n  max_delay: 1s\n",
		"no bucket url":   "history:\n  backend: bucket\n",
		"no network":      "network: \"\"\n",
		"no retry delay":  "archive_retry_delay: 0s\n",
	}

	for name, body := range tcs {
		body := body
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigUnknownBackend(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "history:\n  backend: sqlite\n"))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, ErrUnknownHistoryBackend))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
