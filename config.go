package pinning

import (
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Network is the label stamped on history records ("mainnet", "calibration").
	Network string `yaml:"network"`
	// AutoClearDelay is how long a failed upload stays visible.
	AutoClearDelay time.Duration `yaml:"auto_clear_delay"`
	// ArchiveRetryDelay is the wait before retrying a failed history write.
	ArchiveRetryDelay time.Duration `yaml:"archive_retry_delay"`

	Poll    PollConfig    `yaml:"poll"`
	Indexer IndexerConfig `yaml:"indexer"`
	History HistoryConfig `yaml:"history"`
}

type PollConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type IndexerConfig struct {
	Endpoint string `yaml:"endpoint"`
	// RetryMax bounds transport retries inside a single probe. Zero leaves
	// retrying to the poller's schedule.
	RetryMax int           `yaml:"retry_max"`
	Timeout  time.Duration `yaml:"timeout"`
}

type HistoryConfig struct {
	Backend   string `yaml:"backend"` // "datastore" | "bucket"
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

func DefaultConfig() Config {
	return Config{
		Network:           "calibration",
		AutoClearDelay:    5 * time.Second,
		ArchiveRetryDelay: 10 * time.Second,
		Poll:              DefaultPollConfig(),
		Indexer: IndexerConfig{
			Endpoint: "https://cid.contact",
			RetryMax: 0,
			Timeout:  10 * time.Second,
		},
		History: HistoryConfig{
			Backend: "datastore",
			Prefix:  "history/",
		},
	}
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, xerrors.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, xerrors.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Network == "" {
		return xerrors.New("network must be set")
	}
	if c.AutoClearDelay <= 0 {
		return xerrors.Errorf("auto_clear_delay must be positive, got %s", c.AutoClearDelay)
	}
	if c.ArchiveRetryDelay <= 0 {
		return xerrors.Errorf("archive_retry_delay must be positive, got %s", c.ArchiveRetryDelay)
	}
	if err := c.Poll.Validate(); err != nil {
		return xerrors.Errorf("poll: %w", err)
	}
	if c.Indexer.RetryMax < 0 {
		return xerrors.Errorf("indexer.retry_max must not be negative, got %d", c.Indexer.RetryMax)
	}
	switch c.History.Backend {
	case "datastore":
	case "bucket":
		if c.History.BucketURL == "" {
			return xerrors.New("history.bucket_url required for bucket backend")
		}
	default:
		return xerrors.Errorf("history.backend %q: %w", c.History.Backend, ErrUnknownHistoryBackend)
	}
	return nil
}

func (c PollConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return xerrors.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay <= 0 || c.MaxDelay <= 0 {
		return xerrors.New("delays must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return xerrors.Errorf("max_delay %s is below initial_delay %s", c.MaxDelay, c.InitialDelay)
	}
	return nil
}
