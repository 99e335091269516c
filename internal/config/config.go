package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"rssmcp/domain"
)

type Config struct {
	DefaultInterval time.Duration `env:"RSSMCP_REFRESH_INTERVAL" envDefault:"15m"`
	DefaultMaxItems int           `env:"RSSMCP_MAX_ITEMS" envDefault:"50"`
	FetchTimeout    time.Duration `env:"RSSMCP_FETCH_TIMEOUT" envDefault:"0s"`
	HandshakeGrace  time.Duration `env:"RSSMCP_HANDSHAKE_GRACE" envDefault:"250ms"`

	ServerName    string `env:"RSSMCP_SERVER_NAME" envDefault:"rssmcp"`
	ServerVersion string `env:"RSSMCP_SERVER_VERSION" envDefault:"1.0.0"`

	// DatabaseURL enables feed persistence when set.
	DatabaseURL string `env:"RSSMCP_DATABASE_URL"`
	FeedsFile   string `env:"RSSMCP_FEEDS_FILE"`

	ControlAddr string `env:"RSSMCP_CONTROL_ADDR" envDefault:"127.0.0.1:8088"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DefaultInterval <= 0 {
		return Config{}, fmt.Errorf("RSSMCP_REFRESH_INTERVAL must be > 0")
	}
	if cfg.DefaultMaxItems <= 0 {
		return Config{}, fmt.Errorf("RSSMCP_MAX_ITEMS must be > 0")
	}
	return cfg, nil
}

type feedsFile struct {
	Feeds []feedEntry `toml:"feeds"`
}

type feedEntry struct {
	Name              string `toml:"name"`
	URL               string `toml:"url"`
	RefreshInterval   string `toml:"refresh_interval"`
	RefreshIntervalMS int64  `toml:"refresh_interval_ms"`
	MaxItems          int    `toml:"max_items"`
}

// LoadFeeds decodes a TOML file of [[feeds]] tables. Keys that are not
// defined are left zero so the registry defaults apply.
func LoadFeeds(path string) ([]domain.FeedConfig, error) {
	var raw feedsFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load feeds file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load feeds file: unknown keys %v", undecoded)
	}

	out := make([]domain.FeedConfig, 0, len(raw.Feeds))
	for i, entry := range raw.Feeds {
		cfg := domain.FeedConfig{
			Name:     strings.TrimSpace(entry.Name),
			URL:      strings.TrimSpace(entry.URL),
			MaxItems: entry.MaxItems,
		}
		if s := strings.TrimSpace(entry.RefreshInterval); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("feeds[%d] parse refresh_interval: %w", i, err)
			}
			cfg.RefreshInterval = d
		}
		if entry.RefreshIntervalMS > 0 {
			d, err := domain.IntervalFromMillis(entry.RefreshIntervalMS)
			if err != nil {
				return nil, fmt.Errorf("feeds[%d] refresh_interval_ms: %w", i, err)
			}
			cfg.RefreshInterval = d
		}
		if err := domain.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("feeds[%d] invalid: %w", i, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}
