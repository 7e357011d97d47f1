package config

import (
	"fmt"
	"os"
	"time"

	"CoinChart/internal/model"
	"CoinChart/internal/store"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	DataSource DataSourceConfig  `yaml:"data_source" envPrefix:"DATA_SOURCE_"`
	Cache      CacheConfig       `yaml:"cache" envPrefix:"CACHE_"`
	Redis      store.RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	Database   struct {
		SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	} `yaml:"database" envPrefix:"DATABASE_"`
	Schedule ScheduleConfig `yaml:"schedule" envPrefix:"SCHEDULE_"`
	Server   struct {
		Addr string `yaml:"addr" env:"ADDR"`
	} `yaml:"server" envPrefix:"SERVER_"`
	Fallback struct {
		Path string `yaml:"path" env:"PATH"`
	} `yaml:"fallback" envPrefix:"FALLBACK_"`
	Log struct {
		Level string `yaml:"level" env:"LEVEL"`
	} `yaml:"log" envPrefix:"LOG_"`
	Proxy string `yaml:"proxy" env:"HTTPS_PROXY"`
}

// DataSourceConfig configures the remote price API client.
type DataSourceConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Currency is the base currency read from each point; the other one is kept as secondary.
	Currency string `yaml:"currency" env:"CURRENCY"`
	// Timeout bounds a single HTTP attempt.
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	// Mock serves generated data instead of calling the API.
	Mock bool `yaml:"mock" env:"MOCK"`
}

// CacheConfig configures the tiers and the orchestrator.
type CacheConfig struct {
	MaxPoints         int           `yaml:"max_points" env:"MAX_POINTS"`
	FastTierCapacity  int           `yaml:"fast_tier_capacity" env:"FAST_TIER_CAPACITY"`
	ShortTTL          time.Duration `yaml:"short_ttl" env:"SHORT_TTL"`
	ExtendedTTL       time.Duration `yaml:"extended_ttl" env:"EXTENDED_TTL"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	BackgroundWorkers int           `yaml:"background_workers" env:"BACKGROUND_WORKERS"`
	SnapshotPath      string        `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
	CompactChance     float64       `yaml:"compact_probability" env:"COMPACT_PROBABILITY"`
	EntryMaxAge       time.Duration `yaml:"entry_max_age" env:"ENTRY_MAX_AGE"`
}

// ScheduleConfig configures maintenance and polling jobs.
type ScheduleConfig struct {
	PruneCron string `yaml:"prune_cron" env:"PRUNE_CRON"`
	// Watch lists instrument ids kept warm by polling refreshes.
	Watch           []string `yaml:"watch" env:"WATCH" envSeparator:","`
	WatchTimeframes []string `yaml:"watch_timeframes" env:"WATCH_TIMEFRAMES" envSeparator:","`
	WarmOnStart     bool     `yaml:"warm_on_start" env:"WARM_ON_START"`
}

// Load starts from Default, then applies the YAML file, then .env and
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used for any field the YAML file and
// environment leave unset. Explicit zero values from either source are kept.
func Default() *Config {
	cfg := &Config{
		DataSource: DataSourceConfig{
			BaseURL:    "https://coingeko.burjx.com",
			Currency:   "usd",
			Timeout:    10 * time.Second,
			MaxRetries: 2,
		},
		Cache: CacheConfig{
			MaxPoints:         200,
			FastTierCapacity:  store.DefaultCapacity,
			ShortTTL:          model.DefaultShortTTL,
			ExtendedTTL:       model.DefaultExtendedTTL,
			FetchTimeout:      15 * time.Second,
			BackgroundWorkers: 4,
			SnapshotPath:      "data/fast_tier.json",
			CompactChance:     store.DefaultCompactProbability,
			EntryMaxAge:       store.DefaultEntryMaxAge,
		},
		Schedule: ScheduleConfig{
			PruneCron:       "0 */15 * * * *",
			WatchTimeframes: []string{string(model.Intraday)},
		},
	}
	cfg.Database.SQLitePath = "data/coinchart.db"
	cfg.Server.Addr = ":8080"
	cfg.Log.Level = "info"
	return cfg
}

// Policies builds the timeframe policy table from the configured TTLs.
func (c *Config) Policies() model.PolicyTable {
	return model.DefaultPolicies(c.Cache.ShortTTL, c.Cache.ExtendedTTL)
}

// WatchKeys returns every (instrument, timeframe) pair kept warm by polling.
func (c *Config) WatchKeys() []model.SeriesKey {
	var keys []model.SeriesKey
	for _, id := range c.Schedule.Watch {
		for _, tf := range c.Schedule.WatchTimeframes {
			parsed, err := model.ParseTimeframe(tf)
			if err != nil {
				continue
			}
			keys = append(keys, model.NewSeriesKey(id, parsed))
		}
	}
	return keys
}

// Validate checks that all fields hold usable values.
func (c *Config) Validate() error {
	if !c.DataSource.Mock && c.DataSource.BaseURL == "" {
		return fmt.Errorf("data_source.base_url is required")
	}
	if c.DataSource.MaxRetries < 0 {
		return fmt.Errorf("data_source.max_retries must not be negative")
	}
	if c.Cache.MaxPoints <= 0 {
		return fmt.Errorf("cache.max_points must be positive")
	}
	if c.Cache.FastTierCapacity <= 0 {
		return fmt.Errorf("cache.fast_tier_capacity must be positive")
	}
	if c.Cache.ShortTTL <= 0 || c.Cache.ExtendedTTL <= 0 {
		return fmt.Errorf("cache ttls must be positive")
	}
	if c.Cache.FetchTimeout <= 0 {
		return fmt.Errorf("cache.fetch_timeout must be positive")
	}
	if c.Cache.BackgroundWorkers <= 0 {
		return fmt.Errorf("cache.background_workers must be positive")
	}
	if c.Cache.CompactChance < 0 || c.Cache.CompactChance > 1 {
		return fmt.Errorf("cache.compact_probability must be within [0, 1]")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Schedule.PruneCron); err != nil {
		return fmt.Errorf("schedule.prune_cron: %w", err)
	}
	for _, id := range c.Schedule.Watch {
		if _, ok := model.LookupInstrument(id); !ok {
			return fmt.Errorf("schedule.watch: unknown instrument %q", id)
		}
	}
	for _, tf := range c.Schedule.WatchTimeframes {
		if _, err := model.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("schedule.watch_timeframes: %w", err)
		}
	}
	return nil
}
