// Package config loads service configuration from an optional YAML file, .env and the environment.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Roster     RosterConfig     `mapstructure:"roster"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Geofence   GeofenceConfig   `mapstructure:"geofence"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StoreConfig selects the backend: Postgres when DatabaseURL is set, else SQLite when
// SQLitePath is set, else in-memory.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	Migrate     bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// RosterConfig points at an external HR roster; empty URL uses the store's workers table.
type RosterConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PollingConfig struct {
	AutoStart             bool          `mapstructure:"auto_start"`
	Interval              time.Duration `mapstructure:"interval"`
	ChunkSize             int           `mapstructure:"chunk_size"`
	RosterRetryBackoff    time.Duration `mapstructure:"roster_retry_backoff"`
	MaxConcurrentBatches  int           `mapstructure:"max_concurrent_batches"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryBackoffBase      time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax       time.Duration `mapstructure:"retry_backoff_max"`
	MemberPollConcurrency int           `mapstructure:"member_poll_concurrency"`
	MemberPollTimeout     time.Duration `mapstructure:"member_poll_timeout"`
	DispatchInterval      time.Duration `mapstructure:"dispatch_interval"`
	StaleAfter            time.Duration `mapstructure:"stale_after"`
}

type GeofenceConfig struct {
	SignificantMovementM float64       `mapstructure:"significant_movement_m"`
	UnreliableAccuracyM  float64       `mapstructure:"unreliable_accuracy_m"`
	ZonesFile            string        `mapstructure:"zones_file"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
}

type IngestConfig struct {
	// Samples older than this are reported as unavailable by the feed.
	Freshness time.Duration `mapstructure:"freshness"`
}

type EnrichmentConfig struct {
	Schedule          string        `mapstructure:"schedule"`
	ClusterRadiusM    float64       `mapstructure:"cluster_radius_m"`
	SubBatchSize      int           `mapstructure:"sub_batch_size"`
	SubBatchPause     time.Duration `mapstructure:"sub_batch_pause"`
	PendingLimit      int           `mapstructure:"pending_limit"`
	ProviderURL       string        `mapstructure:"provider_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	ProviderTimeout   time.Duration `mapstructure:"provider_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// WebhooksConfig forwards signals to URL when set. Kinds is a comma-separated filter; empty
// forwards every kind.
type WebhooksConfig struct {
	URL         string        `mapstructure:"url"`
	Secret      string        `mapstructure:"secret"`
	Kinds       string        `mapstructure:"kinds"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Load reads configuration. configPath may be empty.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("geotrack")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GEOTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional names win over the prefixed ones when both are present.
	_ = v.BindEnv("store.database_url", "DATABASE_URL", "GEOTRACK_STORE_DATABASE_URL")
	_ = v.BindEnv("redis.url", "REDIS_URL", "GEOTRACK_REDIS_URL")
	_ = v.BindEnv("server.port", "PORT", "GEOTRACK_SERVER_PORT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.migrate", d.Store.Migrate)
	v.SetDefault("redis.url", "")
	v.SetDefault("roster.url", "")
	v.SetDefault("roster.timeout", d.Roster.Timeout)
	v.SetDefault("polling.auto_start", d.Polling.AutoStart)
	v.SetDefault("polling.interval", d.Polling.Interval)
	v.SetDefault("polling.chunk_size", d.Polling.ChunkSize)
	v.SetDefault("polling.roster_retry_backoff", d.Polling.RosterRetryBackoff)
	v.SetDefault("polling.max_concurrent_batches", d.Polling.MaxConcurrentBatches)
	v.SetDefault("polling.max_retries", d.Polling.MaxRetries)
	v.SetDefault("polling.retry_backoff_base", d.Polling.RetryBackoffBase)
	v.SetDefault("polling.retry_backoff_max", d.Polling.RetryBackoffMax)
	v.SetDefault("polling.member_poll_concurrency", d.Polling.MemberPollConcurrency)
	v.SetDefault("polling.member_poll_timeout", d.Polling.MemberPollTimeout)
	v.SetDefault("polling.dispatch_interval", d.Polling.DispatchInterval)
	v.SetDefault("polling.stale_after", d.Polling.StaleAfter)
	v.SetDefault("geofence.significant_movement_m", d.Geofence.SignificantMovementM)
	v.SetDefault("geofence.unreliable_accuracy_m", d.Geofence.UnreliableAccuracyM)
	v.SetDefault("geofence.zones_file", "")
	v.SetDefault("geofence.cache_ttl", d.Geofence.CacheTTL)
	v.SetDefault("ingest.freshness", d.Ingest.Freshness)
	v.SetDefault("enrichment.schedule", d.Enrichment.Schedule)
	v.SetDefault("enrichment.cluster_radius_m", d.Enrichment.ClusterRadiusM)
	v.SetDefault("enrichment.sub_batch_size", d.Enrichment.SubBatchSize)
	v.SetDefault("enrichment.sub_batch_pause", d.Enrichment.SubBatchPause)
	v.SetDefault("enrichment.pending_limit", d.Enrichment.PendingLimit)
	v.SetDefault("enrichment.provider_url", d.Enrichment.ProviderURL)
	v.SetDefault("enrichment.user_agent", d.Enrichment.UserAgent)
	v.SetDefault("enrichment.provider_timeout", d.Enrichment.ProviderTimeout)
	v.SetDefault("enrichment.requests_per_second", d.Enrichment.RequestsPerSecond)
	v.SetDefault("enrichment.burst", d.Enrichment.Burst)
	v.SetDefault("webhooks.url", "")
	v.SetDefault("webhooks.secret", "")
	v.SetDefault("webhooks.kinds", d.Webhooks.Kinds)
	v.SetDefault("webhooks.max_attempts", d.Webhooks.MaxAttempts)
	v.SetDefault("webhooks.timeout", d.Webhooks.Timeout)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "json"},
		Store:  StoreConfig{Migrate: true},
		Roster: RosterConfig{Timeout: 10 * time.Second},
		Polling: PollingConfig{
			AutoStart:             true,
			Interval:              3 * time.Minute,
			ChunkSize:             50,
			RosterRetryBackoff:    30 * time.Second,
			MaxConcurrentBatches:  6,
			MaxRetries:            3,
			RetryBackoffBase:      5 * time.Second,
			RetryBackoffMax:       5 * time.Minute,
			MemberPollConcurrency: 10,
			MemberPollTimeout:     15 * time.Second,
			DispatchInterval:      5 * time.Second,
			StaleAfter:            15 * time.Minute,
		},
		Geofence: GeofenceConfig{
			SignificantMovementM: 500,
			UnreliableAccuracyM:  1000,
			CacheTTL:             2 * time.Minute,
		},
		Ingest: IngestConfig{Freshness: 10 * time.Minute},
		Enrichment: EnrichmentConfig{
			Schedule:          "@hourly",
			ClusterRadiusM:    100,
			SubBatchSize:      50,
			SubBatchPause:     time.Second,
			PendingLimit:      10000,
			ProviderURL:       "https://nominatim.openstreetmap.org",
			ProviderTimeout:   10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             10,
		},
		Webhooks: WebhooksConfig{
			Kinds:       "cycleError,batchError",
			MaxAttempts: 10,
			Timeout:     5 * time.Second,
		},
	}
}
