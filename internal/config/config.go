// Package config loads application configuration and bootstraps logging.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig            `yaml:"store" mapstructure:"store"`
	Places  PlacesConfig           `yaml:"places" mapstructure:"places"`
	Dedup   DedupConfig            `yaml:"dedup" mapstructure:"dedup"`
	Enrich  EnrichConfig           `yaml:"enrich" mapstructure:"enrich"`
	Ingest  IngestConfig           `yaml:"ingest" mapstructure:"ingest"`
	Pricing PricingConfig          `yaml:"pricing" mapstructure:"pricing"`
	Scopes  map[string]ScopeConfig `yaml:"scopes" mapstructure:"scopes"`
	Server  ServerConfig           `yaml:"server" mapstructure:"server"`
	Log     LogConfig              `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PlacesConfig holds external places directory settings.
type PlacesConfig struct {
	APIKey          string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	PageSize        int     `yaml:"page_size" mapstructure:"page_size"`
	RateLimit       float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	PageTimeoutSecs int     `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
}

// DedupConfig configures the duplicate-detection engine.
type DedupConfig struct {
	Threshold        float64 `yaml:"threshold" mapstructure:"threshold"`
	ProximityRadiusM float64 `yaml:"proximity_radius_m" mapstructure:"proximity_radius_m"`
	SearchRadiusM    float64 `yaml:"search_radius_m" mapstructure:"search_radius_m"`
	NameWeight       float64 `yaml:"name_weight" mapstructure:"name_weight"`
	LocationWeight   float64 `yaml:"location_weight" mapstructure:"location_weight"`
	ContactWeight    float64 `yaml:"contact_weight" mapstructure:"contact_weight"`
	CategoryWeight   float64 `yaml:"category_weight" mapstructure:"category_weight"`
}

// EnrichConfig configures the optional AI venue normalizer.
type EnrichConfig struct {
	Provider     string `yaml:"provider" mapstructure:"provider"` // "none" or "claude"
	AnthropicKey string `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	Model        string `yaml:"model" mapstructure:"model"`
}

// IngestConfig configures sync orchestration behavior.
type IngestConfig struct {
	MaxPlacesDefault   int `yaml:"max_places_default" mapstructure:"max_places_default"`
	ProgressEveryPages int `yaml:"progress_every_pages" mapstructure:"progress_every_pages"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Places PlacesPricing `yaml:"places" mapstructure:"places"`
}

// PlacesPricing holds directory per-call pricing.
type PlacesPricing struct {
	SearchPerCall float64 `yaml:"search_per_call" mapstructure:"search_per_call"`
	PhotoPerCall  float64 `yaml:"photo_per_call" mapstructure:"photo_per_call"`
}

// ScopeConfig defines a named geographic/category scope for ingestion runs.
type ScopeConfig struct {
	SWLat    float64 `yaml:"sw_lat" mapstructure:"sw_lat"`
	SWLng    float64 `yaml:"sw_lng" mapstructure:"sw_lng"`
	NELat    float64 `yaml:"ne_lat" mapstructure:"ne_lat"`
	NELng    float64 `yaml:"ne_lng" mapstructure:"ne_lng"`
	Category string  `yaml:"category" mapstructure:"category"`
	Query    string  `yaml:"query" mapstructure:"query"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CAMPORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("places.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("places.page_size", 20)
	v.SetDefault("places.rate_limit", 10)
	v.SetDefault("places.max_retries", 3)
	v.SetDefault("places.page_timeout_secs", 30)
	v.SetDefault("dedup.threshold", 0.85)
	v.SetDefault("dedup.proximity_radius_m", 500)
	v.SetDefault("dedup.search_radius_m", 2000)
	v.SetDefault("dedup.name_weight", 0.40)
	v.SetDefault("dedup.location_weight", 0.35)
	v.SetDefault("dedup.contact_weight", 0.15)
	v.SetDefault("dedup.category_weight", 0.10)
	v.SetDefault("enrich.provider", "none")
	v.SetDefault("enrich.model", "claude-haiku-4-5-20251001")
	v.SetDefault("ingest.max_places_default", 100)
	v.SetDefault("ingest.progress_every_pages", 10)
	v.SetDefault("pricing.places.search_per_call", 0.032)
	v.SetDefault("pricing.places.photo_per_call", 0.007)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
