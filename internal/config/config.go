// Package config loads process configuration from flags, environment, a
// local .env file, and a config file, in that precedence order.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full set of process-wide settings. Per-component configs
// (retry counts, buffer sizes) live alongside their component; this struct
// only carries the process-wide settings rather than every field of every
// component.
type Config struct {
	Host string
	Port int

	DataDir      string
	DBPath       string
	LogLevel     string
	PaperTrading bool

	MasterKeyFile string

	VenueHTTPBaseURL string
	VenueWSURL       string
	VenueChainID     int64

	MetricsPort int

	Symbols        []string
	CandleInterval string

	ReasoningProviders []ProviderConfig

	DailyAggregationCron string
	SnapshotInterval     time.Duration
}

// ProviderConfig names one configured reasoning provider and its credential
// source. Order in the slice is the router's fallback preference order:
// personal keys first, platform default last.
type ProviderConfig struct {
	Name      string
	APIKeyEnv string
	BaseURL   string
	Model     string
}

// Load reads .env (if present), then environment variables, then an optional
// config file, then defaults.
func Load(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix("PERP")
	v.AutomaticEnv()

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 8080)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_path", "./data/perp.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("paper_trading", true)
	v.SetDefault("master_key_file", "./data/master.key")
	v.SetDefault("venue_http_base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("venue_ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("venue_chain_id", 42161)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("symbols", []string{"BTC", "ETH", "SOL"})
	v.SetDefault("candle_interval", "1m")
	v.SetDefault("daily_aggregation_cron", "0 5 * * *")
	v.SetDefault("snapshot_interval", "1m")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	interval, err := time.ParseDuration(v.GetString("snapshot_interval"))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot_interval: %w", err)
	}

	cfg := &Config{
		Host:                 v.GetString("host"),
		Port:                 v.GetInt("port"),
		DataDir:              v.GetString("data_dir"),
		DBPath:               v.GetString("db_path"),
		LogLevel:             v.GetString("log_level"),
		PaperTrading:         v.GetBool("paper_trading"),
		MasterKeyFile:        v.GetString("master_key_file"),
		VenueHTTPBaseURL:     v.GetString("venue_http_base_url"),
		VenueWSURL:           v.GetString("venue_ws_url"),
		VenueChainID:         v.GetInt64("venue_chain_id"),
		MetricsPort:          v.GetInt("metrics_port"),
		Symbols:              v.GetStringSlice("symbols"),
		CandleInterval:       v.GetString("candle_interval"),
		DailyAggregationCron: v.GetString("daily_aggregation_cron"),
		SnapshotInterval:     interval,
		ReasoningProviders: []ProviderConfig{
			{Name: "openai", APIKeyEnv: "OPENAI_API_KEY", BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
			{Name: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", BaseURL: "https://api.anthropic.com/v1", Model: "claude-3-5-sonnet"},
		},
	}
	return cfg, nil
}
