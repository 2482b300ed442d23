// Package config loads the bot's run configuration. Everything except
// the API credentials lives in a YAML file; credentials come from the
// environment (optionally via a .env file) and are never written to
// disk by the bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/quantrove/upbot/market"
)

// Config is the complete run configuration.
type Config struct {
	Market   string         `yaml:"market"`
	Interval string         `yaml:"interval"` // e.g. "1m", "5m", "15m"
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api"`
}

// StrategyConfig selects and tunes the signal source.
type StrategyConfig struct {
	Name          string  `yaml:"name"` // trend, breakout, meanrev
	MinConfidence float64 `yaml:"min_confidence"`

	InitialStopATR      float64 `yaml:"initial_stop_atr"`
	BreakoutStopATR     float64 `yaml:"breakout_stop_atr"`
	BreakoutATRFraction float64 `yaml:"breakout_atr_fraction"`
	MinVolumeRatio      float64 `yaml:"min_volume_ratio"`
	RSIOversold         float64 `yaml:"rsi_oversold"`
	RSIOverbought       float64 `yaml:"rsi_overbought"`
	RangeBandATR        float64 `yaml:"range_band_atr"`
}

// RiskConfig is the risk budget for the run.
type RiskConfig struct {
	RiskFraction float64 `yaml:"risk_fraction"`
	DailyStopR   float64 `yaml:"daily_stop_r"`
	WeeklyStopR  float64 `yaml:"weekly_stop_r"`
	Timezone     string  `yaml:"timezone"`
	TrailStopATR float64 `yaml:"trail_stop_atr"`
}

// StoreConfig locates the durable state and journal databases.
type StoreConfig struct {
	StatePath   string `yaml:"state_path"`
	JournalPath string `yaml:"journal_path"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Market:   "KRW-BTC",
		Interval: "5m",
		Strategy: StrategyConfig{
			Name:          "trend",
			MinConfidence: 0.6,
		},
		Risk: RiskConfig{
			RiskFraction: 0.005,
			DailyStopR:   -2,
			WeeklyStopR:  -5,
			Timezone:     "Asia/Seoul",
			TrailStopATR: 3.0,
		},
		Store: StoreConfig{
			StatePath:   "upbot-state.db",
			JournalPath: "upbot-journal.db",
		},
		API: APIConfig{
			Listen: ":8787",
		},
	}
}

// LoadFromFile reads a YAML configuration and validates it. Fields left
// empty in the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Market == "" {
		return fmt.Errorf("market is required")
	}
	if _, ok := market.Instruments[c.Market]; !ok {
		return fmt.Errorf("unknown market: %s", c.Market)
	}
	d, err := c.BarInterval()
	if err != nil {
		return err
	}
	if d < time.Minute || d%time.Minute != 0 {
		return fmt.Errorf("interval must be a whole number of minutes, got %s", c.Interval)
	}
	switch c.Strategy.Name {
	case "trend", "breakout", "meanrev":
	default:
		return fmt.Errorf("unknown strategy: %s", c.Strategy.Name)
	}
	if c.Strategy.MinConfidence < 0 || c.Strategy.MinConfidence > 1 {
		return fmt.Errorf("strategy.min_confidence must be in 0..1")
	}
	if c.Risk.RiskFraction <= 0 || c.Risk.RiskFraction >= 1 {
		return fmt.Errorf("risk.risk_fraction must be between 0 and 1 exclusive")
	}
	if c.Risk.DailyStopR >= 0 || c.Risk.WeeklyStopR >= 0 {
		return fmt.Errorf("risk loss ceilings must be negative")
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return fmt.Errorf("risk.timezone: %w", err)
	}
	if c.Store.StatePath == "" || c.Store.JournalPath == "" {
		return fmt.Errorf("store.state_path and store.journal_path are required")
	}
	return nil
}

// BarInterval parses the interval string.
func (c *Config) BarInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", c.Interval, err)
	}
	return d, nil
}

// Instrument resolves the configured market's trading rules.
func (c *Config) Instrument() market.Instrument {
	return market.Instruments[c.Market]
}

// LoadCredentials reads the Upbit key pair from the environment. A .env
// file in the working directory is loaded first if present; real
// environment variables win over the file.
func LoadCredentials() (access, secret string, err error) {
	// godotenv never overrides variables already set in the process.
	_ = godotenv.Load()

	access = strings.TrimSpace(os.Getenv("UPBIT_ACCESS_KEY"))
	secret = strings.TrimSpace(os.Getenv("UPBIT_SECRET_KEY"))
	if access == "" || secret == "" {
		return "", "", fmt.Errorf("UPBIT_ACCESS_KEY and UPBIT_SECRET_KEY must be set")
	}
	return access, secret, nil
}
