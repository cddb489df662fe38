// Package config loads TOML configuration with defaults and validates it
// before the agent connects to anything.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	General      GeneralConfig      `toml:"general"`
	API          APIConfig          `toml:"api"`
	Stream       StreamConfig       `toml:"stream"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Reversion    ReversionConfig    `toml:"reversion"`
	Housekeeping HousekeepingConfig `toml:"housekeeping"`
}

type GeneralConfig struct {
	DBPath   string `toml:"db_path"`
	LogLevel string `toml:"log_level"`
}

type APIConfig struct {
	BaseURL      string              `toml:"base_url"`
	WebsocketURL string              `toml:"websocket_url"`
	UserID       string              `toml:"user_id"`
	Timeout      Duration            `toml:"timeout"`
	MaxRetries   int                 `toml:"max_retries"`
	RetryDelay   Duration            `toml:"retry_delay"`
	RatePerSec   float64             `toml:"rate_per_sec"`
	RateBurst    int                 `toml:"rate_burst"`
	CacheTTL     Duration            `toml:"cache_ttl"`
	EndpointTTLs map[string]Duration `toml:"endpoint_ttls"`

	// Key is read from the MANIFOLD_API_KEY environment variable, never
	// from the config file.
	Key string `toml:"-"`
}

type StreamConfig struct {
	PingInterval     Duration `toml:"ping_interval"`
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
	BackoffMin       Duration `toml:"backoff_min"`
	BackoffMax       Duration `toml:"backoff_max"`
	// A connection older than this resets the backoff to BackoffMin.
	StableAfter Duration `toml:"stable_after"`
}

type OrchestratorConfig struct {
	CounterbetTTL   Duration `toml:"counterbet_ttl"`
	PruneInterval   Duration `toml:"prune_interval"`
	StrategyTimeout Duration `toml:"strategy_timeout"`
	RecentBetLimit  int      `toml:"recent_bet_limit"`
	MinBetAmount    float64  `toml:"min_bet_amount"`
	MaxBetAmount    float64  `toml:"max_bet_amount"`
}

type ReversionConfig struct {
	Enabled          bool    `toml:"enabled"`
	MinLogitMove     float64 `toml:"min_logit_move"`
	ReversionFactor  float64 `toml:"reversion_factor"`
	WindowSize       int     `toml:"window_size"`
	MinLiquidity     float64 `toml:"min_liquidity"`
	ExtremeThreshold int     `toml:"extreme_threshold"`
	MinTriggerAmount float64 `toml:"min_trigger_amount"`
	MaxPosition      float64 `toml:"max_position"`
	BetAmount        float64 `toml:"bet_amount"`
}

type HousekeepingConfig struct {
	Enabled          bool     `toml:"enabled"`
	RunInterval      Duration `toml:"run_interval"`
	BalanceThreshold float64  `toml:"balance_threshold"`
	TargetBalance    float64  `toml:"target_balance"`
	RecipientUserID  string   `toml:"recipient_user_id"`
	KillswitchPhrase string   `toml:"killswitch_phrase"`
	ShutdownLookback Duration `toml:"shutdown_lookback"`
}

// Duration wraps time.Duration for TOML unmarshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// .env is optional; the variable may come from the real environment.
	_ = godotenv.Load()
	cfg.API.Key = os.Getenv("MANIFOLD_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
// Called during startup so bad config aborts before any connection.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return fmt.Errorf("MANIFOLD_API_KEY is not set")
	}
	if c.API.UserID == "" {
		return fmt.Errorf("api.user_id is required")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0, got %d", c.API.MaxRetries)
	}
	if c.API.RatePerSec <= 0 {
		return fmt.Errorf("api.rate_per_sec must be positive, got %v", c.API.RatePerSec)
	}
	if c.Stream.PingInterval.Duration <= 0 {
		return fmt.Errorf("stream.ping_interval must be positive")
	}
	if c.Stream.BackoffMin.Duration <= 0 || c.Stream.BackoffMax.Duration < c.Stream.BackoffMin.Duration {
		return fmt.Errorf("stream backoff bounds invalid: min=%v max=%v",
			c.Stream.BackoffMin.Duration, c.Stream.BackoffMax.Duration)
	}
	if c.Orchestrator.StrategyTimeout.Duration <= 0 {
		return fmt.Errorf("orchestrator.strategy_timeout must be positive")
	}
	if c.Orchestrator.MinBetAmount < 1 {
		return fmt.Errorf("orchestrator.min_bet_amount must be >= 1, got %v", c.Orchestrator.MinBetAmount)
	}
	if c.Orchestrator.MaxBetAmount < c.Orchestrator.MinBetAmount {
		return fmt.Errorf("orchestrator.max_bet_amount %v below min_bet_amount %v",
			c.Orchestrator.MaxBetAmount, c.Orchestrator.MinBetAmount)
	}
	if c.Reversion.Enabled {
		if c.Reversion.ReversionFactor <= 0 || c.Reversion.ReversionFactor >= 1 {
			return fmt.Errorf("reversion.reversion_factor must be in (0,1), got %v", c.Reversion.ReversionFactor)
		}
		if c.Reversion.WindowSize <= 0 {
			return fmt.Errorf("reversion.window_size must be positive")
		}
		if c.Reversion.ExtremeThreshold <= 0 || c.Reversion.ExtremeThreshold >= 50 {
			return fmt.Errorf("reversion.extreme_threshold must be a percent in (0,50), got %d", c.Reversion.ExtremeThreshold)
		}
	}
	if c.Housekeeping.Enabled {
		if c.Housekeeping.RecipientUserID == "" {
			return fmt.Errorf("housekeeping.recipient_user_id is required when housekeeping is enabled")
		}
		if c.Housekeeping.TargetBalance > c.Housekeeping.BalanceThreshold {
			return fmt.Errorf("housekeeping.target_balance %v above balance_threshold %v",
				c.Housekeeping.TargetBalance, c.Housekeeping.BalanceThreshold)
		}
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DBPath:   "./data/dagonet.db",
			LogLevel: "info",
		},
		API: APIConfig{
			BaseURL:      "https://api.manifold.markets/v0",
			WebsocketURL: "wss://api.manifold.markets/ws",
			Timeout:      Duration{10 * time.Second},
			MaxRetries:   3,
			RetryDelay:   Duration{500 * time.Millisecond},
			RatePerSec:   8,
			RateBurst:    16,
			CacheTTL:     Duration{3 * time.Second},
			EndpointTTLs: map[string]Duration{
				"market": {30 * time.Second},
				"users":  {5 * time.Minute},
			},
		},
		Stream: StreamConfig{
			PingInterval:     Duration{30 * time.Second},
			HeartbeatTimeout: Duration{10 * time.Second},
			BackoffMin:       Duration{1 * time.Second},
			BackoffMax:       Duration{60 * time.Second},
			StableAfter:      Duration{2 * time.Minute},
		},
		Orchestrator: OrchestratorConfig{
			CounterbetTTL:   Duration{6 * time.Hour},
			PruneInterval:   Duration{10 * time.Minute},
			StrategyTimeout: Duration{15 * time.Second},
			RecentBetLimit:  100,
			MinBetAmount:    1,
			MaxBetAmount:    250,
		},
		Reversion: ReversionConfig{
			Enabled:          true,
			MinLogitMove:     0.4,
			ReversionFactor:  0.33,
			WindowSize:       25,
			MinLiquidity:     100,
			ExtremeThreshold: 5,
			MinTriggerAmount: 50,
			MaxPosition:      500,
			BetAmount:        25,
		},
		Housekeeping: HousekeepingConfig{
			Enabled:          false,
			RunInterval:      Duration{30 * time.Minute},
			BalanceThreshold: 5000,
			TargetBalance:    2500,
			KillswitchPhrase: "shut it down",
			ShutdownLookback: Duration{45 * time.Minute},
		},
	}
}
