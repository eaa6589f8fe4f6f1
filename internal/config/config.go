package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full peer configuration: connection addresses plus the
// game constants and coin definitions every peer must agree on.
type Config struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	APIAddr       string `toml:"api_addr"`

	Game  Game            `toml:"game"`
	Coins map[string]Coin `toml:"coins"`
}

// Game holds the tunable constants shared by every component.
type Game struct {
	StartingCash           float64  `toml:"starting_cash"`
	CoinCreationCost       float64  `toml:"coin_creation_cost"`
	PriceUpdateInterval    Duration `toml:"price_update_interval"`
	HeartbeatInterval      Duration `toml:"heartbeat_interval"`
	MasterStaleThreshold   Duration `toml:"master_stale_threshold"`
	TakeoverCheckInterval  Duration `toml:"takeover_check_interval"`
	LeaderboardInterval    Duration `toml:"leaderboard_interval"`
	SaveDebounce           Duration `toml:"save_debounce"`
	HistoryRetentionPoints int      `toml:"history_retention_points"`
	MaxTransactions        int      `toml:"max_transactions"`
	LeaderboardSize        int      `toml:"leaderboard_size"`
}

// Coin is one tradable asset definition.
type Coin struct {
	Name           string  `toml:"name"`
	StartPrice     float64 `toml:"start_price"`
	BaseVolatility float64 `toml:"base_volatility"`
	Drift          float64 `toml:"drift"`
	MinPrice       float64 `toml:"min_price"`
	MaxPrice       float64 `toml:"max_price"`
}

// Duration lets TOML carry values like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration: the four stock coins and
// the protocol intervals every peer assumes.
func Default() Config {
	return Config{
		RedisAddr: "localhost:6379",
		APIAddr:   ":8090",
		Game: Game{
			StartingCash:           10_000,
			CoinCreationCost:       1_000,
			PriceUpdateInterval:    Duration{5 * time.Second},
			HeartbeatInterval:      Duration{10 * time.Second},
			MasterStaleThreshold:   Duration{30 * time.Second},
			TakeoverCheckInterval:  Duration{15 * time.Second},
			LeaderboardInterval:    Duration{10 * time.Second},
			SaveDebounce:           Duration{time.Second},
			HistoryRetentionPoints: 168, // 7 days of hourly candles
			MaxTransactions:        50,
			LeaderboardSize:        20,
		},
		Coins: map[string]Coin{
			"BTC":  {Name: "Bitcoin", StartPrice: 45_000, BaseVolatility: 500, MinPrice: 0, MaxPrice: 999_999},
			"ETH":  {Name: "Ethereum", StartPrice: 2_500, BaseVolatility: 100, MinPrice: 0, MaxPrice: 999_999},
			"DOGE": {Name: "Dogecoin", StartPrice: 0.15, BaseVolatility: 0.02, MinPrice: 0, MaxPrice: 999_999},
			"SOL":  {Name: "Solana", StartPrice: 120, BaseVolatility: 15, MinPrice: 0, MaxPrice: 999_999},
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file
// (MOONRUSH_CONFIG or ./moonrush.toml) and environment overrides.
func Load() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("MOONRUSH_CONFIG"))
	if path == "" {
		if _, err := os.Stat("moonrush.toml"); err == nil {
			path = "moonrush.toml"
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.RedisAddr = envDefault("MOONRUSH_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envDefault("MOONRUSH_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envIntDefault("MOONRUSH_REDIS_DB", cfg.RedisDB)
	cfg.APIAddr = envDefault("MOONRUSH_API_ADDR", cfg.APIAddr)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Game.StartingCash <= 0 {
		return fmt.Errorf("starting_cash must be > 0")
	}
	if c.Game.HistoryRetentionPoints <= 0 {
		return fmt.Errorf("history_retention_points must be > 0")
	}
	if c.Game.PriceUpdateInterval.Duration <= 0 {
		return fmt.Errorf("price_update_interval must be > 0")
	}
	if c.Game.MasterStaleThreshold.Duration <= c.Game.HeartbeatInterval.Duration {
		return fmt.Errorf("master_stale_threshold must exceed heartbeat_interval")
	}
	for symbol, coin := range c.Coins {
		if symbol != strings.ToUpper(strings.TrimSpace(symbol)) {
			return fmt.Errorf("coin symbol %q must be uppercase", symbol)
		}
		if coin.StartPrice <= 0 || coin.BaseVolatility <= 0 {
			return fmt.Errorf("coin %s: start_price and base_volatility must be > 0", symbol)
		}
		if coin.MaxPrice <= coin.MinPrice {
			return fmt.Errorf("coin %s: max_price must exceed min_price", symbol)
		}
	}
	return nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
