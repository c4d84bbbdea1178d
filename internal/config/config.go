package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Venue  VenueConfig  `mapstructure:"venue"`
	Engine EngineConfig `mapstructure:"engine"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Paths  PathsConfig  `mapstructure:"paths"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	Debug             bool   `mapstructure:"debug"`
}

type VenueConfig struct {
	GammaBaseURL string        `mapstructure:"gamma_base_url"`
	DataBaseURL  string        `mapstructure:"data_base_url"`
	ClobBaseURL  string        `mapstructure:"clob_base_url"`
	StreamURL    string        `mapstructure:"stream_url"`
	BookTimeout  time.Duration `mapstructure:"book_timeout"`
	MetaTimeout  time.Duration `mapstructure:"meta_timeout"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
}

type EngineConfig struct {
	ProfileAddress       string        `mapstructure:"profile_address"`
	PollIntervalMs       int           `mapstructure:"poll_interval_ms"`
	StartFromNow         bool          `mapstructure:"start_from_now"`
	StartingBalance      float64       `mapstructure:"starting_balance"`
	FixedCopyPct         float64       `mapstructure:"fixed_copy_pct"`
	MinOrderSizeShares   float64       `mapstructure:"min_order_size_shares"`
	EnableTradeFilters   bool          `mapstructure:"enable_trade_filters"`
	ExpectedEdge         float64       `mapstructure:"expected_edge"`
	SlippageDelayPenalty float64       `mapstructure:"slippage_delay_penalty"`
	SkipActivePositions  bool          `mapstructure:"skip_active_positions"`
	MaxTickWait          time.Duration `mapstructure:"max_tick_wait"`
	AutoStart            bool          `mapstructure:"auto_start"`
}

func (e EngineConfig) PollInterval() time.Duration {
	if e.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type PathsConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	LogDir       string `mapstructure:"log_dir"`
	SettingsFile string `mapstructure:"settings_file"`
}

// Load reads the optional YAML config and overlays environment variables.
// The short env names from the deployment contract (PROFILE_ADDRESS, PORT,
// ...) are bound explicitly so an env-only bootstrap works with no file.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.debug", false)
	v.SetDefault("venue.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("venue.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("venue.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("venue.stream_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("venue.book_timeout", "3s")
	v.SetDefault("venue.meta_timeout", "5s")
	v.SetDefault("venue.rate_limit_rps", 10)
	v.SetDefault("engine.profile_address", "")
	v.SetDefault("engine.poll_interval_ms", 1000)
	v.SetDefault("engine.start_from_now", true)
	v.SetDefault("engine.starting_balance", 1000)
	v.SetDefault("engine.fixed_copy_pct", 0.10)
	v.SetDefault("engine.min_order_size_shares", 1)
	v.SetDefault("engine.enable_trade_filters", true)
	v.SetDefault("engine.expected_edge", 0.06)
	v.SetDefault("engine.slippage_delay_penalty", 0.003)
	v.SetDefault("engine.skip_active_positions", true)
	v.SetDefault("engine.max_tick_wait", "30s")
	v.SetDefault("engine.auto_start", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "300ms")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.log_dir", "logs")
	v.SetDefault("paths.settings_file", "trade_settings.json")

	// Deployment contract: bare env names override everything.
	bindings := map[string]string{
		"engine.profile_address":        "PROFILE_ADDRESS",
		"engine.poll_interval_ms":       "POLL_INTERVAL_MS",
		"engine.expected_edge":          "EXPECTED_EDGE",
		"engine.slippage_delay_penalty": "SLIPPAGE_DELAY_PENALTY",
		"engine.fixed_copy_pct":         "FIXED_COPY_PCT",
		"engine.min_order_size_shares":  "MIN_ORDER_SIZE_SHARES",
		"engine.start_from_now":         "START_FROM_NOW",
		"log.debug":                     "DEBUG_LOGS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, err
		}
	}
	if err := v.BindEnv("server.http_addr", "PORT"); err != nil {
		return Config{}, err
	}

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if addr := strings.TrimSpace(cfg.Server.HTTPAddr); addr != "" && !strings.Contains(addr, ":") {
		// A bare PORT value becomes a listen address.
		cfg.Server.HTTPAddr = ":" + addr
	}
	if strings.TrimSpace(cfg.Engine.ProfileAddress) == "" {
		return Config{}, fmt.Errorf("PROFILE_ADDRESS is required")
	}
	return cfg, nil
}
