package params

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Market struct {
	Symbol        string  `yaml:"symbol"`
	FallbackPrice float64 `yaml:"fallback_price"`
	BookDepth     int     `yaml:"book_depth"`
}

type Margin struct {
	StartingCapital       float64       `yaml:"starting_capital"`
	InitialMarginRate     float64       `yaml:"initial_margin_rate"`
	MaintenanceMarginRate float64       `yaml:"maintenance_margin_rate"`
	LiquidationCooldown   time.Duration `yaml:"liquidation_cooldown"`
}

type Tournament struct {
	RoundDuration time.Duration `yaml:"round_duration"`
	TotalRounds   int           `yaml:"total_rounds"`
}

type Server struct {
	GatewayAddr string `yaml:"gateway_addr"`
	StreamAddr  string `yaml:"stream_addr"`
	RESTAddr    string `yaml:"rest_addr"`
}

type Config struct {
	Market     Market     `yaml:"market"`
	Margin     Margin     `yaml:"margin"`
	Tournament Tournament `yaml:"tournament"`
	Server     Server     `yaml:"server"`

	JournalPath string `yaml:"journal_path"`
	LogLevel    string `yaml:"log_level"`
	// LogFile tees log output into a file when set.
	LogFile string `yaml:"log_file"`
	// DebugChecks turns on structural book validation after every mutation.
	DebugChecks bool `yaml:"debug_checks"`
}

func Default() Config {
	return Config{
		Market: Market{
			Symbol:        "NEXUS",
			FallbackPrice: 100,
			BookDepth:     10,
		},
		Margin: Margin{
			StartingCapital:       10000,
			InitialMarginRate:     0.20,
			MaintenanceMarginRate: 0.10,
			LiquidationCooldown:   500 * time.Millisecond,
		},
		Tournament: Tournament{
			RoundDuration: 60 * time.Second,
			TotalRounds:   3,
		},
		Server: Server{
			GatewayAddr: ":8090",
			StreamAddr:  ":8091",
			RESTAddr:    ":8080",
		},
		JournalPath: "data/journal",
		LogLevel:    "info",
		DebugChecks: false,
	}
}

// LoadFile overlays a YAML config file onto the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > yaml file > defaults.
func LoadFromEnv(cfg Config, envPath string) Config {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("ARENA_SYMBOL"); v != "" {
		cfg.Market.Symbol = v
	}
	if v := os.Getenv("ARENA_FALLBACK_PRICE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Market.FallbackPrice = f
		}
	}
	if v := os.Getenv("ARENA_BOOK_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Market.BookDepth = n
		}
	}
	if v := os.Getenv("ARENA_ROUND_DURATION_SECONDS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Tournament.RoundDuration = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("ARENA_TOTAL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tournament.TotalRounds = n
		}
	}
	if v := os.Getenv("ARENA_STARTING_CAPITAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Margin.StartingCapital = f
		}
	}
	if v := os.Getenv("ARENA_INITIAL_MARGIN_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Margin.InitialMarginRate = f
		}
	}
	if v := os.Getenv("ARENA_MAINTENANCE_MARGIN_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Margin.MaintenanceMarginRate = f
		}
	}
	if v := os.Getenv("ARENA_LIQUIDATION_COOLDOWN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Margin.LiquidationCooldown = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ARENA_GATEWAY_ADDR"); v != "" {
		cfg.Server.GatewayAddr = v
	}
	if v := os.Getenv("ARENA_STREAM_ADDR"); v != "" {
		cfg.Server.StreamAddr = v
	}
	if v := os.Getenv("ARENA_REST_ADDR"); v != "" {
		cfg.Server.RESTAddr = v
	}
	if v := os.Getenv("ARENA_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("ARENA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARENA_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("ARENA_DEBUG_CHECKS"); v != "" {
		cfg.DebugChecks = v == "true"
	}

	return cfg
}

func (c Config) Validate() error {
	if c.Market.Symbol == "" {
		return fmt.Errorf("market.symbol must be set")
	}
	if c.Market.FallbackPrice <= 0 {
		return fmt.Errorf("market.fallback_price must be > 0")
	}
	if c.Market.BookDepth < 1 {
		return fmt.Errorf("market.book_depth must be >= 1")
	}
	if c.Margin.StartingCapital <= 0 {
		return fmt.Errorf("margin.starting_capital must be > 0")
	}
	if c.Margin.InitialMarginRate <= 0 || c.Margin.InitialMarginRate > 1 {
		return fmt.Errorf("margin.initial_margin_rate must be in (0, 1]")
	}
	if c.Margin.MaintenanceMarginRate <= 0 || c.Margin.MaintenanceMarginRate >= c.Margin.InitialMarginRate {
		return fmt.Errorf("margin.maintenance_margin_rate must be in (0, initial_margin_rate)")
	}
	if c.Tournament.RoundDuration <= 0 {
		return fmt.Errorf("tournament.round_duration must be > 0")
	}
	if c.Tournament.TotalRounds < 1 {
		return fmt.Errorf("tournament.total_rounds must be >= 1")
	}
	return nil
}
