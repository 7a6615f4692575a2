package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/vitos/grid_trade_engine/internal/domain"
)

// LiveConfirmPhrase must be set in LIVE_TRADING_CONFIRM before the engine
// will submit orders against a real-money endpoint.
const LiveConfirmPhrase = "I_UNDERSTAND"

const defaultBaseURL = "https://paper-api.alpaca.markets"
const defaultDataURL = "https://data.alpaca.markets"

// AlpacaConfig holds brokerage credentials and endpoints.
type AlpacaConfig struct {
	KeyID     string `yaml:"key_id"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	DataFeed  string `yaml:"data_feed"`
}

// LiveEndpoint reports whether BaseURL points at the real-money API.
func (a AlpacaConfig) LiveEndpoint() bool {
	u := strings.ToLower(a.BaseURL)
	if strings.Contains(u, "paper-api") {
		return false
	}
	return strings.Contains(u, "api.alpaca.markets")
}

// EngineConfig is the single immutable configuration value, loaded once at
// boot and passed explicitly into every component.
type EngineConfig struct {
	Symbol string       `yaml:"symbol"`
	Alpaca AlpacaConfig `yaml:"alpaca"`

	DryRun             bool   `yaml:"dry_run"`
	KillSwitch         bool   `yaml:"kill_switch"`
	LiveTradingConfirm string `yaml:"live_trading_confirm"`

	PollSec              float64 `yaml:"poll_sec"`
	StandbyPollSec       float64 `yaml:"standby_poll_sec"`
	MarketClosedSleepSec float64 `yaml:"market_closed_sleep_sec"`
	FillTimeoutSec       float64 `yaml:"fill_timeout_sec"`
	FillPollSec          float64 `yaml:"fill_poll_sec"`
	HeartbeatSec         float64 `yaml:"heartbeat_sec"`

	OrderQty int64 `yaml:"order_qty"`

	Grid struct {
		StepStartUSD     float64 `yaml:"step_start_usd"`
		StepIncrementUSD float64 `yaml:"step_increment_usd"`
		TierSize         int     `yaml:"tier_size"`
		SellRiseUSD      float64 `yaml:"sell_rise_usd"`
		SellRisePct      float64 `yaml:"sell_rise_pct"`
	} `yaml:"grid"`

	Risk struct {
		MaxBuysPerTick   int     `yaml:"max_buys_per_tick"`
		MaxBuysPerDay    int     `yaml:"max_buys_per_day"`
		MaxDollarsPerBuy float64 `yaml:"max_dollars_per_buy"`
		MaxPositionQty   int64   `yaml:"max_position_qty"`
		TradeStartET     string  `yaml:"trade_start_et"`
		TradeEndET       string  `yaml:"trade_end_et"`
	} `yaml:"risk"`

	DatabaseURL   string `yaml:"database_url"`
	LeaderLockKey string `yaml:"leader_lock_key"`
	StandbyOnly   bool   `yaml:"standby_only"`

	StatePath    string  `yaml:"state_path"`
	StateSaveSec float64 `yaml:"state_save_sec"`
	JournalPath  string  `yaml:"journal_path"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// GridParams converts the configured ladder shape to the domain type.
func (c *EngineConfig) GridParams() domain.GridParams {
	return domain.GridParams{
		StepStartUSD:     c.Grid.StepStartUSD,
		StepIncrementUSD: c.Grid.StepIncrementUSD,
		TierSize:         c.Grid.TierSize,
		SellRiseUSD:      c.Grid.SellRiseUSD,
		SellRisePct:      c.Grid.SellRisePct,
	}
}

// RiskLimits converts the configured caps to the domain type.
func (c *EngineConfig) RiskLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxBuysPerTick:   c.Risk.MaxBuysPerTick,
		MaxBuysPerDay:    c.Risk.MaxBuysPerDay,
		MaxDollarsPerBuy: c.Risk.MaxDollarsPerBuy,
		MaxPositionQty:   c.Risk.MaxPositionQty,
		TradeStartET:     c.Risk.TradeStartET,
		TradeEndET:       c.Risk.TradeEndET,
	}
}

func (c *EngineConfig) PollInterval() time.Duration        { return secs(c.PollSec) }
func (c *EngineConfig) StandbyPollInterval() time.Duration { return secs(c.StandbyPollSec) }
func (c *EngineConfig) MarketClosedSleep() time.Duration   { return secs(c.MarketClosedSleepSec) }
func (c *EngineConfig) FillTimeout() time.Duration         { return secs(c.FillTimeoutSec) }
func (c *EngineConfig) FillPollInterval() time.Duration    { return secs(c.FillPollSec) }
func (c *EngineConfig) HeartbeatInterval() time.Duration   { return secs(c.HeartbeatSec) }
func (c *EngineConfig) StateSaveInterval() time.Duration   { return secs(c.StateSaveSec) }

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// StateID is the persisted-state key for the configured symbol.
func (c *EngineConfig) StateID() string {
	return c.Symbol + "_state"
}

// Load reads the optional YAML file, overlays environment variables, fills
// defaults and validates. Env always wins over the file.
func Load(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EngineConfig) applyEnv() {
	c.Symbol = strings.ToUpper(getEnv("ENGINE_SYMBOL", c.Symbol))

	// Either ALPACA_* or the official APCA_* key names are accepted.
	c.Alpaca.KeyID = firstNonEmpty(os.Getenv("ALPACA_KEY_ID"), os.Getenv("APCA_API_KEY_ID"), c.Alpaca.KeyID)
	c.Alpaca.SecretKey = firstNonEmpty(os.Getenv("ALPACA_SECRET_KEY"), os.Getenv("APCA_API_SECRET_KEY"), c.Alpaca.SecretKey)
	c.Alpaca.BaseURL = firstNonEmpty(os.Getenv("ALPACA_BASE_URL"), os.Getenv("APCA_API_BASE_URL"), c.Alpaca.BaseURL)
	c.Alpaca.DataURL = getEnv("ALPACA_DATA_URL", c.Alpaca.DataURL)
	c.Alpaca.DataFeed = strings.ToLower(getEnv("ALPACA_DATA_FEED", c.Alpaca.DataFeed))

	c.DryRun = getEnvBool("DRY_RUN", c.DryRun)
	c.KillSwitch = getEnvBool("KILL_SWITCH", c.KillSwitch)
	c.LiveTradingConfirm = getEnv("LIVE_TRADING_CONFIRM", c.LiveTradingConfirm)

	c.PollSec = getEnvFloat("POLL_SEC", c.PollSec)
	c.StandbyPollSec = getEnvFloat("STANDBY_POLL_SEC", c.StandbyPollSec)
	c.MarketClosedSleepSec = getEnvFloat("MARKET_CLOSED_SLEEP_SEC", c.MarketClosedSleepSec)
	c.FillTimeoutSec = getEnvFloat("FILL_TIMEOUT_SEC", c.FillTimeoutSec)
	c.FillPollSec = getEnvFloat("FILL_POLL_SEC", c.FillPollSec)
	c.HeartbeatSec = getEnvFloat("HEARTBEAT_SEC", c.HeartbeatSec)

	c.OrderQty = int64(getEnvInt("ORDER_QTY", int(c.OrderQty)))

	c.Grid.StepStartUSD = getEnvFloat("GRID_STEP_START_USD", c.Grid.StepStartUSD)
	c.Grid.StepIncrementUSD = getEnvFloat("GRID_STEP_INCREMENT_USD", c.Grid.StepIncrementUSD)
	c.Grid.TierSize = getEnvInt("GRID_TIER_SIZE", c.Grid.TierSize)
	c.Grid.SellRiseUSD = getEnvFloat("SELL_RISE_USD", c.Grid.SellRiseUSD)
	c.Grid.SellRisePct = getEnvFloat("SELL_RISE_PCT", c.Grid.SellRisePct)

	c.Risk.MaxBuysPerTick = getEnvInt("MAX_BUYS_PER_TICK", c.Risk.MaxBuysPerTick)
	c.Risk.MaxBuysPerDay = getEnvInt("MAX_BUYS_PER_DAY", c.Risk.MaxBuysPerDay)
	c.Risk.MaxDollarsPerBuy = getEnvFloat("MAX_DOLLARS_PER_BUY", c.Risk.MaxDollarsPerBuy)
	c.Risk.MaxPositionQty = int64(getEnvInt("MAX_POSITION_QTY", int(c.Risk.MaxPositionQty)))
	c.Risk.TradeStartET = getEnv("TRADE_START_ET", c.Risk.TradeStartET)
	c.Risk.TradeEndET = getEnv("TRADE_END_ET", c.Risk.TradeEndET)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.LeaderLockKey = getEnv("LEADER_LOCK_KEY", c.LeaderLockKey)
	c.StandbyOnly = getEnvBool("STANDBY_ONLY", c.StandbyOnly)

	c.StatePath = getEnv("STATE_PATH", c.StatePath)
	c.StateSaveSec = getEnvFloat("STATE_SAVE_SEC", c.StateSaveSec)
	c.JournalPath = getEnv("JOURNAL_PATH", c.JournalPath)

	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
}

func (c *EngineConfig) applyDefaults() {
	if c.Symbol == "" {
		c.Symbol = "TSLA"
	}
	if c.Alpaca.BaseURL == "" {
		c.Alpaca.BaseURL = defaultBaseURL
	}
	if c.Alpaca.DataURL == "" {
		c.Alpaca.DataURL = defaultDataURL
	}
	if c.Alpaca.DataFeed == "" {
		c.Alpaca.DataFeed = "iex"
	}
	if c.PollSec <= 0 {
		c.PollSec = 5
	}
	if c.StandbyPollSec <= 0 {
		c.StandbyPollSec = 10
	}
	if c.MarketClosedSleepSec <= 0 {
		c.MarketClosedSleepSec = 30
	}
	if c.FillTimeoutSec <= 0 {
		c.FillTimeoutSec = 20
	}
	if c.FillPollSec <= 0 {
		c.FillPollSec = 0.5
	}
	if c.HeartbeatSec <= 0 {
		c.HeartbeatSec = 300
	}
	if c.OrderQty <= 0 {
		c.OrderQty = 1
	}
	if c.Grid.StepStartUSD <= 0 {
		c.Grid.StepStartUSD = 1.0
	}
	if c.Grid.StepIncrementUSD < 0 {
		c.Grid.StepIncrementUSD = 0
	}
	if c.Grid.TierSize <= 0 {
		c.Grid.TierSize = 5
	}
	if c.Grid.SellRiseUSD <= 0 && c.Grid.SellRisePct <= 0 {
		c.Grid.SellRiseUSD = 2.0
	}
	if c.Risk.MaxBuysPerTick <= 0 {
		c.Risk.MaxBuysPerTick = 1
	}
	if c.LeaderLockKey == "" {
		c.LeaderLockKey = c.Symbol + "_ENGINE_V1"
	}
	if c.StatePath == "" {
		c.StatePath = "data/engine_state.json"
	}
	if c.StateSaveSec <= 0 {
		c.StateSaveSec = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate enforces the fatal startup conditions. Failures abort the process
// before the loop starts and are never retried.
func (c *EngineConfig) Validate() error {
	var errs error

	if c.Symbol == "" {
		errs = multierr.Append(errs, errors.New("config: symbol is required"))
	}
	if c.Alpaca.KeyID == "" || c.Alpaca.SecretKey == "" {
		errs = multierr.Append(errs, errors.New("config: missing Alpaca credentials (APCA_API_KEY_ID/APCA_API_SECRET_KEY)"))
	}
	if !c.DryRun && c.Alpaca.LiveEndpoint() && c.LiveTradingConfirm != LiveConfirmPhrase {
		errs = multierr.Append(errs, fmt.Errorf(
			"config: live trading blocked, set LIVE_TRADING_CONFIRM=%s to enable live orders", LiveConfirmPhrase))
	}
	if c.Risk.TradeStartET != "" {
		if _, _, err := ParseHHMM(c.Risk.TradeStartET); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("config: TRADE_START_ET: %w", err))
		}
	}
	if c.Risk.TradeEndET != "" {
		if _, _, err := ParseHHMM(c.Risk.TradeEndET); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("config: TRADE_END_ET: %w", err))
		}
	}
	return errs
}

// ParseHHMM parses a wall-clock "HH:MM" string.
func ParseHHMM(s string) (hh, mm int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	hh, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	mm, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("HH:MM value %q out of range", s)
	}
	return hh, mm, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes", "on":
		return true
	case "0", "false", "n", "no", "off":
		return false
	default:
		return def
	}
}
