package config

import (
	"strings"
	"time"
)

// Config is the immutable process configuration, built once by Load and passed
// by pointer into every constructor.
type Config struct {
	App         AppConfig         `toml:"app"`
	Broker      BrokerConfig      `toml:"broker"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Instruments InstrumentsConfig `toml:"instruments"`
	Notify      NotifyConfig      `toml:"notify"`
	Risk        RiskConfig        `toml:"risk"`
	Stops       StopsConfig       `toml:"stops"`
	Execution   ExecutionConfig   `toml:"execution"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	APIKey   string `toml:"api_key"`
}

// Paper reports whether the in-memory paper broker should be used.
func (a AppConfig) Paper() bool {
	return strings.EqualFold(strings.TrimSpace(a.Mode), "paper")
}

type BrokerConfig struct {
	BaseURL                string  `toml:"base_url"`
	AccountID              string  `toml:"account_id"`
	TimeoutSeconds         int     `toml:"timeout_seconds"`
	FillWaitSeconds        int     `toml:"fill_wait_seconds"`
	FillPollMillis         int     `toml:"fill_poll_millis"`
	RateLimitPerSecond     float64 `toml:"rate_limit_per_second"`
	RateLimitBurst         int     `toml:"rate_limit_burst"`
	BreakerThreshold       int     `toml:"breaker_threshold"`
	BreakerCooldownSeconds int     `toml:"breaker_cooldown_seconds"`

	// Paper mode seeds the in-memory broker with these mid prices and applies
	// PaperSpread as the full bid/ask width around each of them.
	PaperQuotes  map[string]float64 `toml:"paper_quotes"`
	PaperBalance float64            `toml:"paper_balance"`
	PaperSpread  float64            `toml:"paper_spread"`
}

func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

func (b BrokerConfig) FillWait() time.Duration {
	return time.Duration(b.FillWaitSeconds) * time.Second
}

func (b BrokerConfig) FillPoll() time.Duration {
	return time.Duration(b.FillPollMillis) * time.Millisecond
}

func (b BrokerConfig) BreakerCooldown() time.Duration {
	return time.Duration(b.BreakerCooldownSeconds) * time.Second
}

type LedgerConfig struct {
	Path string `toml:"path"`
}

type InstrumentsConfig struct {
	// Path optionally points at a YAML catalog replacing the built-in one.
	Path    string `toml:"path"`
	Default string `toml:"default"`
}

type NotifyConfig struct {
	Telegram  TelegramConfig `toml:"telegram"`
	QueueSize int            `toml:"queue_size"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type RiskConfig struct {
	// BasePct is a fraction of balance, 0.01 == 1%.
	BasePct          float64               `toml:"base_pct"`
	FallbackBalance  float64               `toml:"fallback_balance"`
	ConvictionSizing bool                  `toml:"conviction_sizing"`
	Conviction       ConvictionFractions   `toml:"conviction"`
	Cooldown         CooldownConfig        `toml:"cooldown"`
	ScalpCooldown    ScalpCooldownConfig   `toml:"scalp_cooldown"`
	DailyTrades      TradeCountLimitConfig `toml:"daily_trades"`
	DailyLoss        LossLimitConfig       `toml:"daily_loss"`
	WeeklyLoss       LossLimitConfig       `toml:"weekly_loss"`
	HistoryWindow    int                   `toml:"history_window"`
}

type ConvictionFractions struct {
	High   float64 `toml:"high"`
	Medium float64 `toml:"medium"`
	Low    float64 `toml:"low"`
}

type CooldownConfig struct {
	Enabled     bool    `toml:"enabled"`
	AfterLosses int     `toml:"after_losses"`
	BaseHours   float64 `toml:"base_hours"`
}

type ScalpCooldownConfig struct {
	Enabled     bool    `toml:"enabled"`
	Strategy    string  `toml:"strategy"`
	AfterLosses int     `toml:"after_losses"`
	BaseMinutes float64 `toml:"base_minutes"`
}

type TradeCountLimitConfig struct {
	Enabled bool `toml:"enabled"`
	Max     int  `toml:"max"`
}

type LossLimitConfig struct {
	Enabled bool `toml:"enabled"`
	// Pct is a fraction of balance, 0.03 == 3%.
	Pct float64 `toml:"pct"`
}

type StopsConfig struct {
	Enabled          bool    `toml:"enabled"`
	Period           int     `toml:"period"`
	LookbackDays     int     `toml:"lookback_days"`
	StopMultiplier   float64 `toml:"stop_multiplier"`
	TargetMultiplier float64 `toml:"target_multiplier"`
	CacheTTLSeconds  int     `toml:"cache_ttl_seconds"`
}

func (s StopsConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

type ExecutionConfig struct {
	SpreadCheck            bool                `toml:"spread_check"`
	MaxSpreadRatio         float64             `toml:"max_spread_ratio"`
	MinRewardRisk          float64             `toml:"min_reward_risk"`
	SessionFilter          bool                `toml:"session_filter"`
	SerializePerInstrument bool                `toml:"serialize_per_instrument"`
	PartialTarget          PartialTargetConfig `toml:"partial_target"`
	RunnerStrategies       []string            `toml:"runner_strategies"`
}

// IsRunner reports whether strategy submits the target-1-only bracket variant.
func (e ExecutionConfig) IsRunner(strategy string) bool {
	strategy = strings.TrimSpace(strategy)
	if strategy == "" {
		return false
	}
	for _, s := range e.RunnerStrategies {
		if strings.EqualFold(strings.TrimSpace(s), strategy) {
			return true
		}
	}
	return false
}

type PartialTargetConfig struct {
	Enabled bool `toml:"enabled"`
	// Pct is the share of the position closed at target 1.
	Pct float64 `toml:"pct"`
	// RMultiple places target 1 at entry +/- stop distance * RMultiple.
	RMultiple float64 `toml:"r_multiple"`
}

type ReconcileConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
	FetchTimeout    int  `toml:"fetch_timeout_seconds"`
}

func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (r ReconcileConfig) Timeout() time.Duration {
	return time.Duration(r.FetchTimeout) * time.Second
}

// keySet tracks field paths explicitly present in the config files.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes how a single field gets its default value.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
