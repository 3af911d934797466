package config

import (
	"strings"
)

const (
	defaultAppEnv          = "dev"
	defaultAppMode         = "live"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":8080"
	defaultBrokerURL       = "http://127.0.0.1:5000/v1"
	defaultBrokerTimeout   = 15
	defaultFillWait        = 30
	defaultFillPollMillis  = 500
	defaultBrokerRate      = 5
	defaultBrokerBurst     = 10
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30
	defaultPaperBalance    = 100000
	defaultLedgerPath      = "data/trades.db"
	defaultInstrument      = "XAUUSD"
	defaultNotifyQueue     = 64
	defaultRiskBasePct     = 0.01
	defaultFallbackBalance = 10000
	defaultConvHigh        = 1.0
	defaultConvMedium      = 0.75
	defaultConvLow         = 0.5
	defaultCooldownLosses  = 2
	defaultCooldownHours   = 2
	defaultScalpStrategy   = "m5_scalp"
	defaultScalpLosses     = 2
	defaultScalpMinutes    = 10
	defaultMaxDailyTrades  = 5
	defaultDailyLossPct    = 0.03
	defaultWeeklyLossPct   = 0.06
	defaultHistoryWindow   = 20
	defaultATRPeriod       = 14
	defaultATRLookback     = 30
	defaultStopMultiplier  = 1.5
	defaultTargetMult      = 3.0
	defaultATRCacheTTL     = 3600
	defaultMaxSpreadRatio  = 0.3
	defaultMinRewardRisk   = 1.0
	defaultPartialPct      = 0.5
	defaultPartialR        = 1.0
	defaultReconcileEvery  = 30
	defaultReconcileFetch  = 20
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Instruments.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Stops.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.mode", &a.Mode, defaultAppMode),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("broker.base_url", &b.BaseURL, defaultBrokerURL),
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		intFieldDefault("broker.fill_wait_seconds", &b.FillWaitSeconds, defaultFillWait),
		intFieldDefault("broker.fill_poll_millis", &b.FillPollMillis, defaultFillPollMillis),
		floatFieldDefault("broker.rate_limit_per_second", &b.RateLimitPerSecond, defaultBrokerRate),
		intFieldDefault("broker.rate_limit_burst", &b.RateLimitBurst, defaultBrokerBurst),
		intFieldDefault("broker.breaker_threshold", &b.BreakerThreshold, defaultBreakerFailures),
		intFieldDefault("broker.breaker_cooldown_seconds", &b.BreakerCooldownSeconds, defaultBreakerCooldown),
		floatFieldDefault("broker.paper_balance", &b.PaperBalance, defaultPaperBalance),
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("ledger.path", &l.Path, defaultLedgerPath))
}

func (i *InstrumentsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("instruments.default", &i.Default, defaultInstrument))
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueue))
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.base_pct", &r.BasePct, defaultRiskBasePct),
		floatFieldDefault("risk.fallback_balance", &r.FallbackBalance, defaultFallbackBalance),
		boolFieldDefault("risk.conviction_sizing", &r.ConvictionSizing, true),
		floatFieldDefault("risk.conviction.high", &r.Conviction.High, defaultConvHigh),
		floatFieldDefault("risk.conviction.medium", &r.Conviction.Medium, defaultConvMedium),
		floatFieldDefault("risk.conviction.low", &r.Conviction.Low, defaultConvLow),
		boolFieldDefault("risk.cooldown.enabled", &r.Cooldown.Enabled, true),
		intFieldDefault("risk.cooldown.after_losses", &r.Cooldown.AfterLosses, defaultCooldownLosses),
		floatFieldDefault("risk.cooldown.base_hours", &r.Cooldown.BaseHours, defaultCooldownHours),
		boolFieldDefault("risk.scalp_cooldown.enabled", &r.ScalpCooldown.Enabled, true),
		stringFieldDefault("risk.scalp_cooldown.strategy", &r.ScalpCooldown.Strategy, defaultScalpStrategy),
		intFieldDefault("risk.scalp_cooldown.after_losses", &r.ScalpCooldown.AfterLosses, defaultScalpLosses),
		floatFieldDefault("risk.scalp_cooldown.base_minutes", &r.ScalpCooldown.BaseMinutes, defaultScalpMinutes),
		boolFieldDefault("risk.daily_trades.enabled", &r.DailyTrades.Enabled, true),
		intFieldDefault("risk.daily_trades.max", &r.DailyTrades.Max, defaultMaxDailyTrades),
		boolFieldDefault("risk.daily_loss.enabled", &r.DailyLoss.Enabled, true),
		floatFieldDefault("risk.daily_loss.pct", &r.DailyLoss.Pct, defaultDailyLossPct),
		boolFieldDefault("risk.weekly_loss.enabled", &r.WeeklyLoss.Enabled, true),
		floatFieldDefault("risk.weekly_loss.pct", &r.WeeklyLoss.Pct, defaultWeeklyLossPct),
		intFieldDefault("risk.history_window", &r.HistoryWindow, defaultHistoryWindow),
	)
}

func (s *StopsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("stops.enabled", &s.Enabled, true),
		intFieldDefault("stops.period", &s.Period, defaultATRPeriod),
		intFieldDefault("stops.lookback_days", &s.LookbackDays, defaultATRLookback),
		floatFieldDefault("stops.stop_multiplier", &s.StopMultiplier, defaultStopMultiplier),
		floatFieldDefault("stops.target_multiplier", &s.TargetMultiplier, defaultTargetMult),
		intFieldDefault("stops.cache_ttl_seconds", &s.CacheTTLSeconds, defaultATRCacheTTL),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("execution.spread_check", &e.SpreadCheck, true),
		floatFieldDefault("execution.max_spread_ratio", &e.MaxSpreadRatio, defaultMaxSpreadRatio),
		floatFieldDefault("execution.min_reward_risk", &e.MinRewardRisk, defaultMinRewardRisk),
		boolFieldDefault("execution.session_filter", &e.SessionFilter, true),
		boolFieldDefault("execution.serialize_per_instrument", &e.SerializePerInstrument, true),
		boolFieldDefault("execution.partial_target.enabled", &e.PartialTarget.Enabled, true),
		floatFieldDefault("execution.partial_target.pct", &e.PartialTarget.Pct, defaultPartialPct),
		floatFieldDefault("execution.partial_target.r_multiple", &e.PartialTarget.RMultiple, defaultPartialR),
		fieldDefault{
			key:   "execution.runner_strategies",
			need:  func() bool { return len(e.RunnerStrategies) == 0 },
			apply: func() { e.RunnerStrategies = []string{defaultScalpStrategy} },
		},
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("reconcile.enabled", &r.Enabled, true),
		intFieldDefault("reconcile.interval_seconds", &r.IntervalSeconds, defaultReconcileEvery),
		intFieldDefault("reconcile.fetch_timeout_seconds", &r.FetchTimeout, defaultReconcileFetch),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
