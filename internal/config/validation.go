package config

import (
	"fmt"
	"net/url"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(c.App.Paper()); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Stops.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if c.Reconcile.Enabled && c.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("reconcile.interval_seconds must be > 0")
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.Mode)) {
	case "live", "paper":
	default:
		return fmt.Errorf("app.mode must be live or paper, got %q", a.Mode)
	}
	return nil
}

func (b *BrokerConfig) validate(paper bool) error {
	if paper {
		return nil
	}
	raw := strings.TrimSpace(b.BaseURL)
	if raw == "" {
		return fmt.Errorf("broker.base_url is required in live mode")
	}
	if _, err := url.Parse(raw); err != nil {
		return fmt.Errorf("broker.base_url invalid: %w", err)
	}
	if b.FillWaitSeconds <= 0 {
		return fmt.Errorf("broker.fill_wait_seconds must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.BasePct <= 0 || r.BasePct > 0.1 {
		return fmt.Errorf("risk.base_pct must be in (0, 0.1], got %v", r.BasePct)
	}
	c := r.Conviction
	if c.Low <= 0 || c.Low > c.Medium || c.Medium > c.High {
		return fmt.Errorf("risk.conviction fractions must satisfy 0 < low <= medium <= high")
	}
	if r.Cooldown.Enabled && (r.Cooldown.AfterLosses <= 0 || r.Cooldown.BaseHours <= 0) {
		return fmt.Errorf("risk.cooldown requires after_losses > 0 and base_hours > 0")
	}
	if r.ScalpCooldown.Enabled && strings.TrimSpace(r.ScalpCooldown.Strategy) == "" {
		return fmt.Errorf("risk.scalp_cooldown.strategy is required when enabled")
	}
	if r.DailyLoss.Enabled && (r.DailyLoss.Pct <= 0 || r.DailyLoss.Pct >= 1) {
		return fmt.Errorf("risk.daily_loss.pct must be in (0, 1)")
	}
	if r.WeeklyLoss.Enabled && (r.WeeklyLoss.Pct <= 0 || r.WeeklyLoss.Pct >= 1) {
		return fmt.Errorf("risk.weekly_loss.pct must be in (0, 1)")
	}
	return nil
}

func (s *StopsConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if s.LookbackDays <= s.Period {
		return fmt.Errorf("stops.lookback_days (%d) must exceed stops.period (%d)", s.LookbackDays, s.Period)
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.PartialTarget.Enabled && (e.PartialTarget.Pct <= 0 || e.PartialTarget.Pct >= 1) {
		return fmt.Errorf("execution.partial_target.pct must be in (0, 1)")
	}
	return nil
}
