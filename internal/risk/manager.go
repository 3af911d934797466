// Package risk implements trade admission: loss-streak cooldowns and daily and
// weekly limits, all derived from the ledger on every call.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/logger"
	"tradegate/internal/trade"
)

// History is the read side of the ledger the manager needs.
type History interface {
	RecentClosed(ctx context.Context, limit int) ([]trade.Order, error)
	CountCreatedSince(ctx context.Context, since time.Time, statuses ...trade.Status) (int, error)
	SumClosedPnLSince(ctx context.Context, since time.Time) (float64, error)
}

// PositionSource reports open broker positions for unrealized P&L.
type PositionSource interface {
	GetOpenPositions(ctx context.Context, instrumentKey string) ([]broker.Position, error)
}

// Manager holds no state between calls besides its collaborators.
type Manager struct {
	cfg       config.RiskConfig
	history   History
	positions PositionSource
	nowFn     func() time.Time
}

func NewManager(cfg config.RiskConfig, history History, positions PositionSource) *Manager {
	return &Manager{cfg: cfg, history: history, positions: positions, nowFn: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (m *Manager) SetClock(fn func() time.Time) {
	if fn != nil {
		m.nowFn = fn
	}
}

// snapshot lazily loads the ledger and broker facts shared by the checks of one call.
type snapshot struct {
	m   *Manager
	ctx context.Context
	now time.Time

	closed       []trade.Order
	closedLoaded bool
	unrealized   *float64
}

func (s *snapshot) recentClosed() ([]trade.Order, error) {
	if s.closedLoaded {
		return s.closed, nil
	}
	rows, err := s.m.history.RecentClosed(s.ctx, s.m.historyWindow())
	if err != nil {
		return nil, err
	}
	s.closed, s.closedLoaded = rows, true
	return rows, nil
}

// unrealizedPnL degrades to zero when the broker cannot be reached.
func (s *snapshot) unrealizedPnL() float64 {
	if s.unrealized != nil {
		return *s.unrealized
	}
	total := 0.0
	if s.m.positions != nil {
		positions, err := s.m.positions.GetOpenPositions(s.ctx, "")
		if err != nil {
			logger.Warnf("%v", &trade.TransientFetchError{Source: "unrealized pnl", Err: err})
		}
		for _, p := range positions {
			total += p.UnrealizedPnL
		}
	}
	s.unrealized = &total
	return total
}

func (m *Manager) historyWindow() int {
	if m.cfg.HistoryWindow > 0 {
		return m.cfg.HistoryWindow
	}
	return 20
}

type check func(s *snapshot, balance float64) (bool, string, error)

// CanTrade runs, in order, the strategy cooldown, the general cooldown, the
// daily trade count, the daily loss limit and the weekly loss limit, stopping
// at the first failure. A ledger error denies the trade.
func (m *Manager) CanTrade(ctx context.Context, balance float64, strategy string) (bool, string) {
	s := &snapshot{m: m, ctx: ctx, now: m.nowFn().UTC()}
	checks := []check{
		func(s *snapshot, _ float64) (bool, string, error) { return m.checkScalpCooldown(s, strategy) },
		func(s *snapshot, _ float64) (bool, string, error) { return m.checkCooldown(s) },
		func(s *snapshot, _ float64) (bool, string, error) { return m.checkDailyTrades(s) },
		m.checkDailyLoss,
		m.checkWeeklyLoss,
	}
	for _, c := range checks {
		ok, reason, err := c(s, balance)
		if err != nil {
			logger.Errorf("risk check failed: %v", err)
			return false, fmt.Sprintf("Risk check unavailable: %v", err)
		}
		if !ok {
			return false, reason
		}
	}
	return true, "Risk checks passed"
}

type lossStreak struct {
	losses   int
	lastLoss time.Time
}

// streakOf counts consecutive losses from the newest closed row. With a
// strategy set, the walk also stops at the first row of another strategy.
func streakOf(rows []trade.Order, strategy string) lossStreak {
	var st lossStreak
	for _, o := range rows {
		if strategy != "" && !strings.EqualFold(o.Strategy, strategy) {
			break
		}
		if !o.IsLoss() {
			break
		}
		if st.losses == 0 && o.ClosedAt != nil {
			st.lastLoss = *o.ClosedAt
		}
		st.losses++
	}
	return st
}

// Backoff returns base * 2^(losses-threshold), or zero below the threshold.
func Backoff(losses, threshold int, base time.Duration) time.Duration {
	if threshold <= 0 || losses < threshold {
		return 0
	}
	return time.Duration(float64(base) * math.Pow(2, float64(losses-threshold)))
}

func (m *Manager) checkScalpCooldown(s *snapshot, strategy string) (bool, string, error) {
	cfg := m.cfg.ScalpCooldown
	if !cfg.Enabled || cfg.Strategy == "" || !strings.EqualFold(strings.TrimSpace(strategy), cfg.Strategy) {
		return true, "Scalp cooldown not applicable", nil
	}
	rows, err := s.recentClosed()
	if err != nil {
		return false, "", err
	}
	st := streakOf(rows, cfg.Strategy)
	minutes := cfg.BaseMinutes * math.Pow(2, float64(st.losses-cfg.AfterLosses))
	wait := Backoff(st.losses, cfg.AfterLosses, time.Duration(cfg.BaseMinutes*float64(time.Minute)))
	if wait == 0 || st.lastLoss.IsZero() {
		return true, fmt.Sprintf("No scalp cooldown (%d consecutive scalp losses)", st.losses), nil
	}
	end := st.lastLoss.Add(wait)
	if s.now.Before(end) {
		return false, fmt.Sprintf("Scalp cooldown active: %d consecutive scalp losses. Wait %.0f min (%g min cooldown)",
			st.losses, end.Sub(s.now).Minutes(), minutes), nil
	}
	return true, fmt.Sprintf("Scalp cooldown expired (%d consecutive scalp losses, %g min elapsed)", st.losses, minutes), nil
}

func (m *Manager) checkCooldown(s *snapshot) (bool, string, error) {
	cfg := m.cfg.Cooldown
	if !cfg.Enabled {
		return true, "Cooldown disabled", nil
	}
	active, st, hours, remaining, err := m.cooldown(s)
	if err != nil {
		return false, "", err
	}
	if active {
		return false, fmt.Sprintf("Cooldown active: %d consecutive losses. Wait %.0f minutes (%gh cooldown)",
			st.losses, remaining.Minutes(), hours), nil
	}
	return true, fmt.Sprintf("No cooldown (%d consecutive losses)", st.losses), nil
}

// cooldown evaluates the general loss-streak cooldown.
func (m *Manager) cooldown(s *snapshot) (active bool, st lossStreak, hours float64, remaining time.Duration, err error) {
	rows, err := s.recentClosed()
	if err != nil {
		return false, lossStreak{}, 0, 0, err
	}
	cfg := m.cfg.Cooldown
	st = streakOf(rows, "")
	wait := Backoff(st.losses, cfg.AfterLosses, time.Duration(cfg.BaseHours*float64(time.Hour)))
	if wait == 0 || st.lastLoss.IsZero() {
		return false, st, 0, 0, nil
	}
	hours = wait.Hours()
	end := st.lastLoss.Add(wait)
	if !s.now.Before(end) {
		return false, st, hours, 0, nil
	}
	return true, st, hours, end.Sub(s.now), nil
}

func (m *Manager) checkDailyTrades(s *snapshot) (bool, string, error) {
	cfg := m.cfg.DailyTrades
	if !cfg.Enabled {
		return true, "Daily trade limit disabled", nil
	}
	count, err := m.history.CountCreatedSince(s.ctx, DayStart(s.now), trade.StatusExecuted, trade.StatusClosed)
	if err != nil {
		return false, "", err
	}
	if count >= cfg.Max {
		return false, fmt.Sprintf("Daily trade limit reached: %d/%d", count, cfg.Max), nil
	}
	return true, fmt.Sprintf("Daily trades: %d/%d", count, cfg.Max), nil
}

func (m *Manager) checkDailyLoss(s *snapshot, balance float64) (bool, string, error) {
	return m.checkLossLimit(s, balance, "Daily", m.cfg.DailyLoss, DayStart(s.now))
}

func (m *Manager) checkWeeklyLoss(s *snapshot, balance float64) (bool, string, error) {
	return m.checkLossLimit(s, balance, "Weekly", m.cfg.WeeklyLoss, WeekStart(s.now))
}

func (m *Manager) checkLossLimit(s *snapshot, balance float64, label string, cfg config.LossLimitConfig, since time.Time) (bool, string, error) {
	if !cfg.Enabled {
		return true, label + " loss limit disabled", nil
	}
	closed, err := m.history.SumClosedPnLSince(s.ctx, since)
	if err != nil {
		return false, "", err
	}
	unrealized := s.unrealizedPnL()
	total := closed + unrealized
	limit := balance * cfg.Pct
	if total <= -limit {
		return false, fmt.Sprintf("%s loss limit reached: $%.2f (closed: $%.2f, unrealized: $%.2f, limit: -$%.2f)",
			label, total, closed, unrealized, limit), nil
	}
	return true, fmt.Sprintf("%s P&L: $%.2f (limit: -$%.2f)", label, total, limit), nil
}

// Status reports the admission state for operators. CanTrade reflects every
// check except the strategy-scoped cooldown.
func (m *Manager) Status(ctx context.Context, balance float64) (trade.CooldownStatus, error) {
	s := &snapshot{m: m, ctx: ctx, now: m.nowFn().UTC()}
	out := trade.CooldownStatus{
		DailyTradeLimit: m.cfg.DailyTrades.Max,
		DailyLossLimit:  balance * m.cfg.DailyLoss.Pct,
		CheckedAt:       s.now,
	}
	active, st, hours, remaining, err := m.cooldown(s)
	if err != nil {
		return out, err
	}
	out.ConsecutiveLosses = st.losses
	if m.cfg.Cooldown.Enabled && active {
		out.ActiveCooldown = fmt.Sprintf("%d consecutive losses -> %gh cooldown", st.losses, hours)
		out.RemainingMinutes = math.Round(remaining.Minutes()*10) / 10
	}
	if out.DailyTradeCount, err = m.history.CountCreatedSince(ctx, DayStart(s.now), trade.StatusExecuted, trade.StatusClosed); err != nil {
		return out, err
	}
	if out.DailyPnL, err = m.history.SumClosedPnLSince(ctx, DayStart(s.now)); err != nil {
		return out, err
	}
	out.CanTrade, out.Reason = m.CanTrade(ctx, balance, "")
	return out, nil
}

// DayStart is 00:00 UTC of t's day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart is Monday 00:00 UTC of t's week.
func WeekStart(t time.Time) time.Time {
	day := DayStart(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
