// Package stops derives stop and target distances from recent volatility.
package stops

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/trade"

	"github.com/markcheno/go-talib"
	"golang.org/x/sync/singleflight"
)

// BarSource supplies daily bars; broker.Gateway satisfies it.
type BarSource interface {
	DailyBars(ctx context.Context, spec instrument.Spec, days int) ([]broker.Bar, error)
}

// Distances is a resolved stop/target pair in price units.
type Distances struct {
	Stop   float64
	Target float64
	ATR    float64
}

type cachedATR struct {
	value   float64
	fetched time.Time
}

// Calculator computes ATR-based distances with a per-instrument TTL cache.
type Calculator struct {
	cfg    config.StopsConfig
	source BarSource
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedATR
	// since measures cache age; time.Since reads the monotonic clock.
	since func(time.Time) time.Duration
	now   func() time.Time
}

func NewCalculator(cfg config.StopsConfig, source BarSource) *Calculator {
	return &Calculator{
		cfg:    cfg,
		source: source,
		cache:  make(map[string]cachedATR),
		since:  time.Since,
		now:    time.Now,
	}
}

// Resolve returns ATR-derived distances for spec. ok is false when disabled or
// when history is unavailable; callers then fall back to static defaults.
func (c *Calculator) Resolve(ctx context.Context, spec instrument.Spec) (Distances, bool) {
	if c == nil || !c.cfg.Enabled || c.source == nil {
		return Distances{}, false
	}
	atr, err := c.atr(ctx, spec)
	if err != nil {
		logger.Warnf("%v", &trade.TransientFetchError{Source: "atr " + spec.Key, Err: err})
		return Distances{}, false
	}
	stop := spec.ClampStop(atr * c.cfg.StopMultiplier)
	target := math.Max(stop, atr*c.cfg.TargetMultiplier)
	logger.Infof("%s ATR(%d)=%.4f -> SL=%.4f, TP=%.4f", spec.Key, c.cfg.Period, atr, stop, target)
	return Distances{Stop: stop, Target: target, ATR: atr}, true
}

func (c *Calculator) atr(ctx context.Context, spec instrument.Spec) (float64, error) {
	c.mu.RLock()
	hit, ok := c.cache[spec.Key]
	c.mu.RUnlock()
	if ok && c.since(hit.fetched) < c.cfg.CacheTTL() {
		return hit.value, nil
	}
	v, err, _ := c.group.Do(spec.Key, func() (any, error) {
		bars, err := c.source.DailyBars(ctx, spec, c.cfg.LookbackDays)
		if err != nil {
			return 0.0, err
		}
		value, err := AverageTrueRange(bars, c.cfg.Period)
		if err != nil {
			return 0.0, err
		}
		c.mu.Lock()
		c.cache[spec.Key] = cachedATR{value: value, fetched: c.now()}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Invalidate drops the cached value for key.
func (c *Calculator) Invalidate(key string) {
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}

// AverageTrueRange is the simple mean of the last period true ranges.
func AverageTrueRange(bars []broker.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr period must be > 0")
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("insufficient data for ATR(%d): got %d bars", period, len(bars))
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	// TRange leaves index 0 empty: the first bar has no previous close.
	tr := talib.TRange(highs, lows, closes)
	avg := talib.Sma(tr[1:], period)
	last := avg[len(avg)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) || last <= 0 {
		return 0, fmt.Errorf("atr(%d) not usable: %v", period, last)
	}
	return last, nil
}
