// Package sizing turns account balance and stop distance into a position size.
package sizing

import (
	"math"

	"tradegate/internal/config"
	"tradegate/internal/instrument"
	"tradegate/internal/trade"
)

// Sizer applies fixed-fractional risk: balance * riskPct(conviction) is the
// most the position may lose if the stop is hit.
type Sizer struct {
	cfg config.RiskConfig
}

func New(cfg config.RiskConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// RiskPct returns the fraction of balance risked for a conviction label.
// With conviction sizing off every label uses the base percentage.
func (s *Sizer) RiskPct(c trade.Conviction) float64 {
	if !s.cfg.ConvictionSizing {
		return s.cfg.BasePct
	}
	switch c {
	case trade.ConvictionHigh:
		return s.cfg.BasePct * s.cfg.Conviction.High
	case trade.ConvictionLow:
		return s.cfg.BasePct * s.cfg.Conviction.Low
	default:
		return s.cfg.BasePct * s.cfg.Conviction.Medium
	}
}

// Size returns the position size, always within [MinSize, MaxSize] of spec.
func (s *Sizer) Size(balance, stopDistance float64, spec instrument.Spec, c trade.Conviction) float64 {
	if stopDistance <= 0 || balance <= 0 || math.IsNaN(stopDistance) || math.IsNaN(balance) {
		return spec.MinSize
	}
	mult := spec.Multiplier
	if mult <= 0 {
		mult = 1
	}
	risk := balance * s.RiskPct(c)
	raw := risk / (stopDistance * mult)
	if spec.MaxSize > 0 {
		raw = math.Min(raw, spec.MaxSize)
	}
	return spec.ClampSize(spec.RoundSize(raw))
}

// Split divides size into the target-1 and target-2 parts. ok is false when
// either part would fall below the instrument minimum.
func Split(size, pct float64, spec instrument.Spec) (tp1, tp2 float64, ok bool) {
	if pct <= 0 || pct >= 1 {
		return 0, 0, false
	}
	tp1 = spec.RoundSize(size * pct)
	tp2 = size - tp1
	if tp1 < spec.MinSize || tp2 < spec.MinSize {
		return 0, 0, false
	}
	return tp1, tp2, true
}
