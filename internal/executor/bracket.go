package executor

import (
	"tradegate/internal/gateway/broker"
	"tradegate/internal/instrument"
	"tradegate/internal/pkg/pricemath"
	"tradegate/internal/sizing"
	"tradegate/internal/trade"
)

// bracketPlan is the priced bracket of one submission.
type bracketPlan struct {
	style        trade.BracketStyle
	long         bool
	entry        float64
	stopPrice    float64
	targetPrice  float64
	target1Price float64
	size         float64
	targets      []broker.TargetLeg
}

// rowTarget is the fixed final target recorded on the row; runners have none.
func (p bracketPlan) rowTarget() float64 {
	if p.style == trade.BracketRunner {
		return 0
	}
	return p.targetPrice
}

// planTargets picks the bracket shape. A split needs both parts to clear the
// instrument minimum and target 1 to sit inside the final target; otherwise
// the plan falls back to a single target.
func (e *Executor) planTargets(p *bracketPlan, spec instrument.Spec, strategy string, stopDist, targetDist float64) {
	p.style = trade.BracketSimple
	p.targets = []broker.TargetLeg{{Price: p.targetPrice, Size: p.size}}

	pt := e.cfg.PartialTarget
	runner := e.cfg.IsRunner(strategy)
	if !pt.Enabled && !runner {
		return
	}
	tp1Dist := stopDist * pt.RMultiple
	if tp1Dist <= 0 || tp1Dist >= targetDist {
		return
	}
	tp1Size, tp2Size, ok := sizing.Split(p.size, pt.Pct, spec)
	if !ok {
		return
	}
	p.target1Price = pricemath.Round(pricemath.TargetPrice(p.entry, tp1Dist, p.long), spec.PriceDecimals())
	if runner {
		p.style = trade.BracketRunner
		p.targets = []broker.TargetLeg{{Price: p.target1Price, Size: tp1Size}}
		return
	}
	p.style = trade.BracketSplit
	p.targets = []broker.TargetLeg{
		{Price: p.target1Price, Size: tp1Size},
		{Price: p.targetPrice, Size: tp2Size},
	}
}
