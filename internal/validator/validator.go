// Package validator checks resolved trade parameters against instrument bounds.
package validator

import (
	"strconv"
	"strings"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/trade"
)

// Input is a trade after stop and target distances were resolved.
// Size is nil when the sizer will choose it.
type Input struct {
	Direction      trade.Direction
	StopDistance   float64
	TargetDistance float64
	Size           *float64
}

type Validator struct {
	cfg   config.ExecutionConfig
	nowFn func() time.Time
}

func New(cfg config.ExecutionConfig) *Validator {
	return &Validator{cfg: cfg, nowFn: time.Now}
}

// SetClock overrides the session clock, for tests.
func (v *Validator) SetClock(fn func() time.Time) {
	if fn != nil {
		v.nowFn = fn
	}
}

// Validate returns a *trade.RejectionError listing every violated rule, or nil.
// A closed session short-circuits before the other checks.
func (v *Validator) Validate(spec instrument.Spec, in Input) error {
	if v.cfg.SessionFilter {
		active, reason := spec.SessionActive(v.nowFn())
		if !active {
			return trade.Reject("%s", reason)
		}
		if strings.HasPrefix(reason, "Warning:") {
			logger.Warnf("%s", reason)
		}
	}

	var errs []string
	if _, err := trade.ParseDirection(string(in.Direction)); err != nil {
		errs = append(errs, err.Error())
	}
	sd := in.StopDistance
	switch {
	case sd <= 0:
		errs = append(errs, "Stop loss is required")
	case sd < spec.MinStop:
		errs = append(errs, "Stop distance "+num(sd)+" below min "+num(spec.MinStop))
	case sd > spec.MaxStop:
		errs = append(errs, "Stop distance "+num(sd)+" above max "+num(spec.MaxStop))
	}
	if sd > 0 && in.TargetDistance > 0 && v.cfg.MinRewardRisk > 0 {
		rr := in.TargetDistance / sd
		if rr < v.cfg.MinRewardRisk {
			errs = append(errs, "R:R ratio "+strconv.FormatFloat(rr, 'f', 2, 64)+" below minimum 1:"+num(v.cfg.MinRewardRisk))
		}
	}
	if in.Size != nil {
		size := *in.Size
		if size > spec.MaxSize {
			errs = append(errs, "Size "+num(size)+" exceeds max "+num(spec.MaxSize))
		}
		if size < spec.MinSize {
			errs = append(errs, "Size "+num(size)+" below min "+num(spec.MinSize))
		}
	}
	if len(errs) > 0 {
		return trade.Reject("%s", strings.Join(errs, "; "))
	}
	return nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
