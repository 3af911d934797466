package instrument

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type AssetClass string

const (
	Commodity AssetClass = "CMDTY"
	Future    AssetClass = "FUT"
	CFD       AssetClass = "CFD"
	Cash      AssetClass = "CASH"
	Stock     AssetClass = "STK"
)

// cashLot is the rounding block for spot FX sizes.
const cashLot = 1000

type Session struct {
	Name         string `yaml:"name" json:"name"`
	StartHourUTC int    `yaml:"start_hour_utc" json:"start_hour_utc"`
	EndHourUTC   int    `yaml:"end_hour_utc" json:"end_hour_utc"`
}

// Contains reports whether hour falls in [start, end), wrapping past midnight when end < start.
func (s Session) Contains(hour int) bool {
	if s.StartHourUTC <= s.EndHourUTC {
		return hour >= s.StartHourUTC && hour < s.EndHourUTC
	}
	return hour >= s.StartHourUTC || hour < s.EndHourUTC
}

func (s Session) String() string {
	return fmt.Sprintf("%s (%02d-%02d UTC)", s.Name, s.StartHourUTC, s.EndHourUTC)
}

// Spec is the immutable trading parameter set of one instrument.
type Spec struct {
	Key              string     `yaml:"key" json:"key"`
	Symbol           string     `yaml:"symbol" json:"symbol"`
	AssetClass       AssetClass `yaml:"asset_class" json:"asset_class"`
	Exchange         string     `yaml:"exchange" json:"exchange"`
	Currency         string     `yaml:"currency" json:"currency"`
	Multiplier       float64    `yaml:"multiplier" json:"multiplier"`
	MinSize          float64    `yaml:"min_size" json:"min_size"`
	MaxSize          float64    `yaml:"max_size" json:"max_size"`
	DefaultStop      float64    `yaml:"default_stop" json:"default_stop"`
	DefaultTarget    float64    `yaml:"default_target" json:"default_target"`
	MinStop          float64    `yaml:"min_stop" json:"min_stop"`
	MaxStop          float64    `yaml:"max_stop" json:"max_stop"`
	DisplayName      string     `yaml:"display_name" json:"display_name"`
	SizeUnit         string     `yaml:"size_unit" json:"size_unit"`
	FutureCycle      string     `yaml:"future_cycle" json:"future_cycle,omitempty"`
	WarnLowLiquidity bool       `yaml:"warn_low_liquidity" json:"warn_low_liquidity"`
	Sessions         []Session  `yaml:"sessions" json:"sessions"`
}

// RoundSize rounds a raw size to the instrument's tradable granularity.
func (s Spec) RoundSize(raw float64) float64 {
	if s.AssetClass == Cash {
		return math.Round(raw/cashLot) * cashLot
	}
	return math.Round(raw)
}

// ClampSize caps at MaxSize and floors at MinSize.
func (s Spec) ClampSize(size float64) float64 {
	if s.MaxSize > 0 && size > s.MaxSize {
		size = s.MaxSize
	}
	if size < s.MinSize {
		size = s.MinSize
	}
	return size
}

// ClampStop bounds a stop distance to [MinStop, MaxStop].
func (s Spec) ClampStop(dist float64) float64 {
	return math.Max(s.MinStop, math.Min(s.MaxStop, dist))
}

// PriceDecimals is the number of decimals used when displaying and rounding prices.
func (s Spec) PriceDecimals() int32 {
	switch {
	case s.AssetClass == Cash && strings.EqualFold(s.Currency, "JPY"):
		return 3
	case s.AssetClass == Cash:
		return 5
	default:
		return 2
	}
}

// SessionActive reports whether now falls inside one of the trading sessions.
// An empty session list means the instrument trades around the clock.
func (s Spec) SessionActive(now time.Time) (bool, string) {
	now = now.UTC()
	hour := now.Hour()
	if len(s.Sessions) == 0 {
		if s.WarnLowLiquidity && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
			return true, fmt.Sprintf("Warning: %s weekend, low liquidity expected", s.Key)
		}
		return true, fmt.Sprintf("%s trades 24/7", s.Key)
	}
	for _, sess := range s.Sessions {
		if sess.Contains(hour) {
			return true, fmt.Sprintf("%s in %s session (%02d-%02d UTC)", s.Key, sess.Name, sess.StartHourUTC, sess.EndHourUTC)
		}
	}
	names := make([]string, 0, len(s.Sessions))
	for _, sess := range s.Sessions {
		names = append(names, sess.String())
	}
	return false, fmt.Sprintf("%s outside active sessions. Sessions: %s. Current: %02d:00 UTC",
		s.Key, strings.Join(names, ", "), hour)
}

var cycleMonths = map[rune]time.Month{
	'F': time.January, 'G': time.February, 'H': time.March, 'J': time.April,
	'K': time.May, 'M': time.June, 'N': time.July, 'Q': time.August,
	'U': time.September, 'V': time.October, 'X': time.November, 'Z': time.December,
}

// ContractMonth returns YYYYMM of the front futures contract, rolling five
// days ahead of the mid-month expiry. Non-futures return "".
func (s Spec) ContractMonth(now time.Time) string {
	if s.AssetClass != Future || s.FutureCycle == "" {
		return ""
	}
	months := make([]int, 0, len(s.FutureCycle))
	for _, c := range s.FutureCycle {
		if m, ok := cycleMonths[c]; ok {
			months = append(months, int(m))
		}
	}
	if len(months) == 0 {
		return ""
	}
	sort.Ints(months)
	roll := now.UTC().AddDate(0, 0, 5)
	for _, m := range months {
		if m > int(roll.Month()) || (m == int(roll.Month()) && roll.Day() <= 15) {
			return fmt.Sprintf("%d%02d", roll.Year(), m)
		}
	}
	return fmt.Sprintf("%d%02d", roll.Year()+1, months[0])
}

