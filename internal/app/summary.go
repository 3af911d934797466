package app

import (
	"fmt"
	"strings"

	"tradegate/internal/config"
	"tradegate/internal/instrument"
)

type StartupSummary struct {
	Mode        string
	HTTPAddr    string
	LedgerPath  string
	Instruments []InstrumentSummary
	Risk        []string
	Execution   []string
	Notify      string
	Reconcile   string
}

type InstrumentSummary struct {
	Key      string
	Name     string
	Size     string
	Stops    string
	Sessions string
}

func newStartupSummary(cfg *config.Config, catalog *instrument.Catalog) *StartupSummary {
	s := &StartupSummary{
		Mode:       cfg.App.Mode,
		HTTPAddr:   cfg.App.HTTPAddr,
		LedgerPath: cfg.Ledger.Path,
		Notify:     "disabled",
		Reconcile:  "disabled",
	}
	if catalog != nil {
		for _, spec := range catalog.All() {
			s.Instruments = append(s.Instruments, summarizeInstrument(spec))
		}
	}
	r := cfg.Risk
	s.Risk = append(s.Risk, fmt.Sprintf("base risk %.2f%% (fallback balance %.0f)", r.BasePct*100, r.FallbackBalance))
	if r.Cooldown.Enabled {
		s.Risk = append(s.Risk, fmt.Sprintf("cooldown after %d losses, %.1fh base", r.Cooldown.AfterLosses, r.Cooldown.BaseHours))
	}
	if r.ScalpCooldown.Enabled {
		s.Risk = append(s.Risk, fmt.Sprintf("%s cooldown after %d losses, %.0fm base", r.ScalpCooldown.Strategy, r.ScalpCooldown.AfterLosses, r.ScalpCooldown.BaseMinutes))
	}
	if r.DailyTrades.Enabled {
		s.Risk = append(s.Risk, fmt.Sprintf("max %d trades/day", r.DailyTrades.Max))
	}
	if r.DailyLoss.Enabled {
		s.Risk = append(s.Risk, fmt.Sprintf("daily loss limit %.1f%%", r.DailyLoss.Pct*100))
	}
	if r.WeeklyLoss.Enabled {
		s.Risk = append(s.Risk, fmt.Sprintf("weekly loss limit %.1f%%", r.WeeklyLoss.Pct*100))
	}
	e := cfg.Execution
	if e.SpreadCheck {
		s.Execution = append(s.Execution, fmt.Sprintf("spread <= %.0f%% of stop", e.MaxSpreadRatio*100))
	}
	s.Execution = append(s.Execution, fmt.Sprintf("min reward:risk %.2f", e.MinRewardRisk))
	if e.PartialTarget.Enabled {
		s.Execution = append(s.Execution, fmt.Sprintf("partial target %.0f%% at %.1fR", e.PartialTarget.Pct*100, e.PartialTarget.RMultiple))
	}
	if len(e.RunnerStrategies) > 0 {
		s.Execution = append(s.Execution, "runner strategies: "+strings.Join(e.RunnerStrategies, ", "))
	}
	if cfg.Notify.Telegram.Enabled {
		s.Notify = "telegram"
	}
	if cfg.Reconcile.Enabled {
		s.Reconcile = fmt.Sprintf("every %s", cfg.Reconcile.Interval())
	}
	return s
}

func summarizeInstrument(spec instrument.Spec) InstrumentSummary {
	sessions := "24h"
	if len(spec.Sessions) > 0 {
		parts := make([]string, 0, len(spec.Sessions))
		for _, sess := range spec.Sessions {
			parts = append(parts, fmt.Sprintf("%s %02d-%02d", sess.Name, sess.StartHourUTC, sess.EndHourUTC))
		}
		sessions = strings.Join(parts, ", ")
	}
	name := spec.DisplayName
	if name == "" {
		name = spec.Key
	}
	return InstrumentSummary{
		Key:      spec.Key,
		Name:     name,
		Size:     fmt.Sprintf("%g-%g", spec.MinSize, spec.MaxSize),
		Stops:    fmt.Sprintf("%g/%g (bounds %g-%g)", spec.DefaultStop, spec.DefaultTarget, spec.MinStop, spec.MaxStop),
		Sessions: sessions,
	}
}

func (s *StartupSummary) Render() string {
	var b strings.Builder
	line := strings.Repeat("=", 80)
	b.WriteString(line + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len("STARTUP SUMMARY")/2, "STARTUP SUMMARY")
	b.WriteString(line + "\n")

	b.WriteString("[SERVICE]\n")
	fmt.Fprintf(&b, "  mode: %s\n", s.Mode)
	fmt.Fprintf(&b, "  http: %s\n", orDash(s.HTTPAddr))
	fmt.Fprintf(&b, "  ledger: %s\n", s.LedgerPath)
	fmt.Fprintf(&b, "  notify: %s\n", s.Notify)
	fmt.Fprintf(&b, "  reconcile: %s\n\n", s.Reconcile)

	b.WriteString("[INSTRUMENTS]\n")
	if len(s.Instruments) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, ins := range s.Instruments {
		fmt.Fprintf(&b, "  > %s (%s) size %s stop/target %s sessions %s\n", ins.Key, ins.Name, ins.Size, ins.Stops, ins.Sessions)
	}
	b.WriteString("\n[RISK]\n")
	writeList(&b, s.Risk)
	b.WriteString("\n[EXECUTION]\n")
	writeList(&b, s.Execution)
	b.WriteString(line + "\n")
	return b.String()
}

func (s *StartupSummary) Print() {
	fmt.Print(s.Render())
}

func writeList(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("  - (none)\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
