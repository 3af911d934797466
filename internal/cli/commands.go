package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"tradegate/internal/config"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.buildApp()
			if err != nil {
				return err
			}
			defer logger.Close()
			return a.Run(cmd.Context())
		},
	}
}

func newCooldownCmd(opts *rootOptions) *cobra.Command {
	var balance float64
	cmd := &cobra.Command{
		Use:   "cooldown",
		Short: "Show whether new trades are currently allowed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.buildApp()
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Executor().CooldownStatus(cmd.Context(), balance)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(opts.out, 0, 2, 2, ' ', 0)
			fmt.Fprintf(w, "can trade:\t%t\n", st.CanTrade)
			fmt.Fprintf(w, "reason:\t%s\n", st.Reason)
			if st.ActiveCooldown != "" {
				fmt.Fprintf(w, "cooldown:\t%s (%.0f min left)\n", st.ActiveCooldown, st.RemainingMinutes)
			}
			fmt.Fprintf(w, "consecutive losses:\t%d\n", st.ConsecutiveLosses)
			fmt.Fprintf(w, "trades today:\t%d / %d\n", st.DailyTradeCount, st.DailyTradeLimit)
			fmt.Fprintf(w, "P&L today:\t%.2f (limit -%.2f)\n", st.DailyPnL, st.DailyLossLimit)
			return w.Flush()
		},
	}
	cmd.Flags().Float64Var(&balance, "balance", 0, "account balance to evaluate against (default: broker net liquidation)")
	return cmd
}

func newInstrumentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "instruments",
		Short: "List the instrument catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			catalog, err := instrument.Load(cfg.Instruments.Path, cfg.Instruments.Default)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(opts.out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tCLASS\tSIZE\tSTOP/TARGET\tSESSIONS")
			for _, spec := range catalog.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%g-%g\t%g/%g\t%s\n",
					spec.Key, spec.DisplayName, spec.AssetClass, spec.MinSize, spec.MaxSize,
					spec.DefaultStop, spec.DefaultTarget, sessionList(spec))
			}
			return w.Flush()
		},
	}
}

func sessionList(spec instrument.Spec) string {
	if len(spec.Sessions) == 0 {
		return "24h"
	}
	parts := make([]string, 0, len(spec.Sessions))
	for _, s := range spec.Sessions {
		parts = append(parts, fmt.Sprintf("%s %02d-%02d", s.Name, s.StartHourUTC, s.EndHourUTC))
	}
	return strings.Join(parts, ", ")
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the ledger with broker positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.buildApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if !once {
				return a.Monitor().Run(cmd.Context())
			}
			report, err := a.Monitor().Tick(cmd.Context())
			fmt.Fprintf(opts.out, "closed=%v partial=%v filled=%v cancelled=%v\n",
				report.Closed, report.Partial, report.Filled, report.Cancelled)
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "config ok: mode=%s ledger=%s http=%s\n", cfg.App.Mode, cfg.Ledger.Path, cfg.App.HTTPAddr)
			return nil
		},
	})
	return cmd
}
