package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/handler"
	"wata/internal/store"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate open positions, close on thresholds and sync the ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.handler.RunMonitor(cmd.Context())
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile ledger positions with the broker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.handler.RunSync(cmd.Context())
	},
}

var closeCmd = &cobra.Command{
	Use:       "close [long|short]",
	Short:     "Close managed positions, optionally of one direction",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(domain.ActionLong), string(domain.ActionShort)},
	RunE: func(cmd *cobra.Command, args []string) error {
		var direction domain.Action
		if len(args) == 1 {
			direction = domain.Action(args[0])
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.handler.RunClose(cmd.Context(), direction)
	},
}

var statsDays int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print closed-position statistics from the ledger",
	Long:  "Stats reads the local ledger only and does not contact the broker.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		loc, err := cfg.Trade.Location()
		if err != nil {
			return err
		}
		ledger, err := store.OpenSQLiteLedger(cfg.Storage.SQLitePath, loc)
		if err != nil {
			return err
		}
		defer ledger.Close()

		ctx := cmd.Context()
		today, err := ledger.GetDayStats(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("daily stats: %w", err)
		}
		days, err := ledger.GetPercentOfLastNDays(ctx, statsDays)
		if err != nil {
			return fmt.Errorf("daily stats: %w", err)
		}
		printf(cmd, "%s\n", handler.FormatDailyStats(today, days))
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVarP(&statsDays, "days", "d", 7, "number of days of compounded percent to show")
}
