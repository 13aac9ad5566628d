package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"ml-trading-bot/internal/eod"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/tradelog"
	"ml-trading-bot/internal/types"
)

var version = "dev"

// Exit codes for `bot run`.
const (
	exitOK           = 0
	exitFailure      = 1
	exitConnectivity = 2
	exitStateCorrupt = 3
)

func main() {
	os.Exit(execute())
}

func execute() int {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, types.ErrBrokerConnectivity):
		return exitConnectivity
	case errors.Is(err, types.ErrStateCorrupt):
		return exitStateCorrupt
	}
	return exitFailure
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bot",
		Short:         "ML trading decision engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeSystem()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = logger.Shutdown(ctx)
		},
	}
	root.PersistentFlags().String("config", "config.yaml", "path to config file")

	root.AddCommand(newRunCmd(), newSummaryCmd(), newEODCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the decision loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, path)
		},
	}
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the performance summary from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, path)
			if err != nil {
				return err
			}
			led, closeLedger, err := openLedger(ctx, cfg, tradelog.New(tradelog.Dir()))
			if err != nil {
				return err
			}
			defer closeLedger()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(led.Summary())
		},
	}
}

func newEODCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eod",
		Short: "Write the end-of-day CSV summary for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			date, _ := cmd.Flags().GetString("date")
			cfg, err := loadConfig(cmd.Context(), path)
			if err != nil {
				return err
			}
			day := time.Now().In(tradelog.IST)
			if date != "" {
				if day, err = time.ParseInLocation("2006-01-02", date, tradelog.IST); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}
			if _, err := initializeEOD(tradelog.New(tradelog.Dir()), cfg); err != nil {
				return err
			}
			p, err := eod.SummarizeDay(day)
			if err != nil {
				return err
			}
			if p == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no trades on", day.Format("2006-01-02"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().String("date", "", "day to summarize, YYYY-MM-DD in IST (today if empty)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ml-trading-bot", version)
		},
	}
}
