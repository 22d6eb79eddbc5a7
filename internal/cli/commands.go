package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fusion-trader/internal/ledger"
	"fusion-trader/internal/model"
	"fusion-trader/internal/risk"
	"fusion-trader/internal/service"
	"fusion-trader/internal/status"
)

const version = "0.4.0"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var configDir, logLevel string

	rootCmd := &cobra.Command{
		Use:   "fusion-trader",
		Short: "Rule-based trading decision engine",
		Long: `fusion-trader fuses technical indicators and news sentiment into scored trade candidates,
sizes them against a per-trade risk budget and passes each one through a risk gate before
submitting it. Open trades are managed to their stop, target or holding limit.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "Directory holding config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	load := func() (*service.Config, error) {
		cfg, err := service.LoadConfig(configDir)
		if err != nil {
			return nil, err
		}
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		service.InitLogger(level)
		return cfg, nil
	}

	rootCmd.AddCommand(newRunCmd(load))
	rootCmd.AddCommand(newLedgerCmd(load))
	rootCmd.AddCommand(newStatusCmd(load))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

type loader func() (*service.Config, error)

func newRunCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the market-data pipeline and every configured instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer service.Logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			service.Logger.Sugar().Infow("fusion-trader starting", "instances", instanceNames(cfg), "version", version)
			return app.Run(ctx)
		},
	}
}

// ledgerReport is what the ledger command prints.
type ledgerReport struct {
	Summary ledger.Summary `json:"summary"`
	Records []recordView   `json:"records,omitempty"`
}

type recordView struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	ExitTime    time.Time `json:"exit_time"`
	RealizedPnL float64   `json:"realized_pnl"`
	PnLPct      float64   `json:"pnl_pct"`
	ExitReason  string    `json:"exit_reason"`
	Holding     string    `json:"holding"`
}

func newLedgerCmd(load loader) *cobra.Command {
	var (
		symbol   string
		since    time.Duration
		limit    int
		withRows bool
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Summarize closed trades from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if cfg.Ledger.Driver == "" || cfg.Ledger.Driver == "memory" {
				return errors.New("the memory ledger only lives inside a running engine: " +
					"set Ledger.Driver to postgres, or read GET /ledger from the status server")
			}

			var closers []func() error
			l, err := openLedger(ctx, cfg.Ledger, &closers)
			if err != nil {
				return err
			}
			defer func() {
				for _, c := range closers {
					_ = c()
				}
			}()

			f := ledger.Filter{Symbol: symbol, Limit: limit}
			if since > 0 {
				f.From = time.Now().Add(-since)
			}
			records, err := l.Query(ctx, f)
			if err != nil {
				return fmt.Errorf("query ledger: %w", err)
			}

			report := newLedgerReport(records, withRows)
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Only trades in this symbol")
	cmd.Flags().DurationVar(&since, "since", 0, "Only trades closed within this window, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of trades (0 for all)")
	cmd.Flags().BoolVar(&withRows, "records", false, "Include the individual trades")
	return cmd
}

func newLedgerReport(records []model.ClosedTradeRecord, withRows bool) ledgerReport {
	report := ledgerReport{Summary: ledger.Summarize(records)}
	if !withRows {
		return report
	}
	for _, r := range records {
		report.Records = append(report.Records, recordView{
			ID:          r.ID,
			Symbol:      r.Symbol,
			Side:        string(r.Side),
			Quantity:    r.Quantity,
			EntryPrice:  r.EntryPrice,
			ExitPrice:   r.ExitPrice,
			ExitTime:    r.ExitTime,
			RealizedPnL: r.RealizedPnL,
			PnLPct:      r.RealizedPnLPct,
			ExitReason:  string(r.ExitReason),
			Holding:     r.HoldingDuration.String(),
		})
	}
	return report
}

func newStatusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status [INSTANCE...]",
		Short: "Show the last published risk gate status from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return errors.New("status needs Redis.Enabled: the gate status is read from Redis")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			client := status.NewRedisClient(cfg.Redis)
			defer client.Close()
			pub := status.NewRedisPublisher(client, cfg.Redis, service.Logger.Sugar())

			names := args
			if len(names) == 0 {
				names = instanceNames(cfg)
			}
			sort.Strings(names)

			out := make(map[string]*risk.Status, len(names))
			for _, name := range names {
				st, err := pub.Latest(ctx, name)
				if errors.Is(err, status.ErrNoStatus) {
					out[name] = nil
					continue
				}
				if err != nil {
					return err
				}
				out[name] = &st
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fusion-trader v%s\n", version)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
