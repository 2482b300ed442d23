package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantrove/upbot/api"
	"github.com/quantrove/upbot/bot"
	"github.com/quantrove/upbot/broker"
	"github.com/quantrove/upbot/broker/upbit"
	"github.com/quantrove/upbot/config"
	"github.com/quantrove/upbot/guards"
	"github.com/quantrove/upbot/indicators"
	"github.com/quantrove/upbot/journal"
	"github.com/quantrove/upbot/market"
	"github.com/quantrove/upbot/position"
	"github.com/quantrove/upbot/risk"
	"github.com/quantrove/upbot/store"
	"github.com/quantrove/upbot/strategies"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading loop",
	Long: `Run the control loop against live market data.

With --paper, orders go to an in-process simulated exchange filled at the
live mark price; no credentials are needed. Without it, orders go to the
real Upbit account identified by UPBIT_ACCESS_KEY / UPBIT_SECRET_KEY.

Example:
  upbot run --config upbot.yaml --paper --cash 10000000`,
	RunE: runRun,
}

var (
	runConfigPath string
	runPaper      bool
	runPaperCash  float64
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "upbot.yaml", "path to config file")
	runCmd.Flags().BoolVar(&runPaper, "paper", false, "trade against a simulated exchange")
	runCmd.Flags().Float64Var(&runPaperCash, "cash", 10_000_000, "starting cash for --paper, in quote currency")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	interval, err := cfg.BarInterval()
	if err != nil {
		return err
	}
	inst := cfg.Instrument()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLite(cfg.Store.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	jrnl, err := journal.NewSQLite(cfg.Store.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	ledger, err := risk.NewLedger(risk.Config{
		RiskFraction: cfg.Risk.RiskFraction,
		DailyStopR:   cfg.Risk.DailyStopR,
		WeeklyStopR:  cfg.Risk.WeeklyStopR,
		Timezone:     cfg.Risk.Timezone,
		Instrument:   inst,
	}, st, logger)
	if err != nil {
		return fmt.Errorf("risk ledger: %w", err)
	}

	// Market data is public; the data client never needs credentials.
	var creds upbit.Credentials
	var paper *broker.Paper
	var exchange broker.Exchange
	if runPaper {
		paper = broker.NewPaper(inst, runPaperCash, 0, 5)
		exchange = paper
		logger.Info().Float64("cash", runPaperCash).Msg("paper trading mode")
	} else {
		access, secret, err := config.LoadCredentials()
		if err != nil {
			return err
		}
		creds = upbit.Credentials{AccessKey: access, SecretKey: secret}
		exchange = upbit.NewClient(creds, logger)
	}
	safe := guards.NewSafeExchange(exchange, guards.DefaultConfig(), logger)

	machine, err := position.NewMachine(cfg.Market, inst, safe, st, logger)
	if err != nil {
		return fmt.Errorf("position machine: %w", err)
	}

	strat, err := strategies.ByName(cfg.Strategy.Name, strategies.Params{
		InitialStopATR:      cfg.Strategy.InitialStopATR,
		BreakoutStopATR:     cfg.Strategy.BreakoutStopATR,
		BreakoutATRFraction: cfg.Strategy.BreakoutATRFraction,
		MinVolumeRatio:      cfg.Strategy.MinVolumeRatio,
		RSIOversold:         cfg.Strategy.RSIOversold,
		RSIOverbought:       cfg.Strategy.RSIOverbought,
		RangeBandATR:        cfg.Strategy.RangeBandATR,
	})
	if err != nil {
		return err
	}

	stops := risk.DefaultStopConfig()
	if cfg.Strategy.InitialStopATR > 0 {
		stops.InitialStopATR = cfg.Strategy.InitialStopATR
	}
	if cfg.Risk.TrailStopATR > 0 {
		stops.TrailStopATR = cfg.Risk.TrailStopATR
	}

	loopCfg := bot.DefaultConfig(cfg.Market)
	if cfg.Strategy.MinConfidence > 0 {
		loopCfg.MinConfidence = cfg.Strategy.MinConfidence
	}
	engine := bot.NewEngine(
		loopCfg, inst, safe, ledger, machine, strat,
		indicators.NewTracker(indicators.DefaultTrackerConfig()),
		stops, jrnl, logger,
	)

	server := api.NewServer(cfg.API.Listen, engine, jrnl, logger)
	errc := make(chan error, 2)
	go func() { errc <- server.Run(ctx) }()

	// Ticker stream keeps the mark price fresh for metrics and, in
	// paper mode, for simulated fills.
	ticks := upbit.NewTickerStream(cfg.Market, logger).Run(ctx)
	go func() {
		for t := range ticks {
			if paper != nil {
				paper.SetMark(t.Price)
			}
		}
	}()

	feed := upbit.NewCandleFeed(upbit.NewClient(creds, logger), cfg.Market, interval, logger)
	bars := feed.Run(ctx)
	if paper != nil {
		bars = markOnClose(paper, bars)
	}

	go func() { errc <- engine.Run(ctx, bars) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	case err := <-errc:
		stop()
		return err
	}
}

// markOnClose updates the paper exchange's mark with each bar close so
// simulated fills track the same prices the loop decides on.
func markOnClose(paper *broker.Paper, in <-chan market.Bar) <-chan market.Bar {
	out := make(chan market.Bar)
	go func() {
		defer close(out)
		for b := range in {
			paper.SetMark(b.Close)
			out <- b
		}
	}()
	return out
}
