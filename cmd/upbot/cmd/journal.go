package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantrove/upbot/journal"
)

var (
	journalDBPath string
	journalCount  int
	journalSince  string
	journalUntil  string
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent trades from the journal",
	Long: `Show closed trades from the journal.

By default the last --count trades are shown, newest first. With
--since (and optionally --until, both YYYY-MM-DD) trades closed in
that date range are shown instead, oldest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := journal.NewSQLite(journalDBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()

		trades, err := loadTrades(j)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			fmt.Println("no trades recorded")
			return nil
		}
		for _, t := range trades {
			fmt.Printf("%s  %s  qty=%.8f  entry=%.0f  exit=%.0f  pnl=%+.0f  r=%+.2f  %s\n",
				t.CloseTime.Format("2006-01-02 15:04"), t.Market,
				t.Quantity, t.EntryPrice, t.ExitPrice, t.RealizedPL, t.RMultiple, t.Reason)
		}
		return nil
	},
}

func loadTrades(j *journal.SQLiteJournal) ([]journal.TradeRecord, error) {
	if journalSince == "" {
		return j.LastTrades(journalCount)
	}
	since, err := time.Parse("2006-01-02", journalSince)
	if err != nil {
		return nil, fmt.Errorf("parse --since: %w", err)
	}
	until := time.Now()
	if journalUntil != "" {
		if until, err = time.Parse("2006-01-02", journalUntil); err != nil {
			return nil, fmt.Errorf("parse --until: %w", err)
		}
		until = until.AddDate(0, 0, 1) // inclusive end date
	}
	return j.TradesBetween(since, until)
}

func init() {
	journalCmd.Flags().StringVar(&journalDBPath, "db", "upbot-journal.db", "path to the journal database")
	journalCmd.Flags().IntVarP(&journalCount, "count", "n", 20, "number of trades to show")
	journalCmd.Flags().StringVar(&journalSince, "since", "", "show trades closed on or after this date (YYYY-MM-DD)")
	journalCmd.Flags().StringVar(&journalUntil, "until", "", "show trades closed up to and including this date (YYYY-MM-DD)")
	rootCmd.AddCommand(journalCmd)
}
