package journal

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) RecordTrade(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(trade_id, market, quantity, entry_price, exit_price, open_time, close_time, realized_pl, fees, r_multiple, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.Market, t.Quantity, t.EntryPrice, t.ExitPrice,
		t.OpenTime, t.CloseTime, t.RealizedPL, t.Fees, t.RMultiple, t.Reason,
	)
	return err
}

func (j *SQLiteJournal) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity (time, equity, realized_r_day, realized_r_week)
		VALUES (?, ?, ?, ?)`,
		e.Time, e.Equity, e.RealizedRDay, e.RealizedRWeek,
	)
	return err
}

func (j *SQLiteJournal) LastTrades(n int) ([]TradeRecord, error) {
	rows, err := j.db.Query(`
		SELECT trade_id, market, quantity, entry_price, exit_price,
		       open_time, close_time, realized_pl, fees, r_multiple, reason
		FROM trades ORDER BY close_time DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.TradeID, &t.Market, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.OpenTime, &t.CloseTime, &t.RealizedPL, &t.Fees, &t.RMultiple, &t.Reason,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TradesBetween returns trades closed in [start, end), oldest first.
func (j *SQLiteJournal) TradesBetween(start, end time.Time) ([]TradeRecord, error) {
	rows, err := j.db.Query(`
		SELECT trade_id, market, quantity, entry_price, exit_price,
		       open_time, close_time, realized_pl, fees, r_multiple, reason
		FROM trades WHERE close_time >= ? AND close_time < ?
		ORDER BY close_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.TradeID, &t.Market, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.OpenTime, &t.CloseTime, &t.RealizedPL, &t.Fees, &t.RMultiple, &t.Reason,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

var _ Journal = (*SQLiteJournal)(nil)
