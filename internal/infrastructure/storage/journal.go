package storage

import (
	"context"
	"fmt"

	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/grid_trade_engine/internal/domain"
)

// SQLiteJournal records trade activity locally for offline inspection. One
// row per submitted, simulated, or blocked trade with a grid snapshot taken
// at decision time.
type SQLiteJournal struct {
	db *sql.DB
}

var _ domain.TradeJournal = (*SQLiteJournal)(nil)

func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS trade_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty INTEGER NOT NULL,
		est_price REAL,
		order_id TEXT,
		client_order_id TEXT,
		is_dry_run BOOLEAN NOT NULL DEFAULT 0,
		is_leader BOOLEAN NOT NULL DEFAULT 0,
		group_id TEXT,
		anchor_price REAL,
		last_trigger_price REAL,
		buys_in_group INTEGER NOT NULL DEFAULT 0,
		note TEXT
	);`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("init trade_journal schema: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Record(ctx context.Context, e domain.JournalEntry) error {
	query := `INSERT INTO trade_journal (ts, symbol, side, qty, est_price, order_id, client_order_id,
			  is_dry_run, is_leader, group_id, anchor_price, last_trigger_price, buys_in_group, note)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		e.Time, e.Symbol, string(e.Side), e.Qty, e.EstPrice, e.OrderID, e.ClientOrderID,
		e.DryRun, e.Leader, e.GroupID, nullableFloat(e.AnchorPrice), nullableFloat(e.LastTriggerPrice),
		e.BuysInGroup, e.Note)
	return err
}

func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]domain.JournalEntry, error) {
	query := `SELECT id, ts, symbol, side, qty, est_price, order_id, client_order_id,
			  is_dry_run, is_leader, group_id, anchor_price, last_trigger_price, buys_in_group, note
			  FROM trade_journal ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var side string
		var anchor, trigger sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.Time, &e.Symbol, &side, &e.Qty, &e.EstPrice, &e.OrderID,
			&e.ClientOrderID, &e.DryRun, &e.Leader, &e.GroupID, &anchor, &trigger,
			&e.BuysInGroup, &e.Note); err != nil {
			return nil, err
		}
		e.Side = domain.Side(side)
		if anchor.Valid {
			v := anchor.Float64
			e.AnchorPrice = &v
		}
		if trigger.Valid {
			v := trigger.Float64
			e.LastTriggerPrice = &v
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
