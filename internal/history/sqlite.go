package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tradingd/pkg/db"
)

// SQLite is the durable, production-default Trade History Store (C3),
// backed by the trade_records table (pkg/db/schema.go). It enforces "at most
// one open record per (user, strategy, instrument)" with a pre-insert
// existence check in Add; trade_records has no unique index for this (unlike
// strategy_states, whose idx_strategy_states_active partial unique index
// enforces the lifecycle invariant in the schema itself).
type SQLite struct {
	db *db.Database
}

func NewSQLite(database *db.Database) *SQLite {
	return &SQLite{db: database}
}

func (s *SQLite) Add(ctx context.Context, r Record) error {
	if r.Status == StatusOpen {
		var count int
		err := s.db.DB.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM trade_records
			WHERE user_id = ? AND strategy_name = ? AND instrument = ? AND status = 'open'
		`, r.UserID, r.StrategyName, r.Instrument).Scan(&count)
		if err != nil {
			return fmt.Errorf("history: check existing open record: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("history: open record already exists for user=%s strategy=%s instrument=%s",
				r.UserID, r.StrategyName, r.Instrument)
		}
	}

	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO trade_records (
			id, user_id, strategy_name, instrument, side, entry_order_id, sl_order_id, tp_order_id,
			entry_price, amount, stop_loss, take_profit, entry_time,
			exit_price, exit_time, exit_reason, pnl, pnl_percent, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.StrategyName, r.Instrument, string(r.Side), r.EntryOrderID, nullIfEmpty(r.SLOrderID), nullIfEmpty(r.TPOrderID),
		r.EntryPrice, r.Amount, r.StopLoss, r.TakeProfit, r.EntryTime,
		r.ExitPrice, r.ExitTime, nullIfEmptyReason(r.ExitReason), r.PnL, r.PnLPercent, string(r.Status))
	if err != nil {
		return fmt.Errorf("history: insert record %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, id string, p Patch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	if p.ExitPrice != nil {
		sets = append(sets, "exit_price = ?")
		args = append(args, *p.ExitPrice)
	}
	if p.ExitTime != nil {
		sets = append(sets, "exit_time = ?")
		args = append(args, *p.ExitTime)
	}
	if p.ExitReason != nil {
		sets = append(sets, "exit_reason = ?")
		args = append(args, string(*p.ExitReason))
	}
	if p.PnL != nil {
		sets = append(sets, "pnl = ?")
		args = append(args, *p.PnL)
	}
	if p.PnLPercent != nil {
		sets = append(sets, "pnl_percent = ?")
		args = append(args, *p.PnLPercent)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.SLOrderID != nil {
		sets = append(sets, "sl_order_id = ?")
		args = append(args, *p.SLOrderID)
	}
	if p.TPOrderID != nil {
		sets = append(sets, "tp_order_id = ?")
		args = append(args, *p.TPOrderID)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.DB.ExecContext(ctx,
		fmt.Sprintf("UPDATE trade_records SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("history: update record %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history: update record %s rows affected: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("history: record %s not found", id)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.DB.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: get record %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLite) Query(ctx context.Context, q Query) ([]Record, error) {
	where, args := whereClause(q)
	query := selectColumns + where + " ORDER BY entry_time DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context, q Query) (Stats, error) {
	q.Status = StatusClosed
	q.Limit, q.Offset = 0, 0
	records, err := s.Query(ctx, q)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(records), nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.DB.ExecContext(ctx, `DELETE FROM trade_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("history: delete record %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error { return nil }

const selectColumns = `
	SELECT id, user_id, strategy_name, instrument, side, entry_order_id,
	       COALESCE(sl_order_id,''), COALESCE(tp_order_id,''),
	       entry_price, amount, COALESCE(stop_loss,0), COALESCE(take_profit,0), entry_time,
	       exit_price, exit_time, COALESCE(exit_reason,''), pnl, pnl_percent, status
	FROM trade_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                    Record
		side, status, reason string
		entryTime            time.Time
		exitTime             sql.NullTime
		exitPrice, pnl, pct  sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.StrategyName, &r.Instrument, &side, &r.EntryOrderID,
		&r.SLOrderID, &r.TPOrderID, &r.EntryPrice, &r.Amount, &r.StopLoss, &r.TakeProfit, &entryTime,
		&exitPrice, &exitTime, &reason, &pnl, &pct, &status)
	if err != nil {
		return Record{}, err
	}
	r.Side = Side(side)
	r.Status = Status(status)
	r.ExitReason = ExitReason(reason)
	r.EntryTime = entryTime
	if exitPrice.Valid {
		v := exitPrice.Float64
		r.ExitPrice = &v
	}
	if exitTime.Valid {
		v := exitTime.Time
		r.ExitTime = &v
	}
	if pnl.Valid {
		v := pnl.Float64
		r.PnL = &v
	}
	if pct.Valid {
		v := pct.Float64
		r.PnLPercent = &v
	}
	return r, nil
}

func whereClause(q Query) (string, []any) {
	var clauses []string
	var args []any
	if q.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Strategy != "" {
		clauses = append(clauses, "strategy_name = ?")
		args = append(args, q.Strategy)
	}
	if q.Instrument != "" {
		clauses = append(clauses, "instrument = ?")
		args = append(args, q.Instrument)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.From.IsZero() {
		clauses = append(clauses, "entry_time >= ?")
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "entry_time <= ?")
		args = append(args, q.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyReason(r ExitReason) any {
	if r == "" {
		return nil
	}
	return string(r)
}
