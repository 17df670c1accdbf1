package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// tradeRecordRow is the GORM model backing the alternate MySQL Store
// implementation, mirroring trade_records (pkg/db/schema.go) field-for-field
// so the two backends stay interchangeable behind the Store contract.
type tradeRecordRow struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	UserID       string `gorm:"index;type:varchar(64);not null"`
	StrategyName string `gorm:"type:varchar(64);not null"`
	Instrument   string `gorm:"index;type:varchar(32);not null"`
	Side         string `gorm:"type:varchar(8);not null"`
	EntryOrderID string `gorm:"column:entry_order_id;type:varchar(64);not null"`
	SLOrderID    string `gorm:"column:sl_order_id;type:varchar(64)"`
	TPOrderID    string `gorm:"column:tp_order_id;type:varchar(64)"`
	EntryPrice   float64 `gorm:"column:entry_price"`
	Amount       float64
	StopLoss     float64  `gorm:"column:stop_loss"`
	TakeProfit   float64  `gorm:"column:take_profit"`
	EntryTime    time.Time `gorm:"column:entry_time;index"`
	ExitPrice    *float64  `gorm:"column:exit_price"`
	ExitTime     *time.Time `gorm:"column:exit_time"`
	ExitReason   string `gorm:"column:exit_reason;type:varchar(32)"`
	PnL          *float64 `gorm:"column:pnl"`
	PnLPercent   *float64 `gorm:"column:pnl_percent"`
	Status       string `gorm:"index;type:varchar(8);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (tradeRecordRow) TableName() string { return "trade_records" }

// MySQL is the alternate pluggable Trade History Store backend (§4.8
// "Backends are pluggable"), for deployments that already run a shared MySQL
// fleet instead of per-instance SQLite.
type MySQL struct {
	gdb *gorm.DB
}

// NewMySQL opens a GORM connection against dsn (e.g.
// "user:pass@tcp(host:3306)/tradingd?charset=utf8mb4&parseTime=True&loc=Local")
// and auto-migrates the trade_records table.
func NewMySQL(dsn string) (*MySQL, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("history: connect mysql: %w", err)
	}
	if err := gdb.AutoMigrate(&tradeRecordRow{}); err != nil {
		return nil, fmt.Errorf("history: migrate trade_records: %w", err)
	}
	return &MySQL{gdb: gdb}, nil
}

func (m *MySQL) Add(ctx context.Context, r Record) error {
	if r.Status == StatusOpen {
		var count int64
		err := m.gdb.WithContext(ctx).Model(&tradeRecordRow{}).
			Where("user_id = ? AND strategy_name = ? AND instrument = ? AND status = ?",
				r.UserID, r.StrategyName, r.Instrument, string(StatusOpen)).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("history: check existing open record: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("history: open record already exists for user=%s strategy=%s instrument=%s",
				r.UserID, r.StrategyName, r.Instrument)
		}
	}
	row := toRow(r)
	if err := m.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("history: insert record %s: %w", r.ID, err)
	}
	return nil
}

func (m *MySQL) Update(ctx context.Context, id string, p Patch) error {
	updates := map[string]any{}
	if p.ExitPrice != nil {
		updates["exit_price"] = *p.ExitPrice
	}
	if p.ExitTime != nil {
		updates["exit_time"] = *p.ExitTime
	}
	if p.ExitReason != nil {
		updates["exit_reason"] = string(*p.ExitReason)
	}
	if p.PnL != nil {
		updates["pnl"] = *p.PnL
	}
	if p.PnLPercent != nil {
		updates["pnl_percent"] = *p.PnLPercent
	}
	if p.Status != nil {
		updates["status"] = string(*p.Status)
	}
	if p.SLOrderID != nil {
		updates["sl_order_id"] = *p.SLOrderID
	}
	if p.TPOrderID != nil {
		updates["tp_order_id"] = *p.TPOrderID
	}
	if len(updates) == 0 {
		return nil
	}
	res := m.gdb.WithContext(ctx).Model(&tradeRecordRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("history: update record %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("history: record %s not found", id)
	}
	return nil
}

func (m *MySQL) Get(ctx context.Context, id string) (*Record, error) {
	var row tradeRecordRow
	err := m.gdb.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: get record %s: %w", id, err)
	}
	rec := fromRow(row)
	return &rec, nil
}

func (m *MySQL) Query(ctx context.Context, q Query) ([]Record, error) {
	tx := m.gdb.WithContext(ctx).Model(&tradeRecordRow{})
	tx = applyGormFilters(tx, q)
	tx = tx.Order("entry_time DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	var rows []tradeRecordRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: query records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func (m *MySQL) Stats(ctx context.Context, q Query) (Stats, error) {
	q.Status = StatusClosed
	q.Limit, q.Offset = 0, 0
	records, err := m.Query(ctx, q)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(records), nil
}

func (m *MySQL) Delete(ctx context.Context, id string) error {
	if err := m.gdb.WithContext(ctx).Delete(&tradeRecordRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("history: delete record %s: %w", id, err)
	}
	return nil
}

func (m *MySQL) Close() error {
	sqlDB, err := m.gdb.DB()
	if err != nil {
		return fmt.Errorf("history: underlying mysql handle: %w", err)
	}
	return sqlDB.Close()
}

func applyGormFilters(tx *gorm.DB, q Query) *gorm.DB {
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if q.Strategy != "" {
		tx = tx.Where("strategy_name = ?", q.Strategy)
	}
	if q.Instrument != "" {
		tx = tx.Where("instrument = ?", q.Instrument)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", string(q.Status))
	}
	if !q.From.IsZero() {
		tx = tx.Where("entry_time >= ?", q.From)
	}
	if !q.To.IsZero() {
		tx = tx.Where("entry_time <= ?", q.To)
	}
	return tx
}

func toRow(r Record) tradeRecordRow {
	return tradeRecordRow{
		ID: r.ID, UserID: r.UserID, StrategyName: r.StrategyName, Instrument: r.Instrument,
		Side: string(r.Side), EntryOrderID: r.EntryOrderID, SLOrderID: r.SLOrderID, TPOrderID: r.TPOrderID,
		EntryPrice: r.EntryPrice, Amount: r.Amount, StopLoss: r.StopLoss, TakeProfit: r.TakeProfit,
		EntryTime: r.EntryTime, ExitPrice: r.ExitPrice, ExitTime: r.ExitTime, ExitReason: string(r.ExitReason),
		PnL: r.PnL, PnLPercent: r.PnLPercent, Status: string(r.Status),
	}
}

func fromRow(row tradeRecordRow) Record {
	return Record{
		ID: row.ID, UserID: row.UserID, StrategyName: row.StrategyName, Instrument: row.Instrument,
		Side: Side(row.Side), EntryOrderID: row.EntryOrderID, SLOrderID: row.SLOrderID, TPOrderID: row.TPOrderID,
		EntryPrice: row.EntryPrice, Amount: row.Amount, StopLoss: row.StopLoss, TakeProfit: row.TakeProfit,
		EntryTime: row.EntryTime, ExitPrice: row.ExitPrice, ExitTime: row.ExitTime, ExitReason: ExitReason(row.ExitReason),
		PnL: row.PnL, PnLPercent: row.PnLPercent, Status: Status(row.Status),
	}
}
