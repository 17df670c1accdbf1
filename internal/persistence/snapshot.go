package persistence

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/vmihailenco/msgpack/v5"

	"tradingd/pkg/db"
)

// snapshotRow mirrors one strategy_states row, msgpack-encoded into
// state_snapshots.payload. Decoupled from lifecycle.State so a snapshot
// schema change never forces a lifecycle package rebuild.
type snapshotRow struct {
	UserID         string
	Version        int
	StrategyName   string
	Instrument     string
	Broker         string
	Environment    string
	Lifecycle      string
	LastAction     string
	AutoReconnect  bool
	ErrorCount     int
	PositionSize   float64
	PositionEntry  float64
	PositionSide   string
	LastTransition time.Time
}

// SnapshotScheduler takes an hourly msgpack snapshot of every strategy_states
// row and prunes state_snapshots down to Retention rows (default 24), per
// §4.3 "A snapshot is taken hourly; the newest 24 snapshots are retained."
type SnapshotScheduler struct {
	db        *db.Database
	retention int
	archiver  Archiver
	cron      *cron.Cron
}

// Archiver uploads a snapshot blob off-box (C10 "Remote backup"). Optional:
// a nil Archiver means snapshots stay local-only.
type Archiver interface {
	Archive(ctx context.Context, takenAt time.Time, payload []byte) error
}

func NewSnapshotScheduler(database *db.Database, retention int, archiver Archiver) *SnapshotScheduler {
	if retention <= 0 {
		retention = 24
	}
	return &SnapshotScheduler{db: database, retention: retention, archiver: archiver, cron: cron.New()}
}

// Start schedules hourly snapshots and returns once the cron loop is running.
func (s *SnapshotScheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@hourly", func() {
		if err := s.Snapshot(ctx); err != nil {
			log.Printf("❌ snapshot: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Snapshot takes one snapshot immediately (also callable directly, e.g. from
// tests or an operator-triggered backup).
func (s *SnapshotScheduler) Snapshot(ctx context.Context) error {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT user_id, version, COALESCE(strategy_name,''), COALESCE(instrument,''),
		       COALESCE(broker,''), COALESCE(environment,''), lifecycle, COALESCE(last_action,''),
		       auto_reconnect, error_count, position_size, position_entry_price,
		       COALESCE(position_side,''), last_transition
		FROM strategy_states`)
	if err != nil {
		return err
	}
	var snap []snapshotRow
	for rows.Next() {
		var r snapshotRow
		if err := rows.Scan(&r.UserID, &r.Version, &r.StrategyName, &r.Instrument, &r.Broker, &r.Environment,
			&r.Lifecycle, &r.LastAction, &r.AutoReconnect, &r.ErrorCount, &r.PositionSize, &r.PositionEntry,
			&r.PositionSide, &r.LastTransition); err != nil {
			rows.Close()
			return err
		}
		snap = append(snap, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	takenAt := time.Now()
	if _, err := s.db.DB.ExecContext(ctx, `INSERT INTO state_snapshots (taken_at, payload) VALUES (?, ?)`, takenAt, payload); err != nil {
		return err
	}
	if _, err := s.db.DB.ExecContext(ctx, `
		DELETE FROM state_snapshots WHERE id NOT IN (
			SELECT id FROM state_snapshots ORDER BY taken_at DESC LIMIT ?
		)`, s.retention); err != nil {
		return err
	}

	log.Printf("✓ snapshot: captured %d strategy states", len(snap))

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, takenAt, payload); err != nil {
			log.Printf("⚠️ snapshot: off-box archival failed: %v", err)
		}
	}
	return nil
}
