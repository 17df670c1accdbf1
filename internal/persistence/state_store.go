// Package persistence implements the Persistence Layer (C10): atomic
// optimistic-concurrency writes of StrategyState to SQLite, hourly msgpack
// snapshots with bounded retention, and optional off-box archival to S3.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tradingd/internal/lifecycle"
	"tradingd/pkg/db"
)

// ErrConflict is returned by SQLStateStore.Save when the row's stored version
// no longer matches the caller's expected version — a second writer exists
// for this user, which the design treats as a bug, not a domain outcome.
var ErrConflict = errors.New("persistence: optimistic concurrency conflict")

// SQLStateStore implements lifecycle.Store against the strategy_states
// table using UPDATE ... WHERE version = v_prev (§5 "Shared resources").
type SQLStateStore struct {
	db *db.Database
}

func NewSQLStateStore(database *db.Database) *SQLStateStore {
	return &SQLStateStore{db: database}
}

func (s *SQLStateStore) Load(userID string) (lifecycle.State, bool, error) {
	row := s.db.DB.QueryRow(`
		SELECT version, user_id, COALESCE(strategy_name,''), COALESCE(instrument,''),
		       COALESCE(broker,''), COALESCE(environment,''), COALESCE(config,''),
		       lifecycle, started_at, last_transition, COALESCE(last_action,''),
		       auto_reconnect, error_count, COALESCE(metadata,''),
		       position_entry_price, position_size, COALESCE(position_side,'')
		FROM strategy_states WHERE user_id = ?`, userID)

	var (
		st                             lifecycle.State
		startedAt, lastTransition      sql.NullTime
		entryPrice, size               sql.NullFloat64
		side, cfg, metaJSON            string
	)
	err := row.Scan(&st.Version, &st.UserID, &st.StrategyName, &st.Instrument,
		&st.Broker, &st.Environment, &cfg,
		&st.Lifecycle, &startedAt, &lastTransition, &st.LastAction,
		&st.AutoReconnect, &st.ErrorCount, &metaJSON,
		&entryPrice, &size, &side)
	if err == sql.ErrNoRows {
		return lifecycle.State{}, false, nil
	}
	if err != nil {
		return lifecycle.State{}, false, fmt.Errorf("persistence: load state for %s: %w", userID, err)
	}
	st.Config = []byte(cfg)
	st.StartedAt = startedAt.Time
	st.LastTransition = lastTransition.Time
	st.PositionEntryPrice = entryPrice.Float64
	st.PositionSize = size.Float64
	st.PositionSide = lifecycle.PositionSide(side)
	st.HasPosition = st.Lifecycle == lifecycle.PositionOpen || st.Lifecycle == lifecycle.Closing
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &st.Metadata)
	}
	return st, true, nil
}

// Save performs the insert-or-optimistic-update. A fresh user (expectedVersion
// 0, no existing row) inserts; otherwise the UPDATE's WHERE clause pins the
// previous version so a lost race returns ErrConflict instead of silently
// clobbering a concurrent writer.
func (s *SQLStateStore) Save(expectedVersion int, next lifecycle.State) error {
	metaJSON, err := json.Marshal(next.Metadata)
	if err != nil {
		return fmt.Errorf("persistence: marshal metadata: %w", err)
	}

	if expectedVersion == 0 {
		_, err := s.db.DB.Exec(`
			INSERT INTO strategy_states (
				user_id, version, strategy_name, instrument, broker, environment, config,
				lifecycle, status, started_at, last_transition, last_action, auto_reconnect,
				position_entry_price, position_size, position_side, error_count, metadata
			) VALUES (?, 1, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				version=1, strategy_name=excluded.strategy_name, instrument=excluded.instrument,
				broker=excluded.broker, environment=excluded.environment, config=excluded.config,
				lifecycle=excluded.lifecycle, started_at=excluded.started_at,
				last_transition=excluded.last_transition, last_action=excluded.last_action,
				auto_reconnect=excluded.auto_reconnect, position_entry_price=excluded.position_entry_price,
				position_size=excluded.position_size, position_side=excluded.position_side,
				error_count=excluded.error_count, metadata=excluded.metadata,
				updated_at=CURRENT_TIMESTAMP
			WHERE strategy_states.version = 0 OR strategy_states.user_id IS NULL
		`, next.UserID, next.StrategyName, next.Instrument, next.Broker, next.Environment, string(next.Config),
			next.Lifecycle, next.StartedAt, next.LastTransition, next.LastAction, next.AutoReconnect,
			next.PositionEntryPrice, next.PositionSize, string(next.PositionSide), next.ErrorCount, string(metaJSON))
		if err != nil {
			return fmt.Errorf("persistence: insert state for %s: %w", next.UserID, err)
		}
		return nil
	}

	res, err := s.db.DB.Exec(`
		UPDATE strategy_states SET
			version = version + 1,
			strategy_name = ?, instrument = ?, broker = ?, environment = ?, config = ?,
			lifecycle = ?, started_at = ?, last_transition = ?, last_action = ?,
			auto_reconnect = ?, position_entry_price = ?, position_size = ?, position_side = ?,
			error_count = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND version = ?
	`, next.StrategyName, next.Instrument, next.Broker, next.Environment, string(next.Config),
		next.Lifecycle, next.StartedAt, next.LastTransition, next.LastAction,
		next.AutoReconnect, next.PositionEntryPrice, next.PositionSize, string(next.PositionSide),
		next.ErrorCount, string(metaJSON), next.UserID, expectedVersion)
	if err != nil {
		return fmt.Errorf("persistence: update state for %s: %w", next.UserID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persistence: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %s expected version %d", ErrConflict, next.UserID, expectedVersion)
	}
	return nil
}

// AllUserIDs lists every user with a persisted strategy_states row, used by
// startup reconciliation to know which users to recover.
func (s *SQLStateStore) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT user_id FROM strategy_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
