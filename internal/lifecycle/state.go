// Package lifecycle implements the Strategy Lifecycle Manager (C4): a
// per-user state machine with atomic persistence, a single-active-strategy
// guard, and event emission for observers. The manager is constructed once
// at startup and passed explicitly to every collaborator; it holds no
// process-wide singleton state (see SPEC_FULL.md design notes on singletons).
package lifecycle

import (
	"time"

	"tradingd/internal/events"
)

// Lifecycle is one state in the per-user strategy state machine (§4.3).
type Lifecycle string

const (
	Idle             Lifecycle = "IDLE"
	Analyzing        Lifecycle = "ANALYZING"
	SignalDetected   Lifecycle = "SIGNAL_DETECTED"
	EnteringPosition Lifecycle = "ENTERING_POSITION"
	PositionOpen     Lifecycle = "POSITION_OPEN"
	Closing          Lifecycle = "CLOSING"
)

// PositionSide mirrors broker.Side without importing the broker package, so
// the lifecycle package stays independently testable.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// State is one user's StrategyState (§3). position_* fields are non-nil iff
// Lifecycle is POSITION_OPEN or CLOSING; StrategyName is empty iff Lifecycle
// is IDLE.
type State struct {
	Version        int
	UserID         string
	StrategyName   string
	Instrument     string
	Broker         string
	Environment    string
	Config         []byte // opaque strategy parameter document (yaml)
	Lifecycle      Lifecycle
	StartedAt      time.Time
	LastTransition time.Time
	LastAction     string
	AutoReconnect  bool // false iff the user explicitly disconnected
	ErrorCount     int
	Metadata       map[string]string

	PositionEntryPrice float64
	PositionSize       float64
	PositionSide       PositionSide
	HasPosition        bool
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// racing the manager's internal copy.
func (s State) Clone() State {
	if s.Metadata != nil {
		m := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			m[k] = v
		}
		s.Metadata = m
	}
	return s
}

// ShouldAnalyze reports whether the strategy is in the candle/tick-feeding loop.
func (s State) ShouldAnalyze() bool { return s.Lifecycle == Analyzing }

// CanOpenPosition reports whether a detected signal may proceed to entry.
func (s State) CanOpenPosition() bool {
	return s.Lifecycle == Analyzing || s.Lifecycle == SignalDetected
}

// Store is the persistence contract the Manager writes through (C10):
// atomic, single-writer-per-user, optimistic-concurrency-checked.
type Store interface {
	// Load returns the persisted state for userID, or (State{}, false, nil)
	// if none exists yet (fresh user: Lifecycle defaults to IDLE).
	Load(userID string) (State, bool, error)
	// Save atomically persists next, enforcing that the stored version still
	// equals expectedVersion (optimistic concurrency — a mismatch means a
	// second writer exists for this user, which is a bug: ErrConflict).
	Save(expectedVersion int, next State) error
}

// Bus is the subset of events.Bus the manager publishes transitions to.
type Bus interface {
	Publish(e events.Event, payload any)
}
