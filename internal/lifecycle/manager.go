package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"tradingd/internal/errs"
	"tradingd/internal/events"
)

// transitions is the accepted edge set of §4.3, keyed by the originating
// state. stopStrategy is accepted from every state and is handled outside
// this table.
var transitions = map[Lifecycle]Lifecycle{
	Analyzing:        SignalDetected,
	SignalDetected:   EnteringPosition,
	EnteringPosition: PositionOpen,
	PositionOpen:     Closing,
	Closing:          Analyzing,
}

// StateChange is the payload published on every transition.
type StateChange struct {
	UserID string
	From   Lifecycle
	To     Lifecycle
	At     time.Time
}

// Manager owns the per-user lifecycle state machine. One Manager instance is
// constructed at startup and shared by every executor; per-user mutation is
// serialized by a per-user mutex so the single-strategy guard and the state
// write are evaluated atomically (§5).
type Manager struct {
	store Store
	bus   Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, bus Bus) *Manager {
	return &Manager{store: store, bus: bus, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// Get returns the current persisted state for userID (IDLE if none exists).
func (m *Manager) Get(userID string) (State, error) {
	st, ok, err := m.store.Load(userID)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{UserID: userID, Lifecycle: Idle, AutoReconnect: true, Version: 0}, nil
	}
	return st, nil
}

// StartStrategy begins a new strategy run for userID. Fails with
// SingleStrategyViolation if the user's current lifecycle is not IDLE — the
// single-active-strategy guard (§4.3, testable property "Single strategy").
func (m *Manager) StartStrategy(userID, strategyName, instrument, broker, environment string, config []byte) (State, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.Get(userID)
	if err != nil {
		return State{}, err
	}
	if cur.Lifecycle != Idle {
		return State{}, errs.New(errs.SingleStrategyViolation, fmt.Sprintf("user %s already has an active strategy in state %s", userID, cur.Lifecycle))
	}

	next := cur.Clone()
	next.UserID = userID
	next.StrategyName = strategyName
	next.Instrument = instrument
	next.Broker = broker
	next.Environment = environment
	next.Config = config
	next.Lifecycle = Analyzing
	next.StartedAt = time.Now()
	next.LastAction = "start_strategy"
	next.ErrorCount = 0
	next.AutoReconnect = true
	next.HasPosition = false
	return m.commit(userID, cur, next)
}

// StopStrategy forces the user back to IDLE from any state — the one
// transition accepted unconditionally, per §4.3.
func (m *Manager) StopStrategy(userID string, autoReconnect bool) (State, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.Get(userID)
	if err != nil {
		return State{}, err
	}
	next := cur.Clone()
	next.Lifecycle = Idle
	next.StrategyName = ""
	next.Instrument = ""
	next.LastAction = "stop_strategy"
	next.AutoReconnect = autoReconnect
	next.HasPosition = false
	next.PositionEntryPrice = 0
	next.PositionSize = 0
	next.PositionSide = ""
	return m.commit(userID, cur, next)
}

// OnSignalDetected: ANALYZING -> SIGNAL_DETECTED.
func (m *Manager) OnSignalDetected(userID string) (State, error) {
	return m.transition(userID, Analyzing, SignalDetected, "signal_detected", nil)
}

// OnEnteringPosition: SIGNAL_DETECTED -> ENTERING_POSITION.
func (m *Manager) OnEnteringPosition(userID string) (State, error) {
	return m.transition(userID, SignalDetected, EnteringPosition, "entering_position", nil)
}

// OnPositionOpened: ENTERING_POSITION -> POSITION_OPEN, recording the fill.
func (m *Manager) OnPositionOpened(userID string, entryPrice, size float64, side PositionSide) (State, error) {
	return m.transition(userID, EnteringPosition, PositionOpen, "position_opened", func(next *State) {
		next.PositionEntryPrice = entryPrice
		next.PositionSize = size
		next.PositionSide = side
		next.HasPosition = true
	})
}

// OnPositionClosing: POSITION_OPEN -> CLOSING.
func (m *Manager) OnPositionClosing(userID string) (State, error) {
	return m.transition(userID, PositionOpen, Closing, "position_closing", nil)
}

// OnPositionClosed: CLOSING -> ANALYZING, clearing position fields.
func (m *Manager) OnPositionClosed(userID string) (State, error) {
	return m.transition(userID, Closing, Analyzing, "position_closed", func(next *State) {
		next.HasPosition = false
		next.PositionEntryPrice = 0
		next.PositionSize = 0
		next.PositionSide = ""
	})
}

// Abort returns the user to ANALYZING from SIGNAL_DETECTED or
// ENTERING_POSITION, used by the executor when a detected signal fails to
// become a position (sizing rejected or entry fill timed out). This is not a
// normal edge in the transitions table: it skips ENTERING_POSITION/
// POSITION_OPEN/CLOSING entirely rather than walking through them.
func (m *Manager) Abort(userID string) (State, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.Get(userID)
	if err != nil {
		return State{}, err
	}
	if cur.Lifecycle != SignalDetected && cur.Lifecycle != EnteringPosition {
		return State{}, errs.New(errs.InvalidStateTransition,
			fmt.Sprintf("user %s: abort not valid from state %s", userID, cur.Lifecycle))
	}
	next := cur.Clone()
	next.Lifecycle = Analyzing
	next.LastAction = "abort"
	return m.commit(userID, cur, next)
}

// ForceState is used only by the Reconciliation Engine (C6), which must be
// able to force a lifecycle correction (e.g. POSITION_OPEN on an adopted
// orphan, ANALYZING after a ghost close) outside the normal edge set — the
// precondition has already been independently verified against broker truth.
func (m *Manager) ForceState(userID string, lc Lifecycle, mutate func(*State)) (State, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.Get(userID)
	if err != nil {
		return State{}, err
	}
	next := cur.Clone()
	next.Lifecycle = lc
	next.LastAction = "reconciliation_force_" + string(lc)
	if mutate != nil {
		mutate(&next)
	}
	return m.commit(userID, cur, next)
}

// RecordError increments the error counter without changing lifecycle,
// used by the executor's transient-error escalation policy (§4.6).
func (m *Manager) RecordError(userID string) (State, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.Get(userID)
	if err != nil {
		return State{}, err
	}
	next := cur.Clone()
	next.ErrorCount++
	next.LastAction = "error"
	return m.commit(userID, cur, next)
}

// ResetErrors clears the error counter after a clean tick.
func (m *Manager) ResetErrors(userID string) (State, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	cur, err := m.Get(userID)
	if err != nil {
		return State{}, err
	}
	if cur.ErrorCount == 0 {
		return cur, nil
	}
	next := cur.Clone()
	next.ErrorCount = 0
	return m.commit(userID, cur, next)
}

func (m *Manager) transition(userID string, from, to Lifecycle, action string, mutate func(*State)) (State, error) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.Get(userID)
	if err != nil {
		return State{}, err
	}
	if cur.Lifecycle != from {
		return State{}, errs.New(errs.InvalidStateTransition,
			fmt.Sprintf("user %s: cannot apply %s from state %s (expected %s)", userID, action, cur.Lifecycle, from))
	}
	if transitions[from] != to {
		return State{}, errs.New(errs.InvalidStateTransition,
			fmt.Sprintf("user %s: %s -> %s is not an accepted transition", userID, from, to))
	}

	next := cur.Clone()
	next.Lifecycle = to
	next.LastAction = action
	if mutate != nil {
		mutate(&next)
	}
	return m.commit(userID, cur, next)
}

// commit persists next (bumping Version) and publishes EventStateChange.
// last_transition is stamped here so it is always monotonically
// non-decreasing regardless of which call site triggered the write.
func (m *Manager) commit(userID string, cur, next State) (State, error) {
	next.LastTransition = time.Now()
	if err := m.store.Save(cur.Version, next); err != nil {
		return State{}, err
	}
	next.Version = cur.Version + 1
	if m.bus != nil {
		m.bus.Publish(events.EventStateChange, StateChange{
			UserID: userID,
			From:   cur.Lifecycle,
			To:     next.Lifecycle,
			At:     next.LastTransition,
		})
	}
	return next, nil
}
