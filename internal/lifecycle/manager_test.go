package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tradingd/internal/errs"
	"tradingd/internal/events"
)

// errConflict is the test double's stand-in for persistence.ErrConflict.
var errConflict = errors.New("lifecycle: version conflict")

// memStore is a trivial in-process Store used by this package's tests
// (reconciliation's tests keep their own copy), mirroring the teacher's
// pattern of a map-backed fake persistence layer per test.
type memStore struct {
	mu    sync.Mutex
	state map[string]State
}

func newMemStore() *memStore { return &memStore{state: make(map[string]State)} }

func (s *memStore) Load(userID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[userID]
	return st, ok, nil
}

func (s *memStore) Save(expectedVersion int, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state[next.UserID]
	if ok && cur.Version != expectedVersion {
		return errConflict
	}
	if !ok && expectedVersion != 0 {
		return errConflict
	}
	next.Version = expectedVersion + 1
	s.state[next.UserID] = next
	return nil
}

func newTestBus() *events.Bus { return events.NewBus() }

func TestStartStrategy_FromIdle(t *testing.T) {
	mgr := NewManager(newMemStore(), newTestBus())
	st, err := mgr.StartStrategy("u1", "trend-follow", "BTC-USD-PERP", "binanceperp", "live", []byte("{}"))
	require.NoError(t, err)
	require.Equal(t, Analyzing, st.Lifecycle)
	require.Equal(t, "trend-follow", st.StrategyName)
}

func TestStartStrategy_SingleStrategyGuard(t *testing.T) {
	mgr := NewManager(newMemStore(), newTestBus())
	_, err := mgr.StartStrategy("u1", "trend-follow", "BTC-USD-PERP", "binanceperp", "live", nil)
	require.NoError(t, err)

	_, err = mgr.StartStrategy("u1", "mean-revert", "ETH-USD-PERP", "binanceperp", "live", nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.SingleStrategyViolation))
}

func TestFullLifecycleWalk(t *testing.T) {
	mgr := NewManager(newMemStore(), newTestBus())
	_, err := mgr.StartStrategy("u1", "trend-follow", "BTC-USD-PERP", "binanceperp", "live", nil)
	require.NoError(t, err)

	_, err = mgr.OnSignalDetected("u1")
	require.NoError(t, err)
	_, err = mgr.OnEnteringPosition("u1")
	require.NoError(t, err)
	st, err := mgr.OnPositionOpened("u1", 60000, 0.1, SideLong)
	require.NoError(t, err)
	require.Equal(t, PositionOpen, st.Lifecycle)
	require.True(t, st.HasPosition)

	_, err = mgr.OnPositionClosing("u1")
	require.NoError(t, err)
	st, err = mgr.OnPositionClosed("u1")
	require.NoError(t, err)
	require.Equal(t, Analyzing, st.Lifecycle)
	require.False(t, st.HasPosition)
}

func TestTransition_RejectsWrongOrigin(t *testing.T) {
	mgr := NewManager(newMemStore(), newTestBus())
	_, err := mgr.StartStrategy("u1", "trend-follow", "BTC-USD-PERP", "binanceperp", "live", nil)
	require.NoError(t, err)

	_, err = mgr.OnEnteringPosition("u1") // skips SIGNAL_DETECTED
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidStateTransition))
}

func TestStopStrategy_FromAnyState(t *testing.T) {
	mgr := NewManager(newMemStore(), newTestBus())
	_, err := mgr.StartStrategy("u1", "trend-follow", "BTC-USD-PERP", "binanceperp", "live", nil)
	require.NoError(t, err)
	_, err = mgr.OnSignalDetected("u1")
	require.NoError(t, err)

	st, err := mgr.StopStrategy("u1", false)
	require.NoError(t, err)
	require.Equal(t, Idle, st.Lifecycle)
	require.Equal(t, "", st.StrategyName)

	// Now the user can start a new strategy again.
	st, err = mgr.StartStrategy("u1", "mean-revert", "ETH-USD-PERP", "binanceperp", "live", nil)
	require.NoError(t, err)
	require.Equal(t, Analyzing, st.Lifecycle)
}

func TestForceState_UsedByReconciliation(t *testing.T) {
	mgr := NewManager(newMemStore(), newTestBus())
	st, err := mgr.ForceState("u2", PositionOpen, func(s *State) {
		s.PositionEntryPrice = 100
		s.PositionSize = 1
		s.HasPosition = true
	})
	require.NoError(t, err)
	require.Equal(t, PositionOpen, st.Lifecycle)
	require.Equal(t, 100.0, st.PositionEntryPrice)
}

func TestRecordAndResetErrors(t *testing.T) {
	mgr := NewManager(newMemStore(), newTestBus())
	st, err := mgr.RecordError("u3")
	require.NoError(t, err)
	require.Equal(t, 1, st.ErrorCount)

	st, err = mgr.RecordError("u3")
	require.NoError(t, err)
	require.Equal(t, 2, st.ErrorCount)

	st, err = mgr.ResetErrors("u3")
	require.NoError(t, err)
	require.Equal(t, 0, st.ErrorCount)
}
