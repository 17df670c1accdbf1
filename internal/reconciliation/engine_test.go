package reconciliation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tradingd/internal/broker"
	"tradingd/internal/events"
	"tradingd/internal/history"
	"tradingd/internal/lifecycle"
)

type memLifecycleStore struct {
	mu    sync.Mutex
	state map[string]lifecycle.State
}

func newMemLifecycleStore() *memLifecycleStore {
	return &memLifecycleStore{state: make(map[string]lifecycle.State)}
}

func (s *memLifecycleStore) Load(userID string) (lifecycle.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[userID]
	return st, ok, nil
}

func (s *memLifecycleStore) Save(expectedVersion int, next lifecycle.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next.Version = expectedVersion + 1
	s.state[next.UserID] = next
	return nil
}

type fixedPrice struct{ price float64 }

func (f fixedPrice) LastPrice(symbol string) (float64, bool) { return f.price, true }

func newTestEngine() (*Engine, *lifecycle.Manager, history.Store) {
	lcStore := newMemLifecycleStore()
	lcMgr := lifecycle.NewManager(lcStore, events.NewBus())
	hist := history.NewMemory()
	eng := NewEngine(lcMgr, hist, fixedPrice{price: 59500})
	return eng, lcMgr, hist
}

func TestReconcile_Clean(t *testing.T) {
	eng, lcMgr, _ := newTestEngine()
	_, err := lcMgr.StartStrategy("u1", "trend-follow", "BTC-USD-PERP", "binanceperp", "live", nil)
	require.NoError(t, err)

	sess := broker.NewFakeSession()
	report, err := eng.Reconcile(context.Background(), sess, "u1", "BTC-USD-PERP")
	require.NoError(t, err)
	require.Equal(t, CaseClean, report.Case)
}

func TestReconcile_Valid(t *testing.T) {
	eng, lcMgr, hist := newTestEngine()
	_, err := lcMgr.StartStrategy("u1", "trend-follow", "BTC-USD-PERP", "binanceperp", "live", nil)
	require.NoError(t, err)

	sess := broker.NewFakeSession()
	sess.SetMarkPrice("BTC-USD-PERP", 60000)
	_, err = sess.Place(context.Background(), broker.OrderRequest{
		Symbol: "BTC-USD-PERP", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 0.1,
	})
	require.NoError(t, err)

	require.NoError(t, hist.Add(context.Background(), history.Record{
		ID: "r1", UserID: "u1", StrategyName: "trend-follow", Instrument: "BTC-USD-PERP",
		Side: history.SideBuy, EntryPrice: 60000, Amount: 0.1, Status: history.StatusOpen,
	}))

	report, err := eng.Reconcile(context.Background(), sess, "u1", "BTC-USD-PERP")
	require.NoError(t, err)
	require.Equal(t, CaseValid, report.Case)

	st, err := lcMgr.Get("u1")
	require.NoError(t, err)
	require.Equal(t, lifecycle.PositionOpen, st.Lifecycle)
	require.True(t, st.HasPosition)
}

func TestReconcile_Ghost(t *testing.T) {
	eng, lcMgr, hist := newTestEngine()
	_, err := lcMgr.ForceState("u1", lifecycle.PositionOpen, func(s *lifecycle.State) {
		s.StrategyName = "trend-follow"
		s.HasPosition = true
	})
	require.NoError(t, err)

	require.NoError(t, hist.Add(context.Background(), history.Record{
		ID: "r1", UserID: "u1", StrategyName: "trend-follow", Instrument: "BTC-USD-PERP",
		Side: history.SideBuy, EntryPrice: 60000, Amount: 0.1, Status: history.StatusOpen,
	}))

	sess := broker.NewFakeSession() // no position registered: broker shows flat
	report, err := eng.Reconcile(context.Background(), sess, "u1", "BTC-USD-PERP")
	require.NoError(t, err)
	require.Equal(t, CaseGhost, report.Case)

	rec, err := hist.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, rec.IsClosed())
	require.Equal(t, history.ExitAutoClosedOrphan, rec.ExitReason)
	require.InDelta(t, 59500, *rec.ExitPrice, 1e-9)

	st, err := lcMgr.Get("u1")
	require.NoError(t, err)
	require.Equal(t, lifecycle.Analyzing, st.Lifecycle)
	require.False(t, st.HasPosition)
}

func TestReconcile_Orphan(t *testing.T) {
	eng, lcMgr, hist := newTestEngine()

	sess := broker.NewFakeSession()
	sess.SetMarkPrice("BTC-USD-PERP", 60000)
	_, err := sess.Place(context.Background(), broker.OrderRequest{
		Symbol: "BTC-USD-PERP", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 0.2,
	})
	require.NoError(t, err)

	report, err := eng.Reconcile(context.Background(), sess, "u1", "BTC-USD-PERP")
	require.NoError(t, err)
	require.Equal(t, CaseOrphan, report.Case)

	st, err := lcMgr.Get("u1")
	require.NoError(t, err)
	require.Equal(t, lifecycle.PositionOpen, st.Lifecycle)
	require.InDelta(t, 0.2, st.PositionSize, 1e-9)

	records, err := hist.Query(context.Background(), history.Query{UserID: "u1", Status: history.StatusOpen})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "orphan-adopted", records[0].EntryOrderID)
}
