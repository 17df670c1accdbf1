package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradingd/internal/broker"
	"tradingd/internal/events"
	"tradingd/internal/history"
	"tradingd/internal/lifecycle"
	"tradingd/internal/strategy"
)

// memLifecycleStore is a minimal in-memory lifecycle.Store, mirroring the
// fake used by the lifecycle package's own tests, for tests outside that
// package that still need a real Manager.
type memLifecycleStore struct {
	st map[string]lifecycle.State
}

func newMemLifecycleStore() *memLifecycleStore {
	return &memLifecycleStore{st: make(map[string]lifecycle.State)}
}

func (s *memLifecycleStore) Load(userID string) (lifecycle.State, bool, error) {
	st, ok := s.st[userID]
	return st, ok, nil
}

func (s *memLifecycleStore) Save(expectedVersion int, next lifecycle.State) error {
	s.st[next.UserID] = next
	return nil
}

func waitForLifecycle(t *testing.T, mgr *lifecycle.Manager, userID string, want lifecycle.Lifecycle, timeout time.Duration) lifecycle.State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		st, err := mgr.Get(userID)
		require.NoError(t, err)
		if st.Lifecycle == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for lifecycle %s, last seen %s", want, st.Lifecycle)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestExecutor_FullCycle_EntryAndTakeProfit drives a complete run: warmup,
// a bullish MA cross on the first live tick, sizing, entry fill, bracket
// attachment, then a price move that fills the take-profit leg and closes
// the position, asserting the trade history record and lifecycle both land
// back in a consistent state.
func TestExecutor_FullCycle_EntryAndTakeProfit(t *testing.T) {
	const userID = "user-1"
	const instrument = "BTC-USD-PERP"

	session := broker.NewFakeSession()
	session.SetInstrument(broker.Instrument{
		Symbol: instrument, QuoteCurrency: "USD", TickSize: 0.1,
		MinTradeAmount: 0.001, LotSize: 0.001, MaxLeverage: 20,
	})
	session.SetBalance(broker.Balance{Currency: "USD", Equity: 10_000, Available: 10_000})
	session.SetMarkPrice(instrument, 100) // warmup candles are fetched flat at this price

	lcMgr := lifecycle.NewManager(newMemLifecycleStore(), nil)
	_, err := lcMgr.StartStrategy(userID, "ma_crossover", instrument, "fake", "testnet", nil)
	require.NoError(t, err)

	hist := history.NewMemory()
	bus := events.NewBus()

	strat := strategy.NewMACrossover()
	require.NoError(t, strat.Configure([]byte("short_period: 2\nlong_period: 4\nstop_percent: 1.0\ntake_profit_percent: 2.0\n")))

	cfg := DefaultConfig()
	cfg.OrderFillTimeout = 2 * time.Second
	exec := New(userID, instrument, "fake", session, lcMgr, hist, bus, strat, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- exec.Run(ctx) }()

	time.Sleep(50 * time.Millisecond) // let warmup + ticker subscription complete

	// prevShort == prevLong == 100 coming out of the flat warmup; any uptick
	// makes sma_short outrun sma_long on the very next candle, a bullish cross.
	session.SetMarkPrice(instrument, 101)

	st := waitForLifecycle(t, lcMgr, userID, lifecycle.PositionOpen, 2*time.Second)
	require.Equal(t, lifecycle.SideLong, st.PositionSide)
	require.InDelta(t, 101, st.PositionEntryPrice, 0.01)
	require.Greater(t, st.PositionSize, 0.0)

	open, err := hist.Query(ctx, history.Query{UserID: userID, Status: history.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotEmpty(t, open[0].SLOrderID)
	require.NotEmpty(t, open[0].TPOrderID)

	// Move price up through the take-profit trigger (entry*1.02 rounded to
	// the 0.1 tick = 103.0); the fake venue fills the resting TP leg itself.
	session.SetMarkPrice(instrument, 103.5)

	waitForLifecycle(t, lcMgr, userID, lifecycle.Analyzing, 2*time.Second)

	closed, err := hist.Query(ctx, history.Query{UserID: userID, Status: history.StatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.True(t, closed[0].IsClosed())
	require.Equal(t, history.ExitTPHit, closed[0].ExitReason)
	require.Greater(t, *closed[0].PnL, 0.0)

	exec.Stop()
	cancel()
	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("executor did not stop in time")
	}
}

// TestExecutor_SizingRejection_ReturnsToAnalyzing covers the abort path: a
// signal detected with an unsizeable stop (below the instrument minimum
// trade size) must not leave the user stuck outside ANALYZING.
func TestExecutor_SizingRejection_ReturnsToAnalyzing(t *testing.T) {
	const userID = "user-2"
	const instrument = "ETH-USD-PERP"

	session := broker.NewFakeSession()
	session.SetInstrument(broker.Instrument{
		Symbol: instrument, QuoteCurrency: "USD", TickSize: 0.1,
		MinTradeAmount: 1_000_000, LotSize: 0.001, MaxLeverage: 20,
	})
	session.SetBalance(broker.Balance{Currency: "USD", Equity: 10_000, Available: 10_000})
	session.SetMarkPrice(instrument, 100)

	lcMgr := lifecycle.NewManager(newMemLifecycleStore(), nil)
	_, err := lcMgr.StartStrategy(userID, "ma_crossover", instrument, "fake", "testnet", nil)
	require.NoError(t, err)

	hist := history.NewMemory()
	bus := events.NewBus()

	strat := strategy.NewMACrossover()
	require.NoError(t, strat.Configure([]byte("short_period: 2\nlong_period: 4\n")))

	cfg := DefaultConfig()
	cfg.CooldownAfterReject = 10 * time.Millisecond
	exec := New(userID, instrument, "fake", session, lcMgr, hist, bus, strat, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- exec.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	session.SetMarkPrice(instrument, 101)

	st := waitForLifecycle(t, lcMgr, userID, lifecycle.Analyzing, 2*time.Second)
	require.False(t, st.HasPosition)

	open, err := hist.Query(ctx, history.Query{UserID: userID, Status: history.StatusOpen})
	require.NoError(t, err)
	require.Empty(t, open)

	exec.Stop()
	cancel()
	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("executor did not stop in time")
	}
}
