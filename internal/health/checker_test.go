package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradingd/internal/broker"
	"tradingd/internal/events"
	"tradingd/internal/executor"
	"tradingd/internal/history"
	"tradingd/internal/lifecycle"
	"tradingd/internal/metrics"
	"tradingd/internal/orchestrator"
	"tradingd/internal/reconciliation"
	"tradingd/internal/strategy"
	"tradingd/pkg/db"
)

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

type fixedCreds struct{}

func (fixedCreds) Credentials(ctx context.Context, userID, brokerName string, env broker.Environment) (broker.Credentials, error) {
	return broker.Credentials{}, nil
}

type fixedEntitlements struct{ max int }

func (f fixedEntitlements) MaxWorkers(ctx context.Context, userID string) (int, error) {
	return f.max, nil
}

type noopPrices struct{}

func (noopPrices) LastPrice(symbol string) (float64, bool) { return 0, false }

func newHarness(t *testing.T) (*orchestrator.Orchestrator, *lifecycle.Manager, *events.Bus, *metrics.Registry) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { database.Close() })

	pool := broker.NewPool(broker.NewFake(), broker.DefaultPoolConfig())
	lcMgr := lifecycle.NewManager(newMemLifecycleStore(), nil)
	hist := history.NewMemory()
	bus := events.NewBus()
	reg := metrics.New()

	strategies := strategy.NewRegistry()
	strategies.Register("ma_crossover", func() strategy.Strategy { return strategy.NewMACrossover() })

	recon := reconciliation.NewEngine(lcMgr, hist, noopPrices{})
	orch := orchestrator.New(database, pool, fixedCreds{}, fixedEntitlements{max: 1}, lcMgr, hist, bus, strategies, recon, executor.DefaultConfig())
	return orch, lcMgr, bus, reg
}

func waitForActive(t *testing.T, orch *orchestrator.Orchestrator, userID string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if orch.ActiveCount(userID) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for active count %d, last seen %d", want, orch.ActiveCount(userID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChecker_NeverCullsProtectedLifecycle(t *testing.T) {
	orch, lcMgr, bus, reg := newHarness(t)
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	defer database.Close()

	const userID = "user-1"
	job, err := orch.StartRunner(ctx, orchestrator.StartRequest{
		UserID: userID, StrategyName: "ma_crossover", Instrument: "BTC-USD-PERP", Broker: "fake", Environment: "testnet",
		Config: []byte("short_period: 2\nlong_period: 4\nstop_percent: 1.0\ntake_profit_percent: 2.0\n"),
	})
	require.NoError(t, err)
	waitForActive(t, orch, userID, 1, time.Second)

	_, err = lcMgr.ForceState(userID, lifecycle.PositionOpen, func(s *lifecycle.State) {
		s.HasPosition = true
		s.PositionEntryPrice = 100
		s.PositionSize = 1
	})
	require.NoError(t, err)

	checker := New(database, lcMgr, orch, reg, bus, time.Hour, 0)
	checker.sweep(ctx)

	// The worker must still be registered: a protected lifecycle is never culled.
	require.Len(t, orch.Status(userID), 1)
	require.Equal(t, job.JobID, orch.Status(userID)[0].JobID)

	orch.Shutdown(ctx)
}

func TestChecker_CullsStrayWorkerWhosePersistedStateIsIdle(t *testing.T) {
	orch, lcMgr, bus, reg := newHarness(t)
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	defer database.Close()

	const userID = "user-2"
	_, err = orch.StartRunner(ctx, orchestrator.StartRequest{
		UserID: userID, StrategyName: "ma_crossover", Instrument: "BTC-USD-PERP", Broker: "fake", Environment: "testnet",
		Config: []byte("short_period: 2\nlong_period: 4\nstop_percent: 1.0\ntake_profit_percent: 2.0\n"),
	})
	require.NoError(t, err)
	waitForActive(t, orch, userID, 1, time.Second)

	// Simulate the persisted state already having fallen back to idle (e.g.
	// the user's own stop request raced the orchestrator's own cleanup).
	_, err = lcMgr.StopStrategy(userID, false)
	require.NoError(t, err)

	checker := New(database, lcMgr, orch, reg, bus, time.Hour, 0)
	checker.sweep(ctx)

	require.Empty(t, orch.Status(userID))
	require.Equal(t, 0, orch.ActiveCount(userID))

	orch.Shutdown(ctx)
}

func TestChecker_CheckSystem_ReportsHealthyByDefault(t *testing.T) {
	orch, lcMgr, bus, reg := newHarness(t)
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	defer database.Close()

	checker := New(database, lcMgr, orch, reg, bus, time.Hour, time.Minute)
	report := checker.CheckSystem(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.NotEmpty(t, report.Checks)
}
