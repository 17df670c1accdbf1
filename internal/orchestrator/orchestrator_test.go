package orchestrator

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

// fixedCreds always resolves to an empty credential set; the FakePort never
// inspects them.
type fixedCreds struct{}

func (fixedCreds) Credentials(ctx context.Context, userID, brokerName string, env broker.Environment) (broker.Credentials, error) {
	return broker.Credentials{}, nil
}

// fixedEntitlements grants a constant worker budget regardless of user.
type fixedEntitlements struct{ max int }

func (f fixedEntitlements) MaxWorkers(ctx context.Context, userID string) (int, error) {
	return f.max, nil
}

func newTestOrchestrator(t *testing.T, maxWorkers int) (*Orchestrator, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))

	pool := broker.NewPool(broker.NewFake(), broker.DefaultPoolConfig())
	lcMgr := lifecycle.NewManager(newMemLifecycleStore(), nil)
	hist := history.NewMemory()
	bus := events.NewBus()

	strategies := strategy.NewRegistry()
	strategies.Register("ma_crossover", func() strategy.Strategy { return strategy.NewMACrossover() })

	recon := reconciliation.NewEngine(lcMgr, hist, noopPrices{})

	orch := New(database, pool, fixedCreds{}, fixedEntitlements{max: maxWorkers}, lcMgr, hist, bus, strategies, recon, executor.DefaultConfig())
	t.Cleanup(func() { database.Close() })
	return orch, database
}

type noopPrices struct{}

func (noopPrices) LastPrice(symbol string) (float64, bool) { return 0, false }

func waitForActive(t *testing.T, orch *Orchestrator, userID string, want int, timeout time.Duration) {
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

func TestOrchestrator_StartRunner_RespectsEntitlement(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 1)
	ctx := context.Background()

	req := StartRequest{UserID: "user-1", StrategyName: "ma_crossover", Instrument: "BTC-USD-PERP", Broker: "fake", Environment: "testnet",
		Config: []byte("short_period: 2\nlong_period: 4\nstop_percent: 1.0\ntake_profit_percent: 2.0\n")}

	job, err := orch.StartRunner(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, job.JobID)

	waitForActive(t, orch, "user-1", 1, time.Second)

	_, err = orch.StartRunner(ctx, req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "EntitlementExceeded")

	require.Empty(t, orch.StopAll(ctx, "user-1", false))
	orch.Shutdown(ctx)
}

func TestOrchestrator_StopRunner_StopsWorkerAndFreesSlot(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 2)
	ctx := context.Background()

	req := StartRequest{UserID: "user-2", StrategyName: "ma_crossover", Instrument: "BTC-USD-PERP", Broker: "fake", Environment: "testnet",
		Config: []byte("short_period: 2\nlong_period: 4\nstop_percent: 1.0\ntake_profit_percent: 2.0\n")}

	job, err := orch.StartRunner(ctx, req)
	require.NoError(t, err)
	waitForActive(t, orch, "user-2", 1, time.Second)

	require.NoError(t, orch.StopRunner(ctx, job.JobID, false))
	require.Equal(t, 0, orch.ActiveCount("user-2"))

	statuses := orch.Status("user-2")
	require.Empty(t, statuses)
	orch.Shutdown(ctx)
}

func TestOrchestrator_Status_FiltersByUser(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 1)
	ctx := context.Background()

	cfg := []byte("short_period: 2\nlong_period: 4\nstop_percent: 1.0\ntake_profit_percent: 2.0\n")
	_, err := orch.StartRunner(ctx, StartRequest{UserID: "alice", StrategyName: "ma_crossover", Instrument: "BTC-USD-PERP", Broker: "fake", Environment: "testnet", Config: cfg})
	require.NoError(t, err)
	_, err = orch.StartRunner(ctx, StartRequest{UserID: "bob", StrategyName: "ma_crossover", Instrument: "ETH-USD-PERP", Broker: "fake", Environment: "testnet", Config: cfg})
	require.NoError(t, err)

	waitForActive(t, orch, "alice", 1, time.Second)
	waitForActive(t, orch, "bob", 1, time.Second)

	require.Len(t, orch.Status("alice"), 1)
	require.Len(t, orch.Status("bob"), 1)
	require.Len(t, orch.Status(""), 2)

	orch.Shutdown(ctx)
}
