package bracket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tradingd/internal/broker"
	"tradingd/internal/errs"
)

func newFilledLongEntry(t *testing.T, sess broker.SimSession, symbol string, qty, price float64) string {
	t.Helper()
	sess.SetMarkPrice(symbol, price)
	id, err := sess.Place(context.Background(), broker.OrderRequest{
		Symbol: symbol,
		Side:   broker.SideBuy,
		Type:   broker.OrderTypeMarket,
		Amount: qty,
	})
	require.NoError(t, err)
	return id
}

func TestAttachBrackets_Success(t *testing.T) {
	sess := broker.NewFakeSession()
	entryID := newFilledLongEntry(t, sess, "BTC-USD-PERP", 5000, 60000)

	mgr := NewManager(sess)
	res := mgr.AttachBrackets(context.Background(), Params{
		Symbol:        "BTC-USD-PERP",
		EntrySide:     broker.SideBuy,
		EntryOrderID:  entryID,
		TickSize:      0.1,
		StopLoss:      59400,
		TakeProfit:    61200,
		TriggerBudget: 10,
	}, 2)

	require.True(t, res.Ok(), "%v", res.Err)
	require.NotEmpty(t, res.SLOrderID)
	require.NotEmpty(t, res.TPOrderID)

	slState, err := sess.GetOrderState(context.Background(), res.SLOrderID)
	require.NoError(t, err)
	require.Equal(t, broker.OrderOpen, slState.State)

	tpState, err := sess.GetOrderState(context.Background(), res.TPOrderID)
	require.NoError(t, err)
	require.Equal(t, broker.OrderOpen, tpState.State)
}

func TestAttachBrackets_EntryNotFilled(t *testing.T) {
	sess := broker.NewFakeSession()
	mgr := NewManager(sess)

	// Place a limit order far from mark so it never fills.
	sess.SetMarkPrice("BTC-USD-PERP", 60000)
	id, err := sess.Place(context.Background(), broker.OrderRequest{
		Symbol: "BTC-USD-PERP", Side: broker.SideBuy, Type: broker.OrderTypeLimit, Amount: 1, Price: 1,
	})
	require.NoError(t, err)

	res := mgr.AttachBrackets(context.Background(), Params{
		Symbol: "BTC-USD-PERP", EntrySide: broker.SideBuy, EntryOrderID: id, TickSize: 0.1,
		StopLoss: 59000, TakeProfit: 61000,
	}, 2)
	require.False(t, res.Ok())
}

func TestAttachBrackets_NoPositionAfterFill(t *testing.T) {
	sess := broker.NewFakeSession()
	mgr := NewManager(sess)

	// Produce a genuinely filled entry order id, then remove the position it
	// opened so the id no longer corresponds to any venue position.
	sess.SetMarkPrice("ETH-USD-PERP", 3000)
	id := newFilledLongEntry(t, sess, "ETH-USD-PERP", 10, 3000)
	// Flatten the position out from under the manager to simulate a race
	// where the position disappeared between entry and bracket attach.
	_, err := sess.Place(context.Background(), broker.OrderRequest{
		Symbol: "ETH-USD-PERP", Side: broker.SideSell, Type: broker.OrderTypeMarket, Amount: 10,
	})
	require.NoError(t, err)

	res := mgr.AttachBrackets(context.Background(), Params{
		Symbol: "ETH-USD-PERP", EntrySide: broker.SideBuy, EntryOrderID: id, TickSize: 0.1,
		StopLoss: 2900, TakeProfit: 3100,
	}, 1)
	require.False(t, res.Ok())
	require.True(t, errs.Is(res.Err, errs.BracketPlacementFailed))
}

func TestRoundToTick(t *testing.T) {
	require.InDelta(t, 60000.0, RoundToTick(60000.04, 0.1), 1e-9)
	require.InDelta(t, 59400.0, RoundToTick(59399.96, 0.1), 1e-9)
	require.InDelta(t, 100.5, RoundToTick(100.46, 0.5), 1e-9)
}

func TestCancelAllOrders_Idempotent(t *testing.T) {
	sess := broker.NewFakeSession()
	mgr := NewManager(sess)

	entryID := newFilledLongEntry(t, sess, "BTC-USD-PERP", 100, 60000)
	res := mgr.AttachBrackets(context.Background(), Params{
		Symbol: "BTC-USD-PERP", EntrySide: broker.SideBuy, EntryOrderID: entryID, TickSize: 0.1,
		StopLoss: 59000, TakeProfit: 61000,
	}, 1)
	require.True(t, res.Ok())

	require.NoError(t, mgr.CancelAllOrders(context.Background(), "BTC-USD-PERP"))
	// Calling again on already-cancelled orders must still succeed.
	require.NoError(t, mgr.CancelAllOrders(context.Background(), "BTC-USD-PERP"))
}

func TestEmergencyClose(t *testing.T) {
	sess := broker.NewFakeSession()
	mgr := NewManager(sess)
	sess.SetMarkPrice("BTC-USD-PERP", 60000)

	_, err := sess.Place(context.Background(), broker.OrderRequest{
		Symbol: "BTC-USD-PERP", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 10,
	})
	require.NoError(t, err)

	id, err := mgr.EmergencyClose(context.Background(), "BTC-USD-PERP", broker.SideBuy, 10, "bracket placement failed")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	positions, err := sess.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, positions)
}
