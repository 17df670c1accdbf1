// Package bracket implements the Bracket Order Manager (C5): the
// correctness-critical subsystem that attaches a stop-loss and take-profit
// pair to a filled entry order, re-verifying every precondition itself
// rather than trusting the caller, retrying with backoff, and falling back
// to an emergency close when the pair cannot be placed (§4.4).
package bracket

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"tradingd/internal/broker"
	"tradingd/internal/errs"
)

const (
	defaultMaxRetries  = 2
	settleDelay        = 200 * time.Millisecond
	backoffBase        = 500 * time.Millisecond
	cancelRetries      = 3
	cancelRetryDelay   = 200 * time.Millisecond
)

// Params is everything attachBrackets needs, per §4.4's precondition: the
// caller has already placed the entry and holds its order id.
type Params struct {
	Symbol       string
	EntrySide    broker.Side // the entry's side; SL/TP/emergency close in Opposite()
	EntryOrderID string
	TickSize     float64
	StopLoss     float64
	TakeProfit   float64
	TriggerBudget int // venue's max concurrent trigger orders for this instrument
}

// Result is attachBrackets' tagged-variant outcome. A nil Err means both legs
// are confirmed open at the venue; the invariant holds that after success
// both ids are non-empty.
type Result struct {
	SLOrderID string
	TPOrderID string
	Err       error
}

func (r Result) Ok() bool { return r.Err == nil }

// Manager attaches/cancels/emergency-closes orders against one borrowed
// broker.Session. It never owns the session's lifecycle (§9 cyclic ownership
// note): Close is the executor's responsibility, not the manager's.
type Manager struct {
	session broker.Session
}

func NewManager(session broker.Session) *Manager {
	return &Manager{session: session}
}

// RoundToTick implements round_to_tick(p) = round(p/tick)*tick using decimal
// arithmetic so repeated rounding near a half-tick boundary is deterministic.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	units := p.Div(t).Round(0)
	out, _ := units.Mul(t).Float64()
	return out
}

// AttachBrackets runs the full algorithm of §4.4 steps 1-9. maxRetries <= 0
// uses the default of 2.
func (m *Manager) AttachBrackets(ctx context.Context, p Params, maxRetries int) Result {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	closeSide := p.EntrySide.Opposite()

	// Step 1: verify entry is filled.
	entryState, err := m.session.GetOrderState(ctx, p.EntryOrderID)
	if err != nil {
		return Result{Err: fmt.Errorf("bracket: query entry order state: %w", err)}
	}
	if entryState.State != broker.OrderFilled {
		return Result{Err: errs.New(errs.OrderRejected, fmt.Sprintf("entry order %s is %s, not filled", p.EntryOrderID, entryState.State))}
	}

	// Step 2: verify a non-zero position exists for this instrument.
	qty, err := m.positionQty(ctx, p.Symbol)
	if err != nil {
		return Result{Err: err}
	}
	if qty == 0 {
		return Result{Err: errs.New(errs.BracketPlacementFailed, "no venue position exists for "+p.Symbol+" after entry fill")}
	}
	amount := math.Abs(qty)

	// Step 3: cleanup orphan triggers (a no-op here: a position exists, and
	// cancelOrphanTriggers only sweeps when there is none).
	if err := m.cancelOrphanTriggers(ctx, p.Symbol); err != nil {
		return Result{Err: err}
	}

	// Step 4: trigger budget check.
	open, err := m.session.GetOpenOrders(ctx, p.Symbol)
	if err != nil {
		return Result{Err: fmt.Errorf("bracket: query open orders: %w", err)}
	}
	budget := p.TriggerBudget
	if budget <= 0 {
		budget = 10
	}
	if len(open) >= budget-2 {
		return Result{Err: errs.New(errs.BracketPlacementFailed, "trigger order budget exhausted")}
	}

	slPrice := RoundToTick(p.StopLoss, p.TickSize)
	tpPrice := RoundToTick(p.TakeProfit, p.TickSize)

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		slID, tpID, err := m.placePair(ctx, p.Symbol, closeSide, amount, slPrice, tpPrice)
		if err == nil {
			return Result{SLOrderID: slID, TPOrderID: tpID}
		}
		lastErr = err
		if attempt <= maxRetries {
			backoff := backoffBase * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{Err: ctx.Err()}
			}
		}
	}

	return Result{Err: errs.New(errs.BracketPlacementFailed, fmt.Sprintf("exhausted %d retries: %v", maxRetries, lastErr))}
}

// placePair places SL first (most safety-critical), verifies it, then TP,
// verifies it; on any failure it cancels whichever leg succeeded so a failed
// attempt never leaves a dangling trigger order (§8 "Bracket atomicity").
func (m *Manager) placePair(ctx context.Context, symbol string, closeSide broker.Side, amount, slPrice, tpPrice float64) (string, string, error) {
	slID, err := m.placeAndVerify(ctx, broker.OrderRequest{
		Symbol:       symbol,
		Side:         closeSide,
		Type:         broker.OrderTypeStopMarket,
		Amount:       amount,
		Trigger:      true,
		TriggerPrice: slPrice,
		ReduceOnly:   true,
	})
	if err != nil {
		return "", "", fmt.Errorf("place SL: %w", err)
	}

	tpID, err := m.placeAndVerify(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       broker.OrderTypeTakeLimit,
		Amount:     amount,
		Price:      tpPrice,
		ReduceOnly: true,
	})
	if err != nil {
		m.cancelBestEffort(ctx, slID)
		return "", "", fmt.Errorf("place TP: %w", err)
	}

	return slID, tpID, nil
}

func (m *Manager) placeAndVerify(ctx context.Context, req broker.OrderRequest) (string, error) {
	id, err := m.session.Place(ctx, req)
	if err != nil {
		return "", err
	}
	state, err := m.session.GetOrderState(ctx, id)
	if err != nil {
		return "", err
	}
	if state.State == broker.OrderCancelled || state.State == broker.OrderRejected {
		return "", fmt.Errorf("order %s came back %s", id, state.State)
	}
	return id, nil
}

// positionQty returns the signed position size for symbol, 0 if none.
func (m *Manager) positionQty(ctx context.Context, symbol string) (float64, error) {
	positions, err := m.session.GetPositions(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("bracket: query positions: %w", err)
	}
	for _, pos := range positions {
		if pos.InstrumentName == symbol {
			return pos.Size, nil
		}
	}
	return 0, nil
}

// cancelOrphanTriggers cancels any resting stop/take orders for symbol when
// no position currently exists for it, then waits a short settle delay so
// the venue's own order-book state catches up before the caller proceeds.
func (m *Manager) cancelOrphanTriggers(ctx context.Context, symbol string) error {
	qty, err := m.positionQty(ctx, symbol)
	if err != nil {
		return err
	}
	if qty != 0 {
		return nil
	}
	open, err := m.session.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("bracket: query open orders for orphan cleanup: %w", err)
	}
	found := false
	for _, o := range open {
		if o.Type == broker.OrderTypeStopMarket || o.Type == broker.OrderTypeTakeLimit {
			m.cancelBestEffort(ctx, o.OrderID)
			found = true
		}
	}
	if found {
		select {
		case <-time.After(settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) cancelBestEffort(ctx context.Context, orderID string) {
	if orderID == "" {
		return
	}
	_ = m.session.Cancel(ctx, orderID)
}

// CancelAllOrders cancels every open order for instrument, idempotent with
// respect to orders already cancelled, retrying each up to 3 times.
func (m *Manager) CancelAllOrders(ctx context.Context, symbol string) error {
	open, err := m.session.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("bracket: query open orders: %w", err)
	}
	var firstErr error
	for _, o := range open {
		var lastErr error
		for attempt := 0; attempt < cancelRetries; attempt++ {
			if err := m.session.Cancel(ctx, o.OrderID); err != nil {
				lastErr = err
				select {
				case <-time.After(cancelRetryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil && firstErr == nil {
			firstErr = lastErr
		}
	}
	return firstErr
}

// EmergencyClose issues a reduce-only market order in the opposite direction
// of side to flatten qty. Never panics; failure is returned for the caller
// to treat as EmergencyCloseFailed (fatal per user, §7).
func (m *Manager) EmergencyClose(ctx context.Context, symbol string, side broker.Side, qty float64, reason string) (string, error) {
	id, err := m.session.Place(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Type:       broker.OrderTypeMarket,
		Amount:     math.Abs(qty),
		ReduceOnly: true,
	})
	if err != nil {
		return "", errs.New(errs.EmergencyCloseFailed, fmt.Sprintf("%s: %v", reason, err))
	}
	return id, nil
}
