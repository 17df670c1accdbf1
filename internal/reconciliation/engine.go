// Package reconciliation implements the Reconciliation Engine (C6): it
// compares persisted state to the broker's authoritative view and resolves
// the four cases of §4.5 (valid, ghost, orphan, clean). The executor runs it
// once at startup, before its main loop; it is not re-run on later ticks or
// heartbeats.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradingd/internal/broker"
	"tradingd/internal/bracket"
	"tradingd/internal/errs"
	"tradingd/internal/history"
	"tradingd/internal/lifecycle"
)

// PriceProvider supplies the "last known price" reconciliation uses to value
// a ghost close when the venue no longer reports a position for the
// instrument. OPEN QUESTION resolved: spec.md §9 leaves ambiguous whether
// this should be the last ticker tick or the broker's own last-trade-price;
// the price comes from this seam (see DESIGN.md) because the broker.Session
// port has no dedicated last-trade-price capability — GetPositions.Mark is
// only populated while a position exists, which is exactly the case (ghost)
// where it's unavailable. When LastPrice reports ok=false the ghost close is
// valued at the trade record's entry price; the provider main.go wires
// never reports a price.
type PriceProvider interface {
	LastPrice(symbol string) (float64, bool)
}

// Report summarizes one reconciliation pass for one user, useful for logging
// and for the health/metrics surface.
type Report struct {
	UserID    string
	Case      Case
	Timestamp time.Time
	Detail    string
}

// Case is the closed outcome set of the §4.5 decision table.
type Case string

const (
	CaseValid  Case = "valid"
	CaseGhost  Case = "ghost"
	CaseOrphan Case = "orphan"
	CaseClean  Case = "clean"
)

// Engine runs the reconciliation algorithm against one user's session.
type Engine struct {
	lifecycleMgr *lifecycle.Manager
	historyStore history.Store
	prices       PriceProvider
}

func NewEngine(lifecycleMgr *lifecycle.Manager, historyStore history.Store, prices PriceProvider) *Engine {
	return &Engine{lifecycleMgr: lifecycleMgr, historyStore: historyStore, prices: prices}
}

// Reconcile compares DB state to broker truth for userID/instrument and
// resolves the outcome. It must complete promptly — the caller (executor
// startup path) is responsible for enforcing the 30s RecoveryTimeout budget
// across the whole startup sequence, of which this call is one step.
func (e *Engine) Reconcile(ctx context.Context, session broker.Session, userID, instrument string) (Report, error) {
	st, err := e.lifecycleMgr.Get(userID)
	if err != nil {
		return Report{}, fmt.Errorf("reconciliation: load state: %w", err)
	}

	openRecords, err := e.historyStore.Query(ctx, history.Query{
		UserID: userID, Instrument: instrument, Status: history.StatusOpen, Limit: 1,
	})
	if err != nil {
		return Report{}, fmt.Errorf("reconciliation: query open trade records: %w", err)
	}
	var dbOpen *history.Record
	if len(openRecords) > 0 {
		dbOpen = &openRecords[0]
	}

	positions, err := session.GetPositions(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("reconciliation: query broker positions: %w", err)
	}
	var brokerPos *broker.Position
	for i := range positions {
		if positions[i].InstrumentName == instrument && positions[i].Size != 0 {
			brokerPos = &positions[i]
			break
		}
	}

	switch {
	case dbOpen != nil && brokerPos != nil:
		return e.reconcileValid(ctx, userID, st, *dbOpen, *brokerPos)
	case dbOpen != nil && brokerPos == nil:
		return e.reconcileGhost(ctx, session, userID, instrument, st, *dbOpen)
	case dbOpen == nil && brokerPos != nil:
		return e.reconcileOrphan(ctx, userID, instrument, st, *brokerPos)
	default:
		return e.reconcileClean(userID, st)
	}
}

// reconcileValid: DB and broker agree a position is open. Drift in price or
// size is corrected toward broker truth with a warning; lifecycle is forced
// to POSITION_OPEN if it had drifted out of sync.
func (e *Engine) reconcileValid(ctx context.Context, userID string, st lifecycle.State, rec history.Record, pos broker.Position) (Report, error) {
	detail := "positions agree"
	if rec.EntryPrice != pos.AveragePrice || rec.Amount != absf(pos.Size) {
		detail = fmt.Sprintf("⚠️ drift corrected: db entry=%.8f amount=%.8f -> broker entry=%.8f amount=%.8f",
			rec.EntryPrice, rec.Amount, pos.AveragePrice, absf(pos.Size))
	}

	if st.Lifecycle != lifecycle.PositionOpen {
		side := lifecycle.SideLong
		if pos.Size < 0 {
			side = lifecycle.SideShort
		}
		if _, err := e.lifecycleMgr.ForceState(userID, lifecycle.PositionOpen, func(s *lifecycle.State) {
			s.PositionEntryPrice = pos.AveragePrice
			s.PositionSize = absf(pos.Size)
			s.PositionSide = side
			s.HasPosition = true
		}); err != nil {
			return Report{}, err
		}
	}
	return Report{UserID: userID, Case: CaseValid, Timestamp: time.Now(), Detail: detail}, nil
}

// reconcileGhost: DB says open, broker shows no position. The trade record
// is closed with exit_reason=auto_closed_orphan, any lingering SL/TP are
// cancelled best-effort, and lifecycle returns to ANALYZING.
func (e *Engine) reconcileGhost(ctx context.Context, session broker.Session, userID, instrument string, st lifecycle.State, rec history.Record) (Report, error) {
	exitPrice := rec.EntryPrice
	if p, ok := e.prices.LastPrice(instrument); ok {
		exitPrice = p
	}

	pnl := pnlFor(rec.Side, rec.EntryPrice, exitPrice, rec.Amount)
	pnlPct := 0.0
	if rec.Amount != 0 {
		// Amount is USD notional, as in the executor's closeRecord.
		pnlPct = pnl / rec.Amount * 100
	}
	now := time.Now()
	reason := history.ExitAutoClosedOrphan
	if err := e.historyStore.Update(ctx, rec.ID, history.Patch{
		ExitPrice: &exitPrice, ExitTime: &now, ExitReason: &reason, PnL: &pnl, PnLPercent: &pnlPct,
		Status: statusPtr(history.StatusClosed),
	}); err != nil {
		return Report{}, fmt.Errorf("reconciliation: close ghost trade: %w", err)
	}

	bm := bracket.NewManager(session)
	_ = bm.CancelAllOrders(ctx, instrument)

	if _, err := e.lifecycleMgr.ForceState(userID, lifecycle.Analyzing, func(s *lifecycle.State) {
		s.HasPosition = false
		s.PositionEntryPrice = 0
		s.PositionSize = 0
		s.PositionSide = ""
	}); err != nil {
		return Report{}, err
	}

	return Report{UserID: userID, Case: CaseGhost, Timestamp: now,
		Detail: fmt.Sprintf("closed ghost trade %s at %.8f, pnl=%.8f", rec.ID, exitPrice, pnl)}, nil
}

// reconcileOrphan: broker shows a position DB doesn't know about. A
// TradeRecord is synthesized from broker truth, lifecycle forced to
// POSITION_OPEN; SL/TP are deliberately NOT synthesized here — the caller
// must trigger an immediate bracket attach attempt (the returned Report's
// Detail ends with "bracket attach required").
func (e *Engine) reconcileOrphan(ctx context.Context, userID, instrument string, st lifecycle.State, pos broker.Position) (Report, error) {
	side := history.SideBuy
	lcSide := lifecycle.SideLong
	if pos.Size < 0 {
		side = history.SideSell
		lcSide = lifecycle.SideShort
	}

	rec := history.Record{
		ID:           uuid.NewString(),
		UserID:       userID,
		StrategyName: st.StrategyName,
		Instrument:   instrument,
		Side:         side,
		EntryOrderID: "orphan-adopted",
		EntryPrice:   pos.AveragePrice,
		Amount:       absf(pos.Size),
		EntryTime:    time.Now(),
		Status:       history.StatusOpen,
	}
	if err := e.historyStore.Add(ctx, rec); err != nil {
		return Report{}, fmt.Errorf("reconciliation: adopt orphan position: %w", err)
	}

	if _, err := e.lifecycleMgr.ForceState(userID, lifecycle.PositionOpen, func(s *lifecycle.State) {
		s.PositionEntryPrice = pos.AveragePrice
		s.PositionSize = absf(pos.Size)
		s.PositionSide = lcSide
		s.HasPosition = true
	}); err != nil {
		return Report{}, err
	}

	return Report{UserID: userID, Case: CaseOrphan, Timestamp: time.Now(),
		Detail: fmt.Sprintf("adopted orphan position %s %.8f @ %.8f, bracket attach required", instrument, absf(pos.Size), pos.AveragePrice)}, nil
}

// reconcileClean: neither DB nor broker show an open position. Lifecycle is
// set to ANALYZING if a strategy is active and lifecycle is neither
// ANALYZING nor IDLE; otherwise it is left unchanged.
func (e *Engine) reconcileClean(userID string, st lifecycle.State) (Report, error) {
	if st.StrategyName != "" && st.Lifecycle != lifecycle.Analyzing && st.Lifecycle != lifecycle.Idle {
		if _, err := e.lifecycleMgr.ForceState(userID, lifecycle.Analyzing, nil); err != nil {
			return Report{}, err
		}
	}
	return Report{UserID: userID, Case: CaseClean, Timestamp: time.Now(), Detail: "no open position, no open record"}, nil
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func statusPtr(s history.Status) *history.Status { return &s }

// pnlFor computes signed PnL the same way the executor does for a normal
// close: long gains when exit > entry, short gains when exit < entry.
func pnlFor(side history.Side, entry, exit, amount float64) float64 {
	if side == history.SideSell {
		return (entry - exit) * amount / entry
	}
	return (exit - entry) * amount / entry
}

// RunWithTimeout runs fn (typically one Reconcile call) under the §4.5 30s
// budget: if fn doesn't complete within budget it returns an
// errs.RecoveryTimeout, and the caller must treat the executor as refusing
// to run.
func RunWithTimeout(ctx context.Context, budget time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errs.New(errs.RecoveryTimeout, fmt.Sprintf("reconciliation did not complete within %s", budget))
	}
}
