// Package executor implements the Strategy Executor (C7): one cooperative
// task per user that owns a broker session, drives the strategy plug-in
// contract, and transitions the Strategy Lifecycle Manager through a full
// analyze -> signal -> entry -> bracket -> monitor -> close cycle (§4.6).
package executor

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradingd/internal/bracket"
	"tradingd/internal/broker"
	"tradingd/internal/errs"
	"tradingd/internal/events"
	"tradingd/internal/history"
	"tradingd/internal/lifecycle"
	"tradingd/internal/reconciliation"
	"tradingd/internal/risk"
	"tradingd/internal/strategy"
)

// Config is the subset of the daemon's typed configuration an executor needs,
// passed explicitly at construction per §9's "dynamic record-typed config" note.
type Config struct {
	RiskMode            risk.Mode
	RiskValue           float64
	WarnLeverage        float64
	OrderFillTimeout    time.Duration
	CooldownAfterReject time.Duration
	TriggerBudget       int
	MaxBracketRetries   int
	MaxConsecutiveErrs  int
	ErrorWindow         time.Duration
}

func DefaultConfig() Config {
	return Config{
		RiskMode:            risk.ModePercent,
		RiskValue:           1,
		OrderFillTimeout:    30 * time.Second,
		CooldownAfterReject: 5 * time.Second,
		TriggerBudget:       10,
		MaxBracketRetries:   2,
		MaxConsecutiveErrs:  5,
		ErrorWindow:         60 * time.Second,
	}
}

// tickerCache holds the last tick price per symbol; the executor uses it as
// the exit price when it closes a trade record. It is not handed to the
// Reconciliation Engine, whose PriceProvider comes from the engine's own
// constructor (see DESIGN.md Open Question #1).
type tickerCache struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func newTickerCache() *tickerCache { return &tickerCache{prices: make(map[string]float64)} }

func (c *tickerCache) set(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

func (c *tickerCache) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	return p, ok
}

// Executor owns exactly one user's session, lifecycle state, and bracket
// manager for the duration of one strategy run (§3 ownership rules).
type Executor struct {
	userID     string
	instrument string
	brokerName string

	session  broker.Session
	lcMgr    *lifecycle.Manager
	history  history.Store
	reconEng *reconciliation.Engine
	bus      *events.Bus
	strat    strategy.Strategy
	cfg      Config
	ticks    *tickerCache

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Executor bound to one user. The caller (orchestrator)
// retains ownership of session's lifetime beyond this call: the executor
// borrows it, never co-owns it (§9 cyclic ownership note).
func New(userID, instrument, brokerName string, session broker.Session, lcMgr *lifecycle.Manager,
	hist history.Store, bus *events.Bus, strat strategy.Strategy, cfg Config) *Executor {
	return &Executor{
		userID:     userID,
		instrument: instrument,
		brokerName: brokerName,
		session:    session,
		lcMgr:      lcMgr,
		history:    hist,
		reconEng:   nil,
		bus:        bus,
		strat:      strat,
		cfg:        cfg,
		ticks:      newTickerCache(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// WithReconciliationEngine injects the shared reconciliation engine; kept as
// a setter rather than a constructor argument so tests can swap in a fake
// history/lifecycle pairing without threading it through every call site.
func (e *Executor) WithReconciliationEngine(eng *reconciliation.Engine) *Executor {
	e.reconEng = eng
	return e
}

// Stop requests cooperative shutdown: the current suspending call is awaited,
// never aborted, before the loop exits (§5 cancellation model).
func (e *Executor) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
}

func (e *Executor) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Run executes the full §4.6 main loop until Stop is called or a fatal error
// degrades the user. Errors from the startup steps (instrument lookup, warmup,
// reconciliation, ticker subscription) are returned to the caller; a
// reconciliation RecoveryTimeout also publishes EventHealthDegraded before
// returning. A failed bracket attach or emergency close inside the loop
// publishes EventHealthDegraded. Run never panics on a domain outcome.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.doneCh)

	inst, err := e.session.GetInstrument(ctx, e.instrument)
	if err != nil {
		return fmt.Errorf("executor: resolve instrument %s: %w", e.instrument, err)
	}

	// A strategy only learns which symbol it's tracking from OnTick, so seed
	// it before feeding warmup candles or those candles land under the wrong
	// per-symbol indicator series.
	e.strat.OnTick(broker.Tick{Symbol: e.instrument})

	warmup := e.strat.RequiredWarmup()
	candles, err := e.session.GetCandles(ctx, e.instrument, "1m", warmup)
	if err != nil {
		return fmt.Errorf("executor: warmup candles: %w", err)
	}
	for _, c := range candles {
		e.strat.OnCandle(c)
	}

	if e.reconEng != nil {
		if err := reconciliation.RunWithTimeout(ctx, 30*time.Second, func(rctx context.Context) error {
			_, rerr := e.reconEng.Reconcile(rctx, e.session, e.userID, e.instrument)
			return rerr
		}); err != nil {
			log.Printf("❌ executor: user=%s reconciliation failed: %v", e.userID, err)
			if errs.Is(err, errs.RecoveryTimeout) {
				e.bus.Publish(events.EventHealthDegraded, e.userID)
			}
			return err
		}
	}

	ticks, err := e.session.SubscribeTicker(ctx, e.instrument)
	if err != nil {
		return fmt.Errorf("executor: subscribe ticker: %w", err)
	}

	bm := bracket.NewManager(e.session)
	consecutiveErrs := 0
	var firstErrAt time.Time

	log.Printf("▶️  executor: user=%s strategy=%s instrument=%s started", e.userID, e.strat.Name(), e.instrument)

	for {
		if e.stopping() {
			log.Printf("⏹  executor: user=%s stopping", e.userID)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case tick, ok := <-ticks:
			if !ok {
				return fmt.Errorf("executor: ticker stream closed unexpectedly")
			}
			e.ticks.set(tick.Symbol, tick.Price)
			e.strat.OnTick(tick)

			st, err := e.lcMgr.Get(e.userID)
			if err != nil {
				return fmt.Errorf("executor: load state: %w", err)
			}

			if st.Lifecycle == lifecycle.PositionOpen {
				if err := e.monitorPosition(ctx, bm, st); err != nil {
					if !e.classifyTransient(err, &consecutiveErrs, &firstErrAt) {
						return err
					}
				}
				continue
			}

			if !st.ShouldAnalyze() {
				continue
			}

			sig := e.strat.OnCandle(broker.Candle{T: tick.T, C: tick.Price})
			if !sig.IsActionable() {
				continue
			}

			if err := e.handleSignal(ctx, bm, inst, sig); err != nil {
				if !e.classifyTransient(err, &consecutiveErrs, &firstErrAt) {
					return err
				}
				continue
			}
			consecutiveErrs = 0
		}
	}
}

// classifyTransient records err against the consecutive-error escalation
// policy (§4.6 "Tick error handling") and reports whether the loop may
// continue (true) or must escalate and stop (false).
func (e *Executor) classifyTransient(err error, consecutive *int, firstAt *time.Time) bool {
	if errs.Is(err, errs.BrokerTransient) {
		log.Printf("⚠️  executor: user=%s transient error, skipping tick: %v", e.userID, err)
		return true
	}
	if *consecutive == 0 {
		*firstAt = time.Now()
	}
	*consecutive++
	if _, lerr := e.lcMgr.RecordError(e.userID); lerr != nil {
		log.Printf("❌ executor: user=%s failed to record error: %v", e.userID, lerr)
	}
	within := time.Since(*firstAt) <= e.cfg.ErrorWindow
	if *consecutive >= e.cfg.MaxConsecutiveErrs && within {
		log.Printf("❌ executor: user=%s escalating after %d consecutive errors: %v", e.userID, *consecutive, err)
		return false
	}
	if !within {
		*consecutive = 1
		*firstAt = time.Now()
	}
	return true
}

// handleSignal runs §4.6 step 4: SIGNAL_DETECTED -> sizing -> ENTERING_POSITION
// -> fill poll -> POSITION_OPEN -> bracket attach.
func (e *Executor) handleSignal(ctx context.Context, bm *bracket.Manager, inst broker.Instrument, sig strategy.Signal) error {
	if _, err := e.lcMgr.OnSignalDetected(e.userID); err != nil {
		return err
	}

	bal, err := e.session.GetBalance(ctx, inst.QuoteCurrency)
	if err != nil {
		return err
	}

	decision, sizeErr := risk.Size(risk.Input{
		Balance:        bal.Equity,
		RiskMode:       e.cfg.RiskMode,
		RiskValue:      e.cfg.RiskValue,
		Entry:          sig.Entry,
		Stop:           sig.Stop,
		MinTradeAmount: inst.MinTradeAmount,
		LotSize:        inst.LotSize,
		MaxLeverage:    inst.MaxLeverage,
		WarnLeverage:   e.cfg.WarnLeverage,
	})
	if sizeErr != nil {
		log.Printf("⚠️  executor: user=%s sizing rejected: %v, cooling down", e.userID, sizeErr)
		if _, err := e.lcMgr.Abort(e.userID); err != nil {
			return err
		}
		time.Sleep(e.cfg.CooldownAfterReject)
		return nil
	}
	for _, w := range decision.Warnings {
		log.Printf("⚠️  executor: user=%s sizing warning: %s", e.userID, w)
	}

	if _, err := e.lcMgr.OnEnteringPosition(e.userID); err != nil {
		return err
	}

	entryID, err := e.session.Place(ctx, broker.OrderRequest{
		Symbol: e.instrument, Side: sig.Side(), Type: broker.OrderTypeMarket, Amount: decision.Quantity,
	})
	if err != nil {
		return errs.New(errs.OrderRejected, err.Error())
	}

	state, err := e.pollUntilFilled(ctx, entryID)
	if err != nil {
		_ = e.session.Cancel(ctx, entryID)
		if _, lerr := e.lcMgr.Abort(e.userID); lerr != nil {
			return lerr
		}
		return nil
	}

	side := lifecycle.SideLong
	if sig.Side() == broker.SideSell {
		side = lifecycle.SideShort
	}
	if _, err := e.lcMgr.OnPositionOpened(e.userID, state.AveragePrice, state.FilledAmount, side); err != nil {
		return err
	}

	rec := history.Record{
		ID: uuid.NewString(), UserID: e.userID, StrategyName: e.strat.Name(), Instrument: e.instrument,
		Side: historySide(sig.Side()), EntryOrderID: entryID, EntryPrice: state.AveragePrice,
		Amount: state.FilledAmount, StopLoss: sig.Stop, TakeProfit: sig.TakeProfit,
		EntryTime: time.Now(), Status: history.StatusOpen,
	}
	if err := e.history.Add(ctx, rec); err != nil {
		return fmt.Errorf("executor: record trade open: %w", err)
	}
	e.bus.Publish(events.EventTradeOpened, rec)

	budget := e.cfg.TriggerBudget
	if budget <= 0 {
		budget = 10
	}
	result := bm.AttachBrackets(ctx, bracket.Params{
		Symbol: e.instrument, EntrySide: sig.Side(), EntryOrderID: entryID,
		TickSize: inst.TickSize, StopLoss: sig.Stop, TakeProfit: sig.TakeProfit, TriggerBudget: budget,
	}, e.cfg.MaxBracketRetries)

	if !result.Ok() {
		log.Printf("❌ executor: user=%s bracket attach failed: %v, emergency closing", e.userID, result.Err)
		if _, err := bm.EmergencyClose(ctx, e.instrument, sig.Side(), state.FilledAmount, result.Err.Error()); err != nil {
			log.Printf("🚨 executor: user=%s EMERGENCY CLOSE FAILED: %v — manual intervention required", e.userID, err)
			_, _ = e.lcMgr.ForceState(e.userID, lifecycle.Idle, nil)
			e.bus.Publish(events.EventHealthDegraded, e.userID)
			return errs.New(errs.EmergencyCloseFailed, err.Error())
		}
		exitPrice, _ := e.ticks.LastPrice(e.instrument)
		e.closeRecord(ctx, rec.ID, exitPrice, history.ExitError, sig.Side(), rec.EntryPrice, rec.Amount)
		_, _ = e.lcMgr.ForceState(e.userID, lifecycle.Idle, nil)
		e.bus.Publish(events.EventHealthDegraded, e.userID)
		return nil
	}

	if err := e.history.Update(ctx, rec.ID, history.Patch{SLOrderID: strPtr(result.SLOrderID), TPOrderID: strPtr(result.TPOrderID)}); err != nil {
		log.Printf("❌ executor: user=%s failed to record bracket ids: %v", e.userID, err)
	}
	return nil
}

// monitorPosition implements §4.6 step 5: while POSITION_OPEN, confirm the
// position still exists on every tick; if it vanished, the bracket closed it.
func (e *Executor) monitorPosition(ctx context.Context, bm *bracket.Manager, st lifecycle.State) error {
	positions, err := e.session.GetPositions(ctx, "")
	if err != nil {
		return errs.New(errs.BrokerTransient, err.Error())
	}
	for _, p := range positions {
		if p.InstrumentName == e.instrument && p.Size != 0 {
			return nil // still open, nothing to do this tick
		}
	}

	if _, err := e.lcMgr.OnPositionClosing(e.userID); err != nil {
		return err
	}
	if err := bm.CancelAllOrders(ctx, e.instrument); err != nil {
		log.Printf("⚠️  executor: user=%s cleanup of remaining bracket leg failed: %v", e.userID, err)
	}

	records, err := e.history.Query(ctx, history.Query{UserID: e.userID, Instrument: e.instrument, Status: history.StatusOpen, Limit: 1})
	if err != nil {
		return fmt.Errorf("executor: query open record on close: %w", err)
	}
	exitPrice, _ := e.ticks.LastPrice(e.instrument)
	if len(records) > 0 {
		reason := history.ExitSLHit
		if st.PositionSide == lifecycle.SideLong && exitPrice > st.PositionEntryPrice {
			reason = history.ExitTPHit
		} else if st.PositionSide == lifecycle.SideShort && exitPrice < st.PositionEntryPrice {
			reason = history.ExitTPHit
		}
		e.closeRecord(ctx, records[0].ID, exitPrice, reason, sideFromLifecycle(st.PositionSide), st.PositionEntryPrice, st.PositionSize)
	}

	_, err = e.lcMgr.OnPositionClosed(e.userID)
	return err
}

func (e *Executor) closeRecord(ctx context.Context, id string, exitPrice float64, reason history.ExitReason, side broker.Side, entry, amount float64) {
	pnl := pnlFor(side, entry, exitPrice, amount)
	pnlPct := 0.0
	if amount != 0 {
		// amount is USD notional (the sizer's convention, see risk.Size), so
		// pnl/amount is directly the trade's percent return.
		pnlPct = pnl / amount * 100
	}
	now := time.Now()
	status := history.StatusClosed
	if err := e.history.Update(ctx, id, history.Patch{
		ExitPrice: &exitPrice, ExitTime: &now, ExitReason: &reason, PnL: &pnl, PnLPercent: &pnlPct, Status: &status,
	}); err != nil {
		log.Printf("❌ executor: user=%s failed to close trade record %s: %v", e.userID, id, err)
		return
	}
	e.bus.Publish(events.EventTradeClosed, map[string]any{"id": id, "pnl": pnl, "reason": reason})
}

// pollUntilFilled polls get_order_state with exponential backoff until the
// entry fills or the configured timeout elapses (§4.6 step 4, §5 timeouts).
func (e *Executor) pollUntilFilled(ctx context.Context, orderID string) (broker.OrderStateResult, error) {
	deadline := time.Now().Add(e.cfg.OrderFillTimeout)
	backoff := 200 * time.Millisecond
	for {
		state, err := e.session.GetOrderState(ctx, orderID)
		if err != nil {
			return broker.OrderStateResult{}, err
		}
		switch state.State {
		case broker.OrderFilled:
			return state, nil
		case broker.OrderCancelled, broker.OrderRejected:
			return broker.OrderStateResult{}, errs.New(errs.OrderRejected, fmt.Sprintf("entry order %s is %s", orderID, state.State))
		}
		if time.Now().After(deadline) {
			return broker.OrderStateResult{}, errs.New(errs.OrderRejected, "entry order fill timeout")
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return broker.OrderStateResult{}, ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(backoff)*2, float64(5*time.Second)))
	}
}

func historySide(s broker.Side) history.Side {
	if s == broker.SideSell {
		return history.SideSell
	}
	return history.SideBuy
}

func sideFromLifecycle(s lifecycle.PositionSide) broker.Side {
	if s == lifecycle.SideShort {
		return broker.SideSell
	}
	return broker.SideBuy
}

func pnlFor(side broker.Side, entry, exit, amount float64) float64 {
	if side == broker.SideSell {
		return (entry - exit) * amount / entry
	}
	return (exit - entry) * amount / entry
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
