package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventOrderUpdate          Event = "order_update"
	EventStrategySignal       Event = "strategy_signal"
	EventRiskAlert            Event = "risk_alert"
	EventPositionChange       Event = "position_change"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"

	// EventStateChange fires on every lifecycle transition (C4 §4.3); the
	// WebSocket broadcaster, metrics collector, and executor itself all
	// observe it via independent subscriptions with their own cancel handles.
	EventStateChange Event = "lifecycle.state_change"
	// EventTradeOpened/EventTradeClosed mirror the Trade History Store (C3).
	EventTradeOpened Event = "trade.opened"
	EventTradeClosed Event = "trade.closed"
	// EventHealthDegraded fires when a user is flagged degraded (emergency
	// close failure, recovery timeout) and must surface through /health.
	EventHealthDegraded Event = "health.degraded"
	// EventWorkerStarted/EventWorkerStopped mirror the Worker Orchestrator
	// (C8) job lifecycle, independent of the strategy lifecycle they drive.
	EventWorkerStarted Event = "worker.started"
	EventWorkerStopped Event = "worker.stopped"
	// EventHealthCheck fires once per Health Check (C9) sweep with a summary
	// of skipped/culled workers, for the WebSocket broadcaster and metrics.
	EventHealthCheck Event = "health.check"
)
