package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimSession exposes the simulation-only controls implemented by the Session
// returned from FakePort, so tests in other packages can drive fills without
// an import cycle back onto the concrete type.
type SimSession interface {
	Session
	SetMarkPrice(symbol string, price float64)
	SetInstrument(i Instrument)
	SetBalance(b Balance)
}

// FakePort is an in-process simulated venue used by tests and the paper
// execution mode. It fills market orders immediately at the session's
// current mark price and trigger orders whenever SetMarkPrice crosses their
// trigger, exactly the way a real venue would report a fill on the next
// tick. main.go selects it as the broker when DryRun is set.
type FakePort struct{}

func NewFake() *FakePort { return &FakePort{} }

func (f *FakePort) Name() string { return "fake" }

func (f *FakePort) Connect(ctx context.Context, creds Credentials, env Environment) (Session, error) {
	return newFakeSession(), nil
}

// NewFakeSession builds a standalone simulated session without going through
// Connect, convenient for unit tests of collaborators (C5, C6, C7) that only
// need a Session, not a Port.
func NewFakeSession() SimSession { return newFakeSession() }

type fakeOrder struct {
	Order
	req OrderRequest
}

type fakeSession struct {
	mu         sync.Mutex
	balance    Balance
	instrument map[string]Instrument
	mark       map[string]float64
	positions  map[string]*Position
	orders     map[string]*fakeOrder
	tickSubs   []chan Tick
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		balance:    Balance{Currency: "USD", Equity: 10_000, Available: 10_000},
		instrument: map[string]Instrument{},
		mark:       map[string]float64{},
		positions:  map[string]*Position{},
		orders:     map[string]*fakeOrder{},
	}
}

// SetMarkPrice updates the simulated mark for symbol, filling any resting
// trigger orders whose condition now holds. Used directly by tests.
func (s *fakeSession) SetMarkPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark[symbol] = price
	if pos, ok := s.positions[symbol]; ok {
		pos.Mark = price
	}
	for _, o := range s.orders {
		if o.Symbol != symbol || o.State != OrderOpen {
			continue
		}
		triggered := false
		switch o.Type {
		case OrderTypeStopMarket:
			if (o.Side == SideSell && price <= o.req.TriggerPrice) || (o.Side == SideBuy && price >= o.req.TriggerPrice) {
				triggered = true
			}
		case OrderTypeTakeLimit:
			if (o.Side == SideSell && price >= o.req.Price) || (o.Side == SideBuy && price <= o.req.Price) {
				triggered = true
			}
		}
		if triggered {
			s.fillLocked(o, price)
		}
	}
	for _, ch := range s.tickSubs {
		select {
		case ch <- Tick{Symbol: symbol, Price: price, T: time.Now().UnixMilli()}:
		default:
		}
	}
}

func (s *fakeSession) fillLocked(o *fakeOrder, price float64) {
	o.State = OrderFilled
	o.FilledAmount = o.req.Amount
	pos, ok := s.positions[o.Symbol]
	if !ok {
		size := o.req.Amount
		if o.Side == SideSell {
			size = -size
		}
		s.positions[o.Symbol] = &Position{InstrumentName: o.Symbol, Size: size, AveragePrice: price, Mark: price}
		return
	}
	delta := o.req.Amount
	if o.Side == SideSell {
		delta = -delta
	}
	pos.Size += delta
	if pos.Size == 0 {
		delete(s.positions, o.Symbol)
	}
}

// SetInstrument registers instrument metadata for GetInstrument to return.
func (s *fakeSession) SetInstrument(i Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrument[i.Symbol] = i
}

// SetBalance overrides the simulated balance.
func (s *fakeSession) SetBalance(b Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = b
}

func (s *fakeSession) GetBalance(ctx context.Context, currency string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *fakeSession) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instrument[symbol]; ok {
		return inst, nil
	}
	return Instrument{Symbol: symbol, TickSize: 0.1, MinTradeAmount: 5, LotSize: 0.001, MaxLeverage: 20}, nil
}

func (s *fakeSession) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	s.mu.Lock()
	price := s.mark[symbol]
	s.mu.Unlock()
	if price == 0 {
		price = 100
	}
	out := make([]Candle, limit)
	now := time.Now().UnixMilli()
	for i := range out {
		out[i] = Candle{T: now - int64(limit-i)*60_000, O: price, H: price, L: price, C: price, V: 1}
	}
	return out, nil
}

func (s *fakeSession) SubscribeTicker(ctx context.Context, symbol string) (<-chan Tick, error) {
	ch := make(chan Tick, 16)
	s.mu.Lock()
	s.tickSubs = append(s.tickSubs, ch)
	s.mu.Unlock()
	return ch, nil
}

func (s *fakeSession) GetPositions(ctx context.Context, currency string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeSession) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if o.State == OrderOpen {
			out = append(out, o.Order)
		}
	}
	return out, nil
}

func (s *fakeSession) Place(ctx context.Context, req OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	fo := &fakeOrder{
		Order: Order{
			OrderID:    id,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Type:       req.Type,
			ReduceOnly: req.ReduceOnly,
			State:      OrderOpen,
		},
		req: req,
	}
	s.orders[id] = fo
	if req.Type == OrderTypeMarket {
		price := s.mark[req.Symbol]
		if price == 0 {
			price = req.Price
		}
		s.fillLocked(fo, price)
	}
	return id, nil
}

func (s *fakeSession) GetOrderState(ctx context.Context, orderID string) (OrderStateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return OrderStateResult{}, fmt.Errorf("fake broker: unknown order %s", orderID)
	}
	return OrderStateResult{State: o.State, FilledAmount: o.FilledAmount, AveragePrice: s.mark[o.Symbol]}, nil
}

func (s *fakeSession) Cancel(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.State != OrderOpen {
		return nil // idempotent
	}
	o.State = OrderCancelled
	return nil
}

func (s *fakeSession) Close() error { return nil }
