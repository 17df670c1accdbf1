package strategy

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"tradingd/internal/broker"
	"tradingd/internal/indicators"
)

// MACrossoverParams is the closed configuration document for maCrossover,
// parsed once at Configure time per §9's "dynamic record-typed config" note.
type MACrossoverParams struct {
	ShortPeriod   int     `yaml:"short_period"`
	LongPeriod    int     `yaml:"long_period"`
	StopPercent   float64 `yaml:"stop_percent"`
	TakeProfitPct float64 `yaml:"take_profit_percent"`
}

// maCrossover enters long on a short-MA/long-MA bullish cross and short on a
// bearish cross, sizing stop/take-profit as a fixed percent of entry.
// Grounded on the teacher's indicator engine (internal/indicators), which
// already computed sma_short/sma_long per tick; this wraps that computation
// in the Strategy contract instead of a bespoke engine call site.
type maCrossover struct {
	params MACrossoverParams
	eng    *indicators.Engine
	symbol string

	prevShort, prevLong float64
	haveHistory         bool
}

func NewMACrossover() Strategy {
	return &maCrossover{}
}

func (s *maCrossover) Name() string { return "ma_crossover" }

func (s *maCrossover) Configure(raw []byte) error {
	p := MACrossoverParams{ShortPeriod: 9, LongPeriod: 21, StopPercent: 1.0, TakeProfitPct: 2.0}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("ma_crossover: parse params: %w", err)
		}
	}
	if p.ShortPeriod <= 0 || p.LongPeriod <= p.ShortPeriod {
		return fmt.Errorf("ma_crossover: invalid periods short=%d long=%d", p.ShortPeriod, p.LongPeriod)
	}
	s.params = p
	s.eng = indicators.NewEngine(p.ShortPeriod, p.LongPeriod, 14, p.LongPeriod*3)
	return nil
}

func (s *maCrossover) RequiredWarmup() int { return s.params.LongPeriod + 1 }

func (s *maCrossover) OnTick(tick broker.Tick) { s.symbol = tick.Symbol }

func (s *maCrossover) OnCandle(candle broker.Candle) Signal {
	values := s.eng.Update(s.symbol, candle.C)
	short, long := values["sma_short"], values["sma_long"]
	if short == 0 || long == 0 {
		return Signal{Kind: SignalNone}
	}
	defer func() { s.prevShort, s.prevLong, s.haveHistory = short, long, true }()

	if !s.haveHistory {
		return Signal{Kind: SignalNone}
	}

	crossedUp := s.prevShort <= s.prevLong && short > long
	crossedDown := s.prevShort >= s.prevLong && short < long

	entry := candle.C
	switch {
	case crossedUp:
		return Signal{
			Kind: SignalEnterLong, Entry: entry,
			Stop:       entry * (1 - s.params.StopPercent/100),
			TakeProfit: entry * (1 + s.params.TakeProfitPct/100),
			Reasons:    []string{fmt.Sprintf("sma%d crossed above sma%d", s.params.ShortPeriod, s.params.LongPeriod)},
		}
	case crossedDown:
		return Signal{
			Kind: SignalEnterShort, Entry: entry,
			Stop:       entry * (1 + s.params.StopPercent/100),
			TakeProfit: entry * (1 - s.params.TakeProfitPct/100),
			Reasons:    []string{fmt.Sprintf("sma%d crossed below sma%d", s.params.ShortPeriod, s.params.LongPeriod)},
		}
	default:
		return Signal{Kind: SignalNone}
	}
}
