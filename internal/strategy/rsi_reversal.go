package strategy

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"tradingd/internal/broker"
	"tradingd/internal/indicators"
)

// RSIReversalParams configures rsiReversal.
type RSIReversalParams struct {
	Period        int     `yaml:"period"`
	Oversold      float64 `yaml:"oversold"`
	Overbought    float64 `yaml:"overbought"`
	StopPercent   float64 `yaml:"stop_percent"`
	TakeProfitPct float64 `yaml:"take_profit_percent"`
}

// rsiReversal enters long when RSI crosses up out of the oversold band and
// short when it crosses down out of the overbought band, a standard
// mean-reversion shape. Grounded on indicators.RSI, already present.
type rsiReversal struct {
	params RSIReversalParams
	eng    *indicators.Engine
	symbol string

	prevRSI     float64
	haveHistory bool
}

func NewRSIReversal() Strategy { return &rsiReversal{} }

func (s *rsiReversal) Name() string { return "rsi_reversal" }

func (s *rsiReversal) Configure(raw []byte) error {
	p := RSIReversalParams{Period: 14, Oversold: 30, Overbought: 70, StopPercent: 1.5, TakeProfitPct: 3.0}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("rsi_reversal: parse params: %w", err)
		}
	}
	if p.Period <= 0 || p.Oversold <= 0 || p.Overbought >= 100 || p.Oversold >= p.Overbought {
		return fmt.Errorf("rsi_reversal: invalid bands oversold=%v overbought=%v", p.Oversold, p.Overbought)
	}
	s.params = p
	s.eng = indicators.NewEngine(5, 20, p.Period, p.Period*3)
	return nil
}

func (s *rsiReversal) RequiredWarmup() int { return s.params.Period + 1 }

func (s *rsiReversal) OnTick(tick broker.Tick) { s.symbol = tick.Symbol }

func (s *rsiReversal) OnCandle(candle broker.Candle) Signal {
	values := s.eng.Update(s.symbol, candle.C)
	rsi := values["rsi"]
	if rsi == 0 {
		return Signal{Kind: SignalNone}
	}
	defer func() { s.prevRSI, s.haveHistory = rsi, true }()

	if !s.haveHistory {
		return Signal{Kind: SignalNone}
	}

	entry := candle.C
	switch {
	case s.prevRSI <= s.params.Oversold && rsi > s.params.Oversold:
		return Signal{
			Kind: SignalEnterLong, Entry: entry,
			Stop:       entry * (1 - s.params.StopPercent/100),
			TakeProfit: entry * (1 + s.params.TakeProfitPct/100),
			Reasons:    []string{fmt.Sprintf("rsi crossed up out of oversold (%.1f)", s.params.Oversold)},
		}
	case s.prevRSI >= s.params.Overbought && rsi < s.params.Overbought:
		return Signal{
			Kind: SignalEnterShort, Entry: entry,
			Stop:       entry * (1 + s.params.StopPercent/100),
			TakeProfit: entry * (1 - s.params.TakeProfitPct/100),
			Reasons:    []string{fmt.Sprintf("rsi crossed down out of overbought (%.1f)", s.params.Overbought)},
		}
	default:
		return Signal{Kind: SignalNone}
	}
}
