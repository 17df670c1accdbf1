package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tradingd/internal/broker"
)

// feedCandles feeds prices in order and returns the first actionable signal
// encountered, or SignalNone if none of the candles produce one.
func feedCandles(s Strategy, prices []float64) Signal {
	for i, p := range prices {
		sig := s.OnCandle(broker.Candle{T: int64(i), O: p, H: p, L: p, C: p, V: 1})
		if sig.IsActionable() {
			return sig
		}
	}
	return Signal{Kind: SignalNone}
}

func TestMACrossover_DetectsBullishCross(t *testing.T) {
	s := NewMACrossover()
	require.NoError(t, s.Configure([]byte("short_period: 2\nlong_period: 4\n")))
	s.OnTick(broker.Tick{Symbol: "BTC-USD-PERP"})

	// A descending then sharply ascending series forces a short-over-long cross.
	prices := []float64{100, 99, 98, 97, 96, 110, 120, 130}
	sig := feedCandles(s, prices)
	require.Equal(t, SignalEnterLong, sig.Kind)
	require.Greater(t, sig.TakeProfit, sig.Entry)
	require.Less(t, sig.Stop, sig.Entry)
}

func TestMACrossover_RejectsBadParams(t *testing.T) {
	s := NewMACrossover()
	err := s.Configure([]byte("short_period: 10\nlong_period: 5\n"))
	require.Error(t, err)
}

func TestRSIReversal_DetectsOversoldBounce(t *testing.T) {
	s := NewRSIReversal()
	require.NoError(t, s.Configure([]byte("period: 2\noversold: 30\noverbought: 70\n")))
	s.OnTick(broker.Tick{Symbol: "ETH-USD-PERP"})

	// idx0->1: change -9; idx1->2: change +1 => RSI=10 (oversold, recorded as prevRSI).
	// idx2->3: change +5 => RSI=100 (crosses back up through the oversold band).
	prices := []float64{100, 91, 92, 97}
	sig := feedCandles(s, prices)
	require.Equal(t, SignalEnterLong, sig.Kind)
}

func TestRegistry_BuildKnownAndUnknown(t *testing.T) {
	r := DefaultRegistry()
	s, err := r.Build("ma_crossover")
	require.NoError(t, err)
	require.Equal(t, "ma_crossover", s.Name())

	_, err = r.Build("does_not_exist")
	require.Error(t, err)
}
