// Package risk implements the stateless position sizer (C2): given a balance,
// a risk budget, an entry/stop pair, and instrument metadata, it returns a
// quantity, leverage, and margin requirement, or a typed sizing failure.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"tradingd/internal/errs"
)

// Mode mirrors config.RiskMode; duplicated here so the sizer has no import
// dependency on the config package (pure function, no ambient state).
type Mode string

const (
	ModePercent Mode = "percent"
	ModeFixed   Mode = "fixed"
)

const (
	minStopDistanceFraction = 1e-4
	defaultWarnLeverage     = 10.0
)

// Input is every value the sizer consumes. Equal inputs always produce equal
// outputs — this is a pure function, never touching the clock, RNG, or I/O.
type Input struct {
	Balance        float64
	RiskMode       Mode
	RiskValue      float64
	Entry          float64
	Stop           float64
	MinTradeAmount float64
	LotSize        float64
	MaxLeverage    int
	WarnLeverage   float64 // 0 means use defaultWarnLeverage
}

// Decision is the sizer's tagged-variant result.
type Decision struct {
	Quantity       float64
	Leverage       float64
	MarginBase     float64
	MarginUSD      float64
	Notional       float64
	Warnings       []string
}

// Size runs the algorithm verbatim: risk_amount -> stop_distance validation
// -> quantity -> notional/leverage checks -> minimum size -> margin check.
func Size(in Input) (Decision, error) {
	balance := decimal.NewFromFloat(in.Balance)
	entry := decimal.NewFromFloat(in.Entry)
	stop := decimal.NewFromFloat(in.Stop)

	var riskAmount decimal.Decimal
	switch in.RiskMode {
	case ModeFixed:
		riskAmount = decimal.NewFromFloat(in.RiskValue)
	default: // ModePercent
		riskAmount = balance.Mul(decimal.NewFromFloat(in.RiskValue)).Div(decimal.NewFromInt(100))
	}
	if riskAmount.GreaterThan(balance) {
		riskAmount = balance
	}

	stopDistance := entry.Sub(stop).Abs()
	if entry.IsZero() {
		return Decision{}, errs.New(errs.InvalidStopLoss, "entry price is zero")
	}
	fraction, _ := stopDistance.Div(entry).Float64()
	if math.Abs(fraction) < minStopDistanceFraction {
		return Decision{}, errs.New(errs.InvalidStopLoss, "stop distance too small relative to entry")
	}

	// qty = risk_amount_usd * entry / stop_distance, floored to lot size. For
	// USD-quoted perpetuals this value already denominates USD notional
	// (venue convention "1", not "entry") — confirmed against the worked
	// example in the testable-property scenarios (1000 equity, 5% risk,
	// 600 stop distance at 60000 entry yields 5000 USD notional, not
	// 5000*60000).
	qty := riskAmount.Mul(entry).Div(stopDistance)
	qty = floorToLot(qty, in.LotSize)
	qtyF, _ := qty.Float64()

	notional := qty
	equity := balance
	var leverage decimal.Decimal
	if equity.IsPositive() {
		leverage = notional.Div(equity)
	}
	leverageF, _ := leverage.Float64()

	maxLev := decimal.NewFromInt(int64(in.MaxLeverage))
	if leverage.GreaterThan(maxLev) {
		return Decision{}, errs.New(errs.LeverageExceeded, "required leverage exceeds instrument cap")
	}

	warnLev := in.WarnLeverage
	if warnLev <= 0 {
		warnLev = defaultWarnLeverage
	}
	var warnings []string
	if leverageF > warnLev {
		warnings = append(warnings, "leverage above warn threshold")
	}

	if qtyF < in.MinTradeAmount {
		return Decision{}, errs.New(errs.BelowMinimumSize, "sized quantity below instrument minimum")
	}

	marginUSD := notional.Div(leverageIfNonZero(leverage))
	marginUSDF, _ := marginUSD.Float64()
	if marginUSDF > in.Balance {
		return Decision{}, errs.New(errs.InsufficientBalance, "required margin exceeds available balance")
	}

	notionalF, _ := notional.Float64()
	return Decision{
		Quantity:   qtyF,
		Leverage:   leverageF,
		MarginBase: marginUSDF / math.Max(in.Entry, 1e-12),
		MarginUSD:  marginUSDF,
		Notional:   notionalF,
		Warnings:   warnings,
	}, nil
}

func leverageIfNonZero(l decimal.Decimal) decimal.Decimal {
	if l.IsZero() {
		return decimal.NewFromInt(1)
	}
	return l
}

func floorToLot(qty decimal.Decimal, lot float64) decimal.Decimal {
	if lot <= 0 {
		return qty
	}
	lotD := decimal.NewFromFloat(lot)
	units := qty.Div(lotD).Floor()
	return units.Mul(lotD)
}
