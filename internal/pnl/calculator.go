// Package pnl scores a drawn price trajectory against the realised one.
//
// The calculation is deterministic and side-effect free. All money values
// are integral amounts in the position's base unit (wei on-chain); the
// arithmetic runs on shopspring/decimal so nothing is lost to float
// rounding, and every product is formed before the single division so the
// final floor is exact.
package pnl

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// TotalDirections is the number of consecutive-pair comparisons in a window.
const TotalDirections = domain.WindowSeconds - 1

// MaxFeeBps is 100%.
const MaxFeeBps = 10000

// diagnosticPrecision is the number of decimal places kept for the
// informational PositionSize and MaxProfit fields.
const diagnosticPrecision = 18

var (
	bpsDenominator = decimal.NewFromInt(MaxFeeBps)
	totalDirs      = decimal.NewFromInt(TotalDirections)
)

// Input is a single PNL computation request.
type Input struct {
	Predictions []float64
	Actual      []float64
	Amount      decimal.Decimal
	Leverage    int
	FeeBps      int
}

// Result holds the settlement numbers for one position.
type Result struct {
	PnL               decimal.Decimal `json:"pnl"`
	Fee               decimal.Decimal `json:"fee"`
	FinalAmount       decimal.Decimal `json:"final_amount"`
	Accuracy          float64         `json:"accuracy"`
	CorrectDirections int             `json:"correct_directions"`
	TotalDirections   int             `json:"total_directions"`
	PriceMovement     decimal.Decimal `json:"price_movement"`
	MaxProfit         decimal.Decimal `json:"max_profit"`
	PositionSize      decimal.Decimal `json:"position_size"`
}

// Calculate scores in and returns the settlement amounts. Malformed input
// yields a *domain.ValidationError and no result.
func Calculate(in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	correct := CorrectDirections(in.Predictions, in.Actual)

	first := decimal.NewFromFloat(in.Actual[0])
	last := decimal.NewFromFloat(in.Actual[domain.WindowSeconds-1])
	movement := last.Sub(first).Abs()
	leverage := decimal.NewFromInt(int64(in.Leverage))

	// maxProfit = movement * (amount / first) * leverage
	profitNumerator := movement.Mul(in.Amount).Mul(leverage)

	// pnl = floor((2*correct/59 - 1) * maxProfit)
	//     = floor((2*correct - 59) * profitNumerator / (59 * first))
	skew := decimal.NewFromInt(int64(2*correct - TotalDirections))
	pnl := floorDiv(skew.Mul(profitNumerator), totalDirs.Mul(first))

	fee := decimal.Zero
	if pnl.IsPositive() {
		fee = floorDiv(pnl.Mul(decimal.NewFromInt(int64(in.FeeBps))), bpsDenominator)
	}

	final := in.Amount.Add(pnl).Sub(fee).Floor()
	if final.IsNegative() {
		final = decimal.Zero
	}

	return Result{
		PnL:               pnl,
		Fee:               fee,
		FinalAmount:       final,
		Accuracy:          float64(correct) / float64(TotalDirections),
		CorrectDirections: correct,
		TotalDirections:   TotalDirections,
		PriceMovement:     movement,
		MaxProfit:         profitNumerator.DivRound(first, diagnosticPrecision),
		PositionSize:      in.Amount.DivRound(first, diagnosticPrecision),
	}, nil
}

// Estimate is Calculate under the name the analytics API uses.
func Estimate(in Input) (Result, error) { return Calculate(in) }

// CorrectDirections counts the consecutive pairs where the predicted and
// realised moves agree. Both slices must hold at least 60 values.
func CorrectDirections(predictions, actual []float64) int {
	correct := 0
	for i := 0; i < TotalDirections; i++ {
		if direction(predictions[i], predictions[i+1]) == direction(actual[i], actual[i+1]) {
			correct++
		}
	}
	return correct
}

// FeeOn returns the fee charged on a realised pnl.
func FeeOn(pnl decimal.Decimal, feeBps int) decimal.Decimal {
	if !pnl.IsPositive() {
		return decimal.Zero
	}
	return floorDiv(pnl.Mul(decimal.NewFromInt(int64(feeBps))), bpsDenominator)
}

func direction(a, b float64) int {
	switch {
	case b > a:
		return 1
	case b < a:
		return -1
	default:
		return 0
	}
}

// floorDiv returns floor(num/den) for den > 0, exactly.
func floorDiv(num, den decimal.Decimal) decimal.Decimal {
	q, r := num.QuoRem(den, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q
}

func validate(in Input) error {
	if len(in.Predictions) != domain.WindowSeconds {
		return domain.Invalid("predictions", "expected %d values, got %d", domain.WindowSeconds, len(in.Predictions))
	}
	if len(in.Actual) != domain.WindowSeconds {
		return domain.Invalid("actual", "expected %d values, got %d", domain.WindowSeconds, len(in.Actual))
	}
	for i, v := range in.Predictions {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Invalid("predictions", "value %d is not finite", i)
		}
	}
	for i, v := range in.Actual {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Invalid("actual", "value %d is not finite", i)
		}
	}
	if in.Actual[0] <= 0 {
		return domain.Invalid("actual", "opening price must be positive")
	}
	if !in.Amount.IsPositive() {
		return domain.Invalid("amount", "must be positive")
	}
	if in.Leverage < domain.MinLeverage || in.Leverage > domain.MaxLeverage {
		return domain.Invalid("leverage", "must be in [%d,%d], got %d", domain.MinLeverage, domain.MaxLeverage, in.Leverage)
	}
	if in.FeeBps < 0 || in.FeeBps > MaxFeeBps {
		return domain.Invalid("fee_bps", "must be in [0,%d], got %d", MaxFeeBps, in.FeeBps)
	}
	return nil
}
