package pnl_test

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/pnl"
)

func series(f func(i int) float64) []float64 {
	out := make([]float64, domain.WindowSeconds)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func rising(i int) float64 { return 100 + float64(i) }
func falling(i int) float64 { return 200 - float64(i) }
func constant(int) float64 { return 100 }

func mustCalc(t *testing.T, in pnl.Input) pnl.Result {
	t.Helper()
	res, err := pnl.Calculate(in)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	return res
}

func assertDec(t *testing.T, name string, got decimal.Decimal, want int64) {
	t.Helper()
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Errorf("%s = %s, want %d", name, got, want)
	}
}

func TestCalculate_ConstantSeriesScoreNothing(t *testing.T) {
	res := mustCalc(t, pnl.Input{
		Predictions: series(constant),
		Actual:      series(constant),
		Amount:      decimal.NewFromInt(1000),
		Leverage:    50,
		FeeBps:      200,
	})
	if res.Accuracy != 1 {
		t.Errorf("Accuracy = %v, want 1", res.Accuracy)
	}
	if res.CorrectDirections != 59 || res.TotalDirections != 59 {
		t.Errorf("directions = %d/%d, want 59/59", res.CorrectDirections, res.TotalDirections)
	}
	assertDec(t, "PnL", res.PnL, 0)
	assertDec(t, "Fee", res.Fee, 0)
	assertDec(t, "FinalAmount", res.FinalAmount, 1000)
}

func TestCalculate_RisingPredictionFlatMarket(t *testing.T) {
	res := mustCalc(t, pnl.Input{
		Predictions: series(rising),
		Actual:      series(constant),
		Amount:      decimal.NewFromInt(1000),
		Leverage:    10,
		FeeBps:      100,
	})
	if res.CorrectDirections != 0 || res.Accuracy != 0 {
		t.Errorf("correct = %d accuracy = %v, want 0 and 0", res.CorrectDirections, res.Accuracy)
	}
	// No movement means no profit to win or lose.
	assertDec(t, "PnL", res.PnL, 0)
	assertDec(t, "Fee", res.Fee, 0)
	assertDec(t, "FinalAmount", res.FinalAmount, 1000)
}

func TestCalculate_PerfectPrediction(t *testing.T) {
	res := mustCalc(t, pnl.Input{
		Predictions: series(rising),
		Actual:      series(rising),
		Amount:      decimal.NewFromInt(1000),
		Leverage:    10,
		FeeBps:      100,
	})
	// movement 59, size 1000/100, leverage 10 => maxProfit 5900
	assertDec(t, "MaxProfit", res.MaxProfit, 5900)
	assertDec(t, "PnL", res.PnL, 5900)
	assertDec(t, "Fee", res.Fee, 59)
	assertDec(t, "FinalAmount", res.FinalAmount, 1000+5900-59)
	if res.Accuracy != 1 {
		t.Errorf("Accuracy = %v, want 1", res.Accuracy)
	}
}

func TestCalculate_InversePredictionLosesEverything(t *testing.T) {
	res := mustCalc(t, pnl.Input{
		Predictions: series(falling),
		Actual:      series(rising),
		Amount:      decimal.NewFromInt(1000),
		Leverage:    10,
		FeeBps:      100,
	})
	assertDec(t, "PnL", res.PnL, -5900)
	assertDec(t, "Fee", res.Fee, 0)
	assertDec(t, "FinalAmount", res.FinalAmount, 0)
}

func TestCalculate_FloorsNegativePnLDownward(t *testing.T) {
	// 29 of 59 directions right: pnl = floor(-1/59 * maxProfit).
	preds := series(func(i int) float64 {
		if i <= 29 {
			return float64(i)
		}
		return float64(58 - i)
	})
	res := mustCalc(t, pnl.Input{
		Predictions: preds,
		Actual:      series(rising),
		Amount:      decimal.NewFromInt(1001),
		Leverage:    10,
	})
	if res.CorrectDirections != 29 {
		t.Fatalf("CorrectDirections = %d, want 29", res.CorrectDirections)
	}
	// -(59*1001*10)/(59*100) = -100.1
	assertDec(t, "PnL", res.PnL, -101)
	assertDec(t, "FinalAmount", res.FinalAmount, 900)
}

func TestCalculate_FeeFloors(t *testing.T) {
	res := mustCalc(t, pnl.Input{
		Predictions: series(rising),
		Actual:      series(rising),
		Amount:      decimal.NewFromInt(1000),
		Leverage:    10,
		FeeBps:      333,
	})
	// 5900 * 333 / 10000 = 196.47
	assertDec(t, "Fee", res.Fee, 196)
	if got := pnl.FeeOn(res.PnL, 333); !got.Equal(res.Fee) {
		t.Errorf("FeeOn = %s, want %s", got, res.Fee)
	}
}

func TestCalculate_Validation(t *testing.T) {
	good := func() pnl.Input {
		return pnl.Input{
			Predictions: series(rising),
			Actual:      series(rising),
			Amount:      decimal.NewFromInt(1000),
			Leverage:    10,
			FeeBps:      100,
		}
	}
	tests := []struct {
		name   string
		mutate func(in *pnl.Input)
	}{
		{"short predictions", func(in *pnl.Input) { in.Predictions = in.Predictions[:59] }},
		{"long actual", func(in *pnl.Input) { in.Actual = append(in.Actual, 1) }},
		{"zero amount", func(in *pnl.Input) { in.Amount = decimal.Zero }},
		{"negative amount", func(in *pnl.Input) { in.Amount = decimal.NewFromInt(-5) }},
		{"leverage zero", func(in *pnl.Input) { in.Leverage = 0 }},
		{"leverage too high", func(in *pnl.Input) { in.Leverage = 2501 }},
		{"fee too high", func(in *pnl.Input) { in.FeeBps = 10001 }},
		{"negative fee", func(in *pnl.Input) { in.FeeBps = -1 }},
		{"zero opening price", func(in *pnl.Input) { in.Actual[0] = 0 }},
		{"nan prediction", func(in *pnl.Input) { in.Predictions[5] = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := good()
			tt.mutate(&in)
			_, err := pnl.Calculate(in)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field == "" {
				t.Errorf("expected *ValidationError with a field, got %#v", err)
			}
		})
	}
}

func TestCalculate_LeverageBounds(t *testing.T) {
	for _, lev := range []int{1, 2500} {
		in := pnl.Input{
			Predictions: series(rising),
			Actual:      series(rising),
			Amount:      decimal.NewFromInt(100),
			Leverage:    lev,
		}
		if _, err := pnl.Calculate(in); err != nil {
			t.Errorf("leverage %d: unexpected error %v", lev, err)
		}
	}
}
