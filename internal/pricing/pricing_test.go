package pricing

import (
	"math"
	"testing"

	"tickflow/models"
)

func TestGreeksGammaVegaSideIndependent(t *testing.T) {
	cases := []struct {
		S, K, T, sigma float64
	}{
		{100, 100, 0.1, 0.2},
		{22000, 22100, 0.02, 0.15},
		{45000, 44000, 0.5, 0.35},
	}
	for _, c := range cases {
		call := Greeks(c.S, c.K, c.T, c.sigma, models.SideCall)
		put := Greeks(c.S, c.K, c.T, c.sigma, models.SidePut)
		if call.Gamma != put.Gamma {
			t.Errorf("gamma differs for S=%v K=%v: call %v put %v", c.S, c.K, call.Gamma, put.Gamma)
		}
		if call.Vega != put.Vega {
			t.Errorf("vega differs for S=%v K=%v: call %v put %v", c.S, c.K, call.Vega, put.Vega)
		}
	}
}

func TestGreeksCallPutDeltaParity(t *testing.T) {
	call := Greeks(100, 100, 0.1, 0.2, models.SideCall)
	put := Greeks(100, 100, 0.1, 0.2, models.SidePut)

	if call.Delta <= 0 || call.Delta >= 1 {
		t.Errorf("call delta out of range: %v", call.Delta)
	}
	if put.Delta >= 0 || put.Delta <= -1 {
		t.Errorf("put delta out of range: %v", put.Delta)
	}
	if diff := call.Delta - put.Delta; math.Abs(diff-1) > 1e-9 {
		t.Errorf("delta parity violated: call-put = %v", diff)
	}
}

func TestGreeksDegenerateInputsReturnZero(t *testing.T) {
	cases := []struct {
		name           string
		S, K, T, sigma float64
	}{
		{"zero expiry", 100, 100, 0, 0.2},
		{"zero vol", 100, 100, 0.1, 0},
		{"zero spot", 0, 100, 0.1, 0.2},
		{"negative strike", 100, -50, 0.1, 0.2},
	}
	for _, c := range cases {
		for _, side := range []models.OptionSide{models.SideCall, models.SidePut} {
			got := Greeks(c.S, c.K, c.T, c.sigma, side)
			if got != (models.Greeks{}) {
				t.Errorf("%s (%s): expected zero greeks, got %+v", c.name, side, got)
			}
		}
	}
}

func TestPriceIntrinsicFallback(t *testing.T) {
	if got := Price(110, 100, 0, 0.2, models.SideCall); got != 10 {
		t.Errorf("expired call: expected intrinsic 10, got %v", got)
	}
	if got := Price(90, 100, 0, 0.2, models.SidePut); got != 10 {
		t.Errorf("expired put: expected intrinsic 10, got %v", got)
	}
}

func TestImpliedVolatilityInvertsPrice(t *testing.T) {
	const (
		S, K, T   = 100.0, 100.0, 0.1
		sigmaTrue = 0.2
	)
	for _, side := range []models.OptionSide{models.SideCall, models.SidePut} {
		market := Price(S, K, T, sigmaTrue, side)
		iv := ImpliedVolatility(S, K, T, market, side)
		if math.Abs(iv-20) > 0.5 {
			t.Errorf("%s: expected IV near 20%%, got %v", side, iv)
		}
	}
}

func TestImpliedVolatilityBestEffortOnBadPrice(t *testing.T) {
	// A market price below intrinsic has no solution; the solver must
	// still return a finite estimate instead of diverging.
	iv := ImpliedVolatility(100, 50, 0.1, 0.01, models.SideCall)
	if math.IsNaN(iv) || math.IsInf(iv, 0) {
		t.Fatalf("expected finite estimate, got %v", iv)
	}
	if iv < 0 {
		t.Fatalf("expected non-negative estimate, got %v", iv)
	}
}

func TestImpliedVolatilityZeroOnInvalidInput(t *testing.T) {
	if got := ImpliedVolatility(100, 100, 0, 5, models.SideCall); got != 0 {
		t.Errorf("T=0: expected 0, got %v", got)
	}
	if got := ImpliedVolatility(100, 100, 0.1, 0, models.SideCall); got != 0 {
		t.Errorf("price=0: expected 0, got %v", got)
	}
}
