// Package pricing implements Black-Scholes option pricing, Greeks and
// an implied-volatility estimator. Everything here is a pure function:
// the publish path calls it for every strike of every chain on every
// cycle, so degenerate inputs soft-fail to zero values instead of
// returning errors or panicking.
package pricing

import (
	"math"

	"tickflow/models"
)

// RiskFreeRate is the fixed annualized rate used for discounting.
const RiskFreeRate = 0.10

const (
	sqrt2Pi = 2.5066282746310002

	ivInitialGuess = 0.5
	ivMaxIter      = 100
	ivPrecision    = 1e-4
	ivSigmaFloor   = 1e-4
	ivVegaFloor    = 1e-8
)

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / sqrt2Pi
}

func normCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

func d1(S, K, T, sigma float64) float64 {
	return (math.Log(S/K) + (RiskFreeRate+0.5*sigma*sigma)*T) / (sigma * math.Sqrt(T))
}

// degenerate reports whether the inputs cannot be priced. T=0 options
// at expiry and zero-volatility quotes show up routinely in a live
// chain and must not abort a refresh cycle.
func degenerate(S, K, T, sigma float64) bool {
	return S <= 0 || K <= 0 || T <= 0 || sigma <= 0
}

// Price returns the exact Black-Scholes price for one option side.
// Degenerate inputs fall back to intrinsic value.
func Price(S, K, T, sigma float64, side models.OptionSide) float64 {
	if degenerate(S, K, T, sigma) {
		if side == models.SidePut {
			return math.Max(0, K-S)
		}
		return math.Max(0, S-K)
	}

	D1 := d1(S, K, T, sigma)
	D2 := D1 - sigma*math.Sqrt(T)

	if side == models.SidePut {
		return K*math.Exp(-RiskFreeRate*T)*normCDF(-D2) - S*normCDF(-D1)
	}
	return S*normCDF(D1) - K*math.Exp(-RiskFreeRate*T)*normCDF(D2)
}

// Greeks computes delta, gamma, theta and vega for one option side.
// Vega is scaled per 1 vol point; IV echoes sigma in percent. Gamma
// and vega are side-independent. Degenerate inputs return the zero
// value.
func Greeks(S, K, T, sigma float64, side models.OptionSide) models.Greeks {
	if degenerate(S, K, T, sigma) {
		return models.Greeks{}
	}

	D1 := d1(S, K, T, sigma)
	D2 := D1 - sigma*math.Sqrt(T)

	var delta, nd2 float64
	if side == models.SidePut {
		delta = normCDF(D1) - 1
		nd2 = normCDF(-D2)
	} else {
		delta = normCDF(D1)
		nd2 = normCDF(D2)
	}

	gamma := normPDF(D1) / (S * sigma * math.Sqrt(T))
	vega := S * math.Sqrt(T) * normPDF(D1) * 0.01

	decay := -(S * sigma * normPDF(D1)) / (2 * math.Sqrt(T))
	carry := RiskFreeRate * K * math.Exp(-RiskFreeRate*T) * nd2
	var theta float64
	if side == models.SidePut {
		theta = decay + carry
	} else {
		theta = decay - carry
	}

	return models.Greeks{
		Delta: delta,
		Gamma: gamma,
		Theta: theta,
		Vega:  vega,
		IV:    sigma * 100,
	}
}

// ImpliedVolatility solves for the volatility (in percent) that
// reproduces marketPrice, using Newton-Raphson with the analytic vega
// as the derivative. The estimate is best-effort: when the search
// exhausts its iteration budget the last sigma is returned rather
// than an error, and non-positive sigma steps are clamped to a small
// floor instead of diverging.
func ImpliedVolatility(S, K, T, marketPrice float64, side models.OptionSide) float64 {
	if S <= 0 || K <= 0 || T <= 0 || marketPrice <= 0 {
		return 0
	}

	sigma := ivInitialGuess
	for i := 0; i < ivMaxIter; i++ {
		price := Price(S, K, T, sigma, side)
		diff := marketPrice - price
		if math.Abs(diff) < ivPrecision {
			return sigma * 100
		}

		vega := S * math.Sqrt(T) * normPDF(d1(S, K, T, sigma))
		if vega >= ivVegaFloor {
			sigma += diff / vega
		}
		if sigma <= 0 {
			sigma = ivSigmaFloor
		}
	}

	return sigma * 100
}
