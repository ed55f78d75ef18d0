// Package strikes selects option strikes around the at-the-money
// price. The subscription path and the publish path both go through
// this package so the subscribed window and the rendered window can
// never drift apart.
package strikes

import "math"

// ATM returns the listed strike nearest to spot for the given strike
// gap, rounding half up. A non-positive gap returns 0.
func ATM(spot, gap float64) float64 {
	if gap <= 0 {
		return 0
	}
	return math.Floor(spot/gap+0.5) * gap
}

// Window returns the 2n+1 strikes centered on atm, spaced gap apart
// and ordered ascending.
func Window(atm, gap float64, n int) []float64 {
	if n < 0 || gap <= 0 {
		return nil
	}
	out := make([]float64, 0, 2*n+1)
	for i := 0; i <= 2*n; i++ {
		out = append(out, atm+float64(i-n)*gap)
	}
	return out
}
