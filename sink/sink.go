// Package sink delivers composed market views to their destination.
// Implementations are presentation only: they must not mutate the view
// and should return an error rather than retry internally, the
// publisher owns the retry policy.
package sink

import "tickflow/models"

// Sink consumes one published market view.
type Sink interface {
	Write(view models.MarketView) error
}
