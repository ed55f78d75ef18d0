package models

import "time"

// OHLC holds the session open/high/low/close for an instrument.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// DepthLevel is one side of the best bid/ask.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// InstrumentTick is a single quote update from the feed for one
// instrument. Ticks are consumed once by the ingestion pipeline and
// not retained.
type InstrumentTick struct {
	Token      uint32
	LastPrice  float64
	Change     float64
	Volume     int64
	OI         int64
	OHLC       OHLC
	BestBid    DepthLevel
	BestAsk    DepthLevel
	ReceivedAt time.Time
}

// TickBatch groups the ticks delivered in one feed frame.
type TickBatch struct {
	Ticks      []InstrumentTick
	ReceivedAt time.Time
}

// SnapshotEntry is the latest known state for one instrument. Entries
// are mutated in place by the ingestion pipeline and only ever read
// through a store snapshot copy.
type SnapshotEntry struct {
	Token         uint32     `json:"token"`
	Index         string     `json:"index"`
	Symbol        string     `json:"symbol"`
	LastPrice     float64    `json:"last_price"`
	Change        float64    `json:"change"`
	ChangePercent float64    `json:"change_percent"`
	Volume        int64      `json:"volume"`
	OHLC          OHLC       `json:"ohlc"`
	BestBid       DepthLevel `json:"best_bid"`
	BestAsk       DepthLevel `json:"best_ask"`

	// Derivative-only fields. OI is nil for spot indices.
	OI     *int64     `json:"oi,omitempty"`
	Strike float64    `json:"strike,omitempty"`
	Side   OptionSide `json:"side,omitempty"`
	Expiry time.Time  `json:"expiry,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ChangePercent computes the feed's percent change from the last price
// and absolute change. The upstream feed defines it relative to
// last-change rather than previous close; kept as-is to match the feed.
// Returns 0 when last == change to avoid dividing by zero.
func ChangePercent(last, change float64) float64 {
	if last == change {
		return 0
	}
	return change / (last - change) * 100
}
