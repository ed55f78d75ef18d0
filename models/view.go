package models

import "time"

// Greeks holds the derived option metrics for one side of a strike.
// IV is expressed in percent.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// OptionQuote pairs a snapshot entry with its computed Greeks.
type OptionQuote struct {
	Quote  SnapshotEntry `json:"quote"`
	Greeks Greeks        `json:"greeks"`
}

// OptionChainRow is one strike of a published chain. Either side may
// be nil when no quote has been received for it yet.
type OptionChainRow struct {
	Strike float64      `json:"strike"`
	IsATM  bool         `json:"is_atm"`
	Call   *OptionQuote `json:"call,omitempty"`
	Put    *OptionQuote `json:"put,omitempty"`
}

// IndexChain is the option chain window published for one index.
type IndexChain struct {
	Index     string           `json:"index"`
	Spot      float64          `json:"spot"`
	ATMStrike float64          `json:"atm_strike"`
	Expiry    time.Time        `json:"expiry"`
	Rows      []OptionChainRow `json:"rows"`
}

// MarketView is the composed, point-in-time view handed to the sink.
// It is built entirely from a store snapshot copy and is safe to use
// without further locking.
type MarketView struct {
	ViewID     string          `json:"view_id"`
	Spot       []SnapshotEntry `json:"spot"`
	Futures    []SnapshotEntry `json:"futures"`
	Chains     []IndexChain    `json:"chains"`
	ComposedAt time.Time       `json:"composed_at"`
}
