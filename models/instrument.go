package models

import (
	"fmt"
	"time"
)

// Category is the semantic role of an instrument.
type Category int

const (
	CategoryUnknown Category = iota
	CategorySpot
	CategoryFuture
	CategoryOption
)

func (c Category) String() string {
	switch c {
	case CategorySpot:
		return "spot"
	case CategoryFuture:
		return "future"
	case CategoryOption:
		return "option"
	default:
		return "unknown"
	}
}

// OptionSide distinguishes calls from puts. The zero value means the
// instrument is not an option.
type OptionSide int

const (
	SideNone OptionSide = iota
	SideCall
	SidePut
)

// String returns the exchange suffix for the side.
func (s OptionSide) String() string {
	switch s {
	case SideCall:
		return "CE"
	case SidePut:
		return "PE"
	default:
		return ""
	}
}

// InstrumentKey is the stable identity of an instrument. Category
// decides which of the remaining fields are meaningful: spot and
// future keys carry only the index, option keys also carry strike,
// side and expiry.
type InstrumentKey struct {
	Category Category
	Index    string
	Symbol   string
	Strike   float64
	Side     OptionSide
	Expiry   time.Time
}

// OptionID returns the store key for an option instrument, unique per
// index/strike/side.
func (k InstrumentKey) OptionID() string {
	return fmt.Sprintf("%s:%g:%s", k.Index, k.Strike, k.Side)
}

// Instrument is one row of the exchange instrument master dump.
type Instrument struct {
	Token          uint32
	TradingSymbol  string
	Name           string
	Expiry         time.Time
	Strike         float64
	InstrumentType string
	Segment        string
	Exchange       string
}
