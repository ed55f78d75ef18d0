// Package snapshot holds the latest known state per instrument. The
// store is the only mutable resource shared between the feed callback
// context and the publish context; a single mutex guards all three
// maps and is held only for O(1) upserts or the snapshot copy, never
// across I/O.
package snapshot

import (
	"sync"

	"tickflow/models"
)

// Snapshot is a deep, independent copy of the store taken at one
// point in time. Consumers may read it without any locking.
type Snapshot struct {
	Spot    map[string]models.SnapshotEntry
	Futures map[string]models.SnapshotEntry
	Options map[string]models.SnapshotEntry
}

// SpotPrice returns the last price for an index, if a tick has been
// received for it.
func (s Snapshot) SpotPrice(index string) (float64, bool) {
	entry, ok := s.Spot[index]
	if !ok {
		return 0, false
	}
	return entry.LastPrice, true
}

// Option returns the entry for one side of a strike, if present.
func (s Snapshot) Option(index string, strike float64, side models.OptionSide) (models.SnapshotEntry, bool) {
	key := models.InstrumentKey{Index: index, Strike: strike, Side: side}
	entry, ok := s.Options[key.OptionID()]
	return entry, ok
}

// Store is the concurrent snapshot store. Spot and futures entries are
// keyed by index name, options by index/strike/side.
type Store struct {
	mu      sync.Mutex
	spot    map[string]models.SnapshotEntry
	futures map[string]models.SnapshotEntry
	options map[string]models.SnapshotEntry
}

func NewStore() *Store {
	return &Store{
		spot:    make(map[string]models.SnapshotEntry),
		futures: make(map[string]models.SnapshotEntry),
		options: make(map[string]models.SnapshotEntry),
	}
}

// ApplyTick upserts the entry for key from one tick, recomputing the
// derived change percent. Ticks for the same instrument are applied in
// arrival order by the single feed callback goroutine.
func (s *Store) ApplyTick(key models.InstrumentKey, tick models.InstrumentTick) {
	entry := models.SnapshotEntry{
		Token:         tick.Token,
		Index:         key.Index,
		Symbol:        key.Symbol,
		LastPrice:     tick.LastPrice,
		Change:        tick.Change,
		ChangePercent: models.ChangePercent(tick.LastPrice, tick.Change),
		Volume:        tick.Volume,
		OHLC:          tick.OHLC,
		BestBid:       tick.BestBid,
		BestAsk:       tick.BestAsk,
		UpdatedAt:     tick.ReceivedAt,
	}

	switch key.Category {
	case models.CategorySpot:
		s.mu.Lock()
		s.spot[key.Index] = entry
		s.mu.Unlock()
	case models.CategoryFuture:
		oi := tick.OI
		entry.OI = &oi
		entry.Expiry = key.Expiry
		s.mu.Lock()
		s.futures[key.Index] = entry
		s.mu.Unlock()
	case models.CategoryOption:
		oi := tick.OI
		entry.OI = &oi
		entry.Strike = key.Strike
		entry.Side = key.Side
		entry.Expiry = key.Expiry
		s.mu.Lock()
		s.options[key.OptionID()] = entry
		s.mu.Unlock()
	}
}

// Snapshot returns a deep copy of all three maps taken under the lock,
// so a publish cycle never observes an upsert mid-iteration.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		Spot:    make(map[string]models.SnapshotEntry, len(s.spot)),
		Futures: make(map[string]models.SnapshotEntry, len(s.futures)),
		Options: make(map[string]models.SnapshotEntry, len(s.options)),
	}
	for k, v := range s.spot {
		out.Spot[k] = v
	}
	for k, v := range s.futures {
		out.Futures[k] = v
	}
	for k, v := range s.options {
		out.Options[k] = v
	}
	return out
}

// SpotCount reports how many indices have received at least one tick.
func (s *Store) SpotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spot)
}
