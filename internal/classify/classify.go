// Package classify maps trading symbols and feed tokens to instrument
// identities. Spot indices match by exact display name, futures by
// their FUT suffix, options by their CE/PE suffix plus a trailing
// strike run. Malformed symbols classify to an error, never a panic:
// the pipeline drops such ticks and moves on.
package classify

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tickflow/models"
)

// ErrUnclassified marks a symbol that matches no known category.
var ErrUnclassified = errors.New("unclassified symbol")

const (
	futureSuffix = "FUT"
	callSuffix   = "CE"
	putSuffix    = "PE"
)

// IndexAlias links an index display name ("NIFTY 50") to the prefix
// its derivative symbols carry ("NIFTY").
type IndexAlias struct {
	Name   string
	Prefix string
}

// Classifier resolves raw trading symbols into instrument keys.
type Classifier struct {
	names    map[string]string
	prefixes []IndexAlias
}

// New builds a classifier for the configured indices. Prefixes are
// matched longest first so BANKNIFTY wins over NIFTY.
func New(indices []IndexAlias) *Classifier {
	c := &Classifier{
		names:    make(map[string]string, len(indices)),
		prefixes: make([]IndexAlias, len(indices)),
	}
	copy(c.prefixes, indices)
	for _, idx := range indices {
		c.names[idx.Name] = idx.Name
	}
	sort.Slice(c.prefixes, func(i, j int) bool {
		return len(c.prefixes[i].Prefix) > len(c.prefixes[j].Prefix)
	})
	return c
}

// Classify maps a trading symbol to its instrument key. Expiry is not
// parsed here: futures and options get it from the instrument master
// when their tokens are registered.
func (c *Classifier) Classify(symbol string) (models.InstrumentKey, error) {
	if name, ok := c.names[symbol]; ok {
		return models.InstrumentKey{Category: models.CategorySpot, Index: name, Symbol: symbol}, nil
	}

	if strings.HasSuffix(symbol, futureSuffix) {
		idx, ok := c.matchPrefix(symbol)
		if !ok {
			return models.InstrumentKey{}, ErrUnclassified
		}
		return models.InstrumentKey{Category: models.CategoryFuture, Index: idx, Symbol: symbol}, nil
	}

	var side models.OptionSide
	switch {
	case strings.HasSuffix(symbol, callSuffix):
		side = models.SideCall
	case strings.HasSuffix(symbol, putSuffix):
		side = models.SidePut
	default:
		return models.InstrumentKey{}, ErrUnclassified
	}

	idx, ok := c.matchPrefix(symbol)
	if !ok {
		return models.InstrumentKey{}, ErrUnclassified
	}

	strike, ok := trailingStrike(symbol[:len(symbol)-2])
	if !ok {
		return models.InstrumentKey{}, ErrUnclassified
	}

	return models.InstrumentKey{
		Category: models.CategoryOption,
		Index:    idx,
		Symbol:   symbol,
		Strike:   strike,
		Side:     side,
	}, nil
}

func (c *Classifier) matchPrefix(symbol string) (string, bool) {
	for _, a := range c.prefixes {
		if a.Prefix != "" && strings.HasPrefix(symbol, a.Prefix) {
			return a.Name, true
		}
	}
	return "", false
}

// trailingStrike extracts the longest run of digits at the end of s.
func trailingStrike(s string) (float64, bool) {
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	strike, err := strconv.ParseFloat(s[start:end], 64)
	if err != nil {
		return 0, false
	}
	return strike, true
}

// TokenMap maps feed-assigned tokens to instrument keys. Spot tokens
// are seeded at startup; derivative tokens are registered from the
// instrument master before their subscription request goes out, so a
// subscribed token always classifies.
type TokenMap struct {
	mu sync.RWMutex
	m  map[uint32]models.InstrumentKey
}

func NewTokenMap() *TokenMap {
	return &TokenMap{m: make(map[uint32]models.InstrumentKey)}
}

// Register inserts or replaces the key for a token.
func (t *TokenMap) Register(token uint32, key models.InstrumentKey) {
	t.mu.Lock()
	t.m[token] = key
	t.mu.Unlock()
}

// Lookup returns the key for a token, if known.
func (t *TokenMap) Lookup(token uint32) (models.InstrumentKey, bool) {
	t.mu.RLock()
	key, ok := t.m[token]
	t.mu.RUnlock()
	return key, ok
}

// Tokens returns all registered tokens, for subscription requests.
func (t *TokenMap) Tokens() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.m))
	for tok := range t.m {
		out = append(out, tok)
	}
	return out
}

// Len reports the number of registered tokens.
func (t *TokenMap) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
