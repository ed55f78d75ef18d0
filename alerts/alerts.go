// Package alerts evaluates configured rule expressions against every
// published view. Rules are compiled once at startup; a rule that
// fails to evaluate on a given row is skipped for that row, it never
// blocks publishing.
package alerts

import (
	"fmt"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/sink"

	"github.com/Knetic/govaluate"
)

type rule struct {
	name  string
	index string
	expr  *govaluate.EvaluableExpression
}

// Firing is one rule match on one row.
type Firing struct {
	Rule   string
	Index  string
	Symbol string
	Params map[string]interface{}
}

// Engine holds the compiled rule set.
type Engine struct {
	rules []rule
	log   *logger.Log
}

// NewEngine compiles the configured expressions. Variables available
// to a rule: last_price, change, change_percent, volume, oi.
func NewEngine(rules []config.AlertRule) (*Engine, error) {
	e := &Engine{log: logger.GetLogger()}
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("alert rule with empty name")
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("alert rule %q: %w", r.Name, err)
		}
		e.rules = append(e.rules, rule{name: r.Name, index: r.Index, expr: expr})
	}
	return e, nil
}

// Evaluate runs every rule against the view's spot and futures rows
// and returns the firings.
func (e *Engine) Evaluate(view models.MarketView) []Firing {
	if len(e.rules) == 0 {
		return nil
	}

	log := e.log.WithComponent("alerts")

	var firings []Firing
	check := func(index string, entry models.SnapshotEntry) {
		params := rowParams(entry)
		for _, r := range e.rules {
			if r.index != "" && r.index != index {
				continue
			}
			result, err := r.expr.Evaluate(params)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"rule": r.name, "symbol": entry.Symbol}).Warn("alert rule evaluation failed")
				continue
			}
			fired, ok := result.(bool)
			if !ok || !fired {
				continue
			}
			firings = append(firings, Firing{Rule: r.name, Index: index, Symbol: entry.Symbol, Params: params})
		}
	}

	// A rule's index filter matches the configured index display name
	// for spot and futures rows alike; the entry carries it from the
	// snapshot store.
	for _, entry := range view.Spot {
		check(entry.Index, entry)
	}
	for _, entry := range view.Futures {
		check(entry.Index, entry)
	}
	return firings
}

func rowParams(entry models.SnapshotEntry) map[string]interface{} {
	oi := int64(0)
	if entry.OI != nil {
		oi = *entry.OI
	}
	return map[string]interface{}{
		"last_price":     entry.LastPrice,
		"change":         entry.Change,
		"change_percent": entry.ChangePercent,
		"volume":         entry.Volume,
		"oi":             oi,
	}
}

// Sink decorates another sink with alert evaluation. Firings are
// logged; delivery proceeds regardless.
type Sink struct {
	engine *Engine
	inner  sink.Sink
	log    *logger.Log
}

func NewSink(engine *Engine, inner sink.Sink) *Sink {
	return &Sink{engine: engine, inner: inner, log: logger.GetLogger()}
}

func (s *Sink) Write(view models.MarketView) error {
	for _, firing := range s.engine.Evaluate(view) {
		s.log.WithComponent("alerts").WithFields(logger.Fields{
			"rule":           firing.Rule,
			"index":          firing.Index,
			"symbol":         firing.Symbol,
			"last_price":     firing.Params["last_price"],
			"change_percent": firing.Params["change_percent"],
		}).Warn("alert rule fired")
	}
	return s.inner.Write(view)
}
