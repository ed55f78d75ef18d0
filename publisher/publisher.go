// Package publisher composes point-in-time market views from the
// snapshot store and delivers them to the sink at a bounded rate.
// Composition happens on the ingestion side behind a rate limiter;
// delivery runs on an independent consumer goroutine so a slow sink
// can never block tick ingestion.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/channel/views"
	"tickflow/internal/pricing"
	"tickflow/internal/snapshot"
	"tickflow/internal/strikes"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/sink"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// marketClose is the time-of-day offset applied to expiry dates when
// computing time to expiry.
const marketClose = 15*time.Hour + 30*time.Minute

const hoursPerYear = 24 * 365

// Publisher is the publish scheduler and view composer.
type Publisher struct {
	cfg      config.PublishConfig
	indices  []config.IndexConfig
	perSide  int
	store    *snapshot.Store
	channels *views.Channels
	out      sink.Sink
	limiter  *rate.Limiter

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	now func() time.Time
}

// New builds a publisher over the store and sink. The limiter admits
// one composition per configured interval; triggers between slots are
// dropped, which is the desired coalescing behaviour.
func New(cfg config.PublishConfig, indices []config.IndexConfig, perSide int, store *snapshot.Store, ch *views.Channels, out sink.Sink) *Publisher {
	return &Publisher{
		cfg:      cfg,
		indices:  indices,
		perSide:  perSide,
		store:    store,
		channels: ch,
		out:      out,
		limiter:  rate.NewLimiter(rate.Every(cfg.Interval), 1),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// Start launches the sink consumer.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("publisher")

	p.wg.Add(1)
	go p.consume()

	log.WithFields(logger.Fields{
		"interval":     p.cfg.Interval.String(),
		"sink_retries": p.cfg.SinkRetries,
	}).Info("publisher started")
	return nil
}

// Stop waits for the consumer to drain.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("publisher").Info("stopping publisher")
	p.wg.Wait()
	p.log.WithComponent("publisher").Info("publisher stopped")
}

// Trigger is called by the ingestion pipeline after each applied
// batch. It composes and queues a view only when the rate limiter has
// a slot free, so at most one view per interval is produced no matter
// how fast ticks arrive.
func (p *Publisher) Trigger() {
	p.mu.RLock()
	running := p.running
	ctx := p.ctx
	p.mu.RUnlock()
	if !running {
		return
	}
	if !p.limiter.Allow() {
		return
	}

	view := p.compose(p.now())
	if p.channels.Publish(ctx, view) {
		logger.IncrementViewPublished(len(view.Spot) + len(view.Futures) + len(view.Chains))
	}
}

// compose builds a MarketView from a store snapshot. Greeks and IV are
// computed per option side with the spot as underlying; sides with no
// quote yet stay nil.
func (p *Publisher) compose(now time.Time) models.MarketView {
	snap := p.store.Snapshot()

	view := models.MarketView{
		ViewID:     uuid.NewString(),
		ComposedAt: now,
	}

	for _, idx := range p.indices {
		if entry, ok := snap.Spot[idx.Name]; ok {
			view.Spot = append(view.Spot, entry)
		}
		if entry, ok := snap.Futures[idx.Name]; ok {
			view.Futures = append(view.Futures, entry)
		}

		spot, ok := snap.SpotPrice(idx.Name)
		if !ok {
			continue
		}
		chain := p.composeChain(snap, idx, spot, now)
		if len(chain.Rows) > 0 {
			view.Chains = append(view.Chains, chain)
		}
	}

	return view
}

func (p *Publisher) composeChain(snap snapshot.Snapshot, idx config.IndexConfig, spot float64, now time.Time) models.IndexChain {
	atm := strikes.ATM(spot, idx.StrikeGap)
	window := strikes.Window(atm, idx.StrikeGap, p.perSide)

	chain := models.IndexChain{
		Index:     idx.Name,
		Spot:      spot,
		ATMStrike: atm,
	}

	for _, strike := range window {
		row := models.OptionChainRow{Strike: strike, IsATM: strike == atm}

		if entry, ok := snap.Option(idx.Name, strike, models.SideCall); ok {
			if chain.Expiry.IsZero() {
				chain.Expiry = entry.Expiry
			}
			row.Call = quoteWithGreeks(entry, spot, strike, models.SideCall, now)
		}
		if entry, ok := snap.Option(idx.Name, strike, models.SidePut); ok {
			if chain.Expiry.IsZero() {
				chain.Expiry = entry.Expiry
			}
			row.Put = quoteWithGreeks(entry, spot, strike, models.SidePut, now)
		}

		chain.Rows = append(chain.Rows, row)
	}
	return chain
}

func quoteWithGreeks(entry models.SnapshotEntry, spot, strike float64, side models.OptionSide, now time.Time) *models.OptionQuote {
	quote := &models.OptionQuote{Quote: entry}

	t := yearsToExpiry(now, entry.Expiry)
	if t <= 0 || entry.LastPrice <= 0 {
		return quote
	}

	ivPct := pricing.ImpliedVolatility(spot, strike, t, entry.LastPrice, side)
	if ivPct <= 0 {
		return quote
	}
	quote.Greeks = pricing.Greeks(spot, strike, t, ivPct/100, side)
	return quote
}

// yearsToExpiry measures from now to the market close on expiry day.
func yearsToExpiry(now, expiry time.Time) float64 {
	if expiry.IsZero() {
		return 0
	}
	return expiry.Add(marketClose).Sub(now).Hours() / hoursPerYear
}

// consume delivers queued views to the sink with a bounded fixed-delay
// retry budget. An exhausted budget skips the view; the next cycle
// will carry fresher data anyway.
func (p *Publisher) consume() {
	defer p.wg.Done()

	log := p.log.WithComponent("publish_consumer")

	for {
		select {
		case <-p.ctx.Done():
			return
		case view, ok := <-p.channels.Views:
			if !ok {
				return
			}
			p.deliver(view, log)
		}
	}
}

func (p *Publisher) deliver(view models.MarketView, log *logger.Entry) {
	attempts := p.cfg.SinkRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.out.Write(view)
		if err == nil {
			return
		}
		lastErr = err
		log.WithError(err).WithFields(logger.Fields{
			"view_id": view.ViewID,
			"attempt": attempt,
		}).Warn("sink write failed")

		if attempt < attempts {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.SinkRetryDelay):
			}
		}
	}

	logger.IncrementSinkFailure()
	log.WithError(lastErr).WithFields(logger.Fields{
		"view_id":  view.ViewID,
		"attempts": attempts,
	}).Error("dropping view after exhausted sink retries")
}
