// Package pipeline applies feed ticks to the snapshot store and drives
// the deferred derivative subscription. Snapshot upserts happen
// synchronously in the feed callback; everything slow (instrument
// master fetch, subscription requests) runs on its own goroutine.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/config"
	"tickflow/feed"
	"tickflow/instruments"
	"tickflow/internal/classify"
	"tickflow/internal/snapshot"
	"tickflow/internal/strikes"
	"tickflow/logger"
	"tickflow/models"
)

const metricsInterval = 30 * time.Second

// Scheduler is notified after every applied batch. The publisher's
// rate limiter decides whether the notification produces a view.
type Scheduler interface {
	Trigger()
}

// Pipeline is the tick ingestion path.
type Pipeline struct {
	cfg        *config.Config
	tokens     *classify.TokenMap
	classifier *classify.Classifier
	store      *snapshot.Store
	master     *instruments.Master
	scheduler  Scheduler

	subscribeOnce sync.Once

	clientMu sync.RWMutex
	client   feed.Client

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	ticksApplied  int64
	ticksDropped  int64
	unknownTokens int64
}

// New wires the pipeline. The classifier is built from the configured
// indices so derivative rows from the instrument master resolve to the
// same index names the snapshot store is keyed by.
func New(cfg *config.Config, tokens *classify.TokenMap, store *snapshot.Store, master *instruments.Master, scheduler Scheduler) *Pipeline {
	aliases := make([]classify.IndexAlias, len(cfg.Indices))
	for i, idx := range cfg.Indices {
		aliases[i] = classify.IndexAlias{Name: idx.Name, Prefix: idx.DerivativePrefix}
	}
	return &Pipeline{
		cfg:        cfg,
		tokens:     tokens,
		classifier: classify.New(aliases),
		store:      store,
		master:     master,
		scheduler:  scheduler,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

// Start seeds the spot tokens and launches the metrics reporter.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("pipeline")

	for _, idx := range p.cfg.Indices {
		p.tokens.Register(idx.SpotToken, models.InstrumentKey{
			Category: models.CategorySpot,
			Index:    idx.Name,
			Symbol:   idx.Name,
		})
	}

	if p.cfg.Metrics.FeedRate {
		p.wg.Add(1)
		go p.reportMetrics()
	}

	log.WithFields(logger.Fields{"indices": len(p.cfg.Indices)}).Info("pipeline started")
	return nil
}

// Stop waits for the background work to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("pipeline").Info("stopping pipeline")
	p.wg.Wait()
	p.log.WithComponent("pipeline").Info("pipeline stopped")
}

// HandleConnect is the supervisor's post-connect hook. It stores the
// live client and (re)subscribes every token registered so far, so a
// reconnect restores the full subscription set without refetching the
// instrument master.
func (p *Pipeline) HandleConnect(client feed.Client) error {
	p.clientMu.Lock()
	p.client = client
	p.clientMu.Unlock()

	toks := p.tokens.Tokens()
	if len(toks) == 0 {
		return nil
	}
	if err := client.Subscribe(toks); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	if err := client.SetMode(feed.ModeFull, toks); err != nil {
		return fmt.Errorf("mode change failed: %w", err)
	}

	p.log.WithComponent("pipeline").WithFields(logger.Fields{"tokens": len(toks)}).Info("subscriptions established")
	return nil
}

// OnTicks is the feed callback. Per-tick failures are isolated: an
// unmapped token drops that tick, never the batch.
func (p *Pipeline) OnTicks(batch models.TickBatch) {
	log := p.log.WithComponent("pipeline")

	for _, tick := range batch.Ticks {
		key, ok := p.tokens.Lookup(tick.Token)
		if !ok {
			atomic.AddInt64(&p.ticksDropped, 1)
			atomic.AddInt64(&p.unknownTokens, 1)
			logger.IncrementTickDropped()
			log.WithFields(logger.Fields{"token": tick.Token}).Warn("dropping tick for unmapped token")
			continue
		}
		p.store.ApplyTick(key, tick)
		atomic.AddInt64(&p.ticksApplied, 1)
		logger.IncrementTickApplied(1)
	}

	p.maybeSubscribeDerivatives()

	if p.scheduler != nil {
		p.scheduler.Trigger()
	}
}

// maybeSubscribeDerivatives kicks off the one-time derivative
// subscription once every configured index has a live spot price.
func (p *Pipeline) maybeSubscribeDerivatives() {
	if p.store.SpotCount() < len(p.cfg.Indices) {
		return
	}
	p.subscribeOnce.Do(func() {
		p.wg.Add(1)
		go p.subscribeDerivatives()
	})
}

// subscribeDerivatives fetches the instrument master, resolves the
// current future and the ATM option window per index, registers the
// tokens, then subscribes. Registration happens before the subscribe
// request goes out so the first derivative tick always classifies.
func (p *Pipeline) subscribeDerivatives() {
	defer p.wg.Done()

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"operation": "subscribe_derivatives"})

	if err := p.master.Fetch(p.ctx); err != nil {
		log.WithError(err).Error("instrument master fetch failed, derivatives unavailable")
		return
	}

	snap := p.store.Snapshot()
	now := time.Now()

	var newTokens []uint32
	for _, idx := range p.cfg.Indices {
		spot, ok := snap.SpotPrice(idx.Name)
		if !ok {
			continue
		}

		if fut, ok := p.master.CurrentFuture(idx.DerivativePrefix, now); ok {
			if p.register(fut) {
				newTokens = append(newTokens, fut.Token)
			}
		} else {
			log.WithFields(logger.Fields{"index": idx.Name}).Warn("no current future found")
		}

		expiry, ok := p.master.NearestExpiry(idx.DerivativePrefix, idx.ExpiryCadence, now)
		if !ok {
			log.WithFields(logger.Fields{"index": idx.Name}).Warn("no option expiry found")
			continue
		}

		atm := strikes.ATM(spot, idx.StrikeGap)
		window := strikes.Window(atm, idx.StrikeGap, p.cfg.Chain.StrikesPerSide)
		for _, opt := range p.master.Options(idx.DerivativePrefix, expiry, window) {
			if p.register(opt) {
				newTokens = append(newTokens, opt.Token)
			}
		}
	}

	if len(newTokens) == 0 {
		log.Warn("no derivative tokens resolved")
		return
	}

	p.clientMu.RLock()
	client := p.client
	p.clientMu.RUnlock()
	if client == nil {
		log.Error("no live feed client to subscribe derivatives on")
		return
	}

	if err := client.Subscribe(newTokens); err != nil {
		log.WithError(err).Error("derivative subscribe failed")
		return
	}
	if err := client.SetMode(feed.ModeFull, newTokens); err != nil {
		log.WithError(err).Error("derivative mode change failed")
		return
	}

	log.WithFields(logger.Fields{"tokens": len(newTokens)}).Info("derivatives subscribed")
}

// register classifies one master row and adds it to the token map.
func (p *Pipeline) register(row models.Instrument) bool {
	key, err := p.classifier.Classify(row.TradingSymbol)
	if err != nil {
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"symbol": row.TradingSymbol,
		}).WithError(err).Warn("skipping unclassifiable instrument")
		return false
	}
	key.Expiry = row.Expiry
	if key.Strike == 0 {
		key.Strike = row.Strike
	}
	p.tokens.Register(row.Token, key)
	return true
}

func (p *Pipeline) reportMetrics() {
	defer p.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.log.LogMetric("pipeline", "ticks_applied", atomic.LoadInt64(&p.ticksApplied), "counter", nil)
			p.log.LogMetric("pipeline", "ticks_dropped", atomic.LoadInt64(&p.ticksDropped), "counter", nil)
			p.log.LogMetric("pipeline", "unknown_tokens", atomic.LoadInt64(&p.unknownTokens), "counter", logger.Fields{
				"registered_tokens": p.tokens.Len(),
			})
		}
	}
}
