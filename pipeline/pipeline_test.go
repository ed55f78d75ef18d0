package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/instruments"
	"tickflow/internal/classify"
	"tickflow/internal/snapshot"
	"tickflow/models"
)

type fakeScheduler struct {
	triggers int64
}

func (f *fakeScheduler) Trigger() { atomic.AddInt64(&f.triggers, 1) }

type fakeFeedClient struct {
	mu         sync.Mutex
	subscribed [][]uint32
	modes      []string
	done       chan struct{}
}

func newFakeFeedClient() *fakeFeedClient {
	return &fakeFeedClient{done: make(chan struct{})}
}

func (f *fakeFeedClient) Connect(context.Context) error { return nil }
func (f *fakeFeedClient) Done() <-chan struct{}         { return f.done }
func (f *fakeFeedClient) Close() error                  { return nil }

func (f *fakeFeedClient) Subscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, append([]uint32(nil), tokens...))
	return nil
}

func (f *fakeFeedClient) SetMode(mode string, tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeFeedClient) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func (f *fakeFeedClient) lastSubscribed() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribed) == 0 {
		return nil
	}
	return f.subscribed[len(f.subscribed)-1]
}

// dumpServer serves an instrument master with a current future and an
// option window around 22000, all expiring in the future.
func dumpServer(t *testing.T) *httptest.Server {
	t.Helper()
	optExpiry := time.Now().Add(7 * 24 * time.Hour).Format("2006-01-02")
	futExpiry := time.Now().Add(21 * 24 * time.Hour).Format("2006-01-02")

	csv := "instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange\n"
	csv += fmt.Sprintf("11001,43,NIFTY26SEPFUT,NIFTY,0,%s,0,0.05,25,FUT,NFO-FUT,NFO\n", futExpiry)
	token := 12000
	for _, strike := range []int{21950, 22000, 22050} {
		for _, side := range []string{"CE", "PE"} {
			token++
			csv += fmt.Sprintf("%d,%d,NIFTY26SEP%d%s,NIFTY,0,%s,%d,0.05,25,%s,NFO-OPT,NFO\n",
				token, token, strike, side, optExpiry, strike, side)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(csv))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(dumpURL string) *config.Config {
	return &config.Config{
		Indices: []config.IndexConfig{
			{Name: "NIFTY 50", SpotToken: 256265, DerivativePrefix: "NIFTY", StrikeGap: 50, ExpiryCadence: "weekly"},
		},
		Chain: config.ChainConfig{StrikesPerSide: 1},
		Instruments: config.InstrumentsConfig{
			URL:      dumpURL,
			Exchange: "NFO",
			Retry:    config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, scheduler Scheduler) (*Pipeline, *classify.TokenMap, *snapshot.Store) {
	t.Helper()
	tokens := classify.NewTokenMap()
	store := snapshot.NewStore()
	master := instruments.NewMaster(cfg.Instruments)
	return New(cfg, tokens, store, master, scheduler), tokens, store
}

func TestStartSeedsSpotTokens(t *testing.T) {
	cfg := testConfig("http://unused")
	p, tokens, _ := newTestPipeline(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { cancel(); p.Stop() }()

	key, ok := tokens.Lookup(256265)
	if !ok {
		t.Fatal("spot token not seeded")
	}
	if key.Category != models.CategorySpot || key.Index != "NIFTY 50" {
		t.Fatalf("unexpected key: %+v", key)
	}
}

func TestStartWithFeedRateMetricsStopsCleanly(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Metrics = config.MetricsConfig{FeedRate: true}
	p, _, _ := newTestPipeline(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The metrics reporter must observe cancellation; Stop hangs on
	// its waitgroup otherwise.
	cancel()
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with metrics reporter running")
	}
}

func TestOnTicksAppliesKnownAndDropsUnknown(t *testing.T) {
	cfg := testConfig("http://unused")
	sched := &fakeScheduler{}
	p, tokens, store := newTestPipeline(t, cfg, sched)

	tokens.Register(256265, models.InstrumentKey{Category: models.CategorySpot, Index: "NIFTY 50", Symbol: "NIFTY 50"})

	p.OnTicks(models.TickBatch{Ticks: []models.InstrumentTick{
		{Token: 256265, LastPrice: 22000, Change: 110},
		{Token: 99999, LastPrice: 1},
	}})

	if price, ok := store.Snapshot().SpotPrice("NIFTY 50"); !ok || price != 22000 {
		t.Fatalf("spot not applied: %v %v", price, ok)
	}
	if got := atomic.LoadInt64(&p.ticksApplied); got != 1 {
		t.Errorf("ticks applied = %d, want 1", got)
	}
	if got := atomic.LoadInt64(&p.ticksDropped); got != 1 {
		t.Errorf("ticks dropped = %d, want 1", got)
	}
	if got := atomic.LoadInt64(&sched.triggers); got != 1 {
		t.Errorf("scheduler triggers = %d, want 1", got)
	}
}

func TestHandleConnectResubscribesRegisteredTokens(t *testing.T) {
	cfg := testConfig("http://unused")
	p, tokens, _ := newTestPipeline(t, cfg, nil)

	tokens.Register(256265, models.InstrumentKey{Category: models.CategorySpot, Index: "NIFTY 50", Symbol: "NIFTY 50"})
	tokens.Register(11001, models.InstrumentKey{Category: models.CategoryFuture, Index: "NIFTY 50", Symbol: "NIFTY26SEPFUT"})

	client := newFakeFeedClient()
	if err := p.HandleConnect(client); err != nil {
		t.Fatalf("HandleConnect failed: %v", err)
	}

	if client.subscribeCalls() != 1 {
		t.Fatalf("subscribe calls = %d, want 1", client.subscribeCalls())
	}
	if got := len(client.lastSubscribed()); got != 2 {
		t.Errorf("subscribed %d tokens, want 2", got)
	}
	if len(client.modes) != 1 || client.modes[0] != "full" {
		t.Errorf("unexpected modes: %v", client.modes)
	}
}

func TestDeferredDerivativeSubscription(t *testing.T) {
	srv := dumpServer(t)
	cfg := testConfig(srv.URL)
	p, tokens, _ := newTestPipeline(t, cfg, &fakeScheduler{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client := newFakeFeedClient()
	if err := p.HandleConnect(client); err != nil {
		t.Fatalf("HandleConnect failed: %v", err)
	}

	// Spot tick for the only configured index arms the one-time
	// derivative subscription.
	p.OnTicks(models.TickBatch{Ticks: []models.InstrumentTick{
		{Token: 256265, LastPrice: 22013.4, Change: 110},
	}})

	deadline := time.After(5 * time.Second)
	for client.subscribeCalls() < 2 {
		select {
		case <-deadline:
			t.Fatal("derivative subscription never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// One future plus CE/PE at 21950, 22000, 22050.
	derivTokens := client.lastSubscribed()
	if len(derivTokens) != 7 {
		t.Fatalf("derivative tokens = %d, want 7", len(derivTokens))
	}
	for _, tok := range derivTokens {
		key, ok := tokens.Lookup(tok)
		if !ok {
			t.Errorf("token %d subscribed but not registered", tok)
			continue
		}
		if key.Category != models.CategoryFuture && key.Category != models.CategoryOption {
			t.Errorf("token %d has category %s", tok, key.Category)
		}
		if key.Expiry.IsZero() {
			t.Errorf("token %d registered without expiry", tok)
		}
	}

	// Further batches never re-run the subscription.
	p.OnTicks(models.TickBatch{Ticks: []models.InstrumentTick{
		{Token: 256265, LastPrice: 22020, Change: 117},
	}})
	time.Sleep(50 * time.Millisecond)
	if client.subscribeCalls() != 2 {
		t.Errorf("subscribe calls = %d, want 2", client.subscribeCalls())
	}

	cancel()
	p.Stop()
}
