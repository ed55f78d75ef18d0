package views

import (
	"context"
	"sync"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

type ChannelStats struct {
	Sent     int64
	Replaced int64
	Dropped  int64
}

// Channels carries composed market views from the publisher to the
// sink consumer. The buffer holds exactly one view: a publish while a
// stale view is still queued swaps it out, so a slow sink always picks
// up the newest view and never works through a backlog.
type Channels struct {
	Views chan models.MarketView

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels() *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Views: make(chan models.MarketView, 1),
		log:   log,
	}

	log.WithComponent("view_channels").Info("view channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Views)
	c.log.WithComponent("view_channels").Info("view channels closed")
}

// Publish queues a view, replacing any stale one already waiting.
// Returns false only when the context is cancelled.
func (c *Channels) Publish(ctx context.Context, view models.MarketView) bool {
	for {
		select {
		case c.Views <- view:
			c.incrementSent()
			return true
		case <-ctx.Done():
			c.incrementDropped()
			return false
		default:
		}

		// Slot occupied: evict the stale view and retry the send.
		select {
		case <-c.Views:
			c.incrementReplaced()
		case <-ctx.Done():
			c.incrementDropped()
			return false
		default:
		}
	}
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementReplaced() {
	c.statsMutex.Lock()
	c.stats.Replaced++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// QueueDepth reports how many views are waiting for the consumer. With
// a single-slot buffer this is 0 or 1.
func (c *Channels) QueueDepth() int {
	return len(c.Views)
}

// ReportStats emits the channel counters as metrics.
func (c *Channels) ReportStats() {
	stats := c.GetStats()
	c.log.LogMetric("view_channels", "views_sent", stats.Sent, "counter", nil)
	c.log.LogMetric("view_channels", "views_replaced", stats.Replaced, "counter", nil)
	c.log.LogMetric("view_channels", "views_dropped", stats.Dropped, "counter", nil)
	c.log.LogMetric("view_channels", "queue_depth", int64(c.QueueDepth()), "gauge", nil)
}

// StartReporter emits channel stats on the interval until the context
// is cancelled. Enabled through the metrics.channel_size config flag.
func (c *Channels) StartReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ReportStats()
			}
		}
	}()
}
