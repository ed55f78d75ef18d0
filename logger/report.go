package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed     int64
	errorsPublish  int64
	warnsFeed      int64
	warnsPublish   int64
	ticksApplied   int64
	ticksDropped   int64
	viewsPublished int64
	sinkWrites     int64
	sinkFailures   int64
	feedReconnects int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "publish") || strings.Contains(component, "sink") {
		atomic.AddInt64(&warnsPublish, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "publish") || strings.Contains(component, "sink") {
		atomic.AddInt64(&errorsPublish, 1)
	}
}

func IncrementTickApplied(size int) {
	atomic.AddInt64(&ticksApplied, 1)
	recordChannel("feed_ticks", size)
}

func IncrementTickDropped() {
	atomic.AddInt64(&ticksDropped, 1)
}

func IncrementViewPublished(size int) {
	atomic.AddInt64(&viewsPublished, 1)
	recordChannel("views", size)
}

func IncrementSinkWrite(size int64) {
	atomic.AddInt64(&sinkWrites, 1)
	recordChannel("sink_write", int(size))
}

func IncrementSinkFailure() {
	atomic.AddInt64(&sinkFailures, 1)
}

func IncrementFeedReconnect() {
	atomic.AddInt64(&feedReconnects, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":     atomic.LoadInt64(&errorsFeed),
		"errors_publish":  atomic.LoadInt64(&errorsPublish),
		"warns_feed":      atomic.LoadInt64(&warnsFeed),
		"warns_publish":   atomic.LoadInt64(&warnsPublish),
		"ticks_applied":   atomic.LoadInt64(&ticksApplied),
		"ticks_dropped":   atomic.LoadInt64(&ticksDropped),
		"views_published": atomic.LoadInt64(&viewsPublished),
		"sink_writes":     atomic.LoadInt64(&sinkWrites),
		"sink_failures":   atomic.LoadInt64(&sinkFailures),
		"feed_reconnects": atomic.LoadInt64(&feedReconnects),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPublish"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_publish"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsPublish"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_publish"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksApplied"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ticks_applied"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TicksDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ticks_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ViewsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["views_published"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SinkFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_failures"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FeedReconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
