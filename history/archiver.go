// Package history is the batch ETL for end-of-day candles: fetch the
// daily OHLC series per configured index, write one parquet file per
// instrument, optionally upload to S3. It shares the config and
// logging stack with the live pipeline but runs as its own command.
package history

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	appconfig "tickflow/config"
	"tickflow/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"golang.org/x/time/rate"
)

const dateLayout = "2006-01-02"

// CandleRecord is the parquet row schema for archived candles.
type CandleRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    int64   `parquet:"name=volume, type=INT64"`
}

type candleResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]interface{} `json:"candles"`
	} `json:"data"`
}

// memoryFile implements the ParquetFile interface over a buffer so a
// whole file is assembled before it touches disk or S3.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Archiver fetches and archives candle history.
type Archiver struct {
	cfg      appconfig.HistoryConfig
	version  string
	http     *resty.Client
	limiter  *rate.Limiter
	s3Client *s3.Client
	log      *logger.Log
}

// NewArchiver builds the archiver. The S3 client is only constructed
// when upload is enabled; local parquet output needs no AWS setup.
func NewArchiver(cfg appconfig.HistoryConfig, version string) (*Archiver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("history.base_url is not configured")
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	a := &Archiver{
		cfg:     cfg,
		version: version,
		http:    resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     logger.GetLogger(),
	}

	if cfg.S3.Enabled {
		client, err := newS3Client(cfg.S3)
		if err != nil {
			return nil, err
		}
		a.s3Client = client
	}

	return a, nil
}

func newS3Client(cfg appconfig.S3Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	cfg2, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := cfg2.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}
	return s3.NewFromConfig(cfg2), nil
}

// Archive fetches and stores history for each instrument token and
// symbol pair. One instrument failing does not abort the run.
func (a *Archiver) Archive(ctx context.Context, instruments map[uint32]string) error {
	log := a.log.WithComponent("history_archiver")

	to := time.Now()
	days := a.cfg.Days
	if days <= 0 {
		days = 365
	}
	from := to.AddDate(0, 0, -days)

	manifest := NewManifest(a.outputDir())

	failures := 0
	for token, symbol := range instruments {
		records, err := a.fetchCandles(ctx, token, symbol, from, to)
		if err != nil {
			failures++
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("candle fetch failed")
			continue
		}
		if len(records) == 0 {
			log.WithFields(logger.Fields{"symbol": symbol}).Warn("no candles returned")
			continue
		}
		path, size, err := a.store(ctx, symbol, records)
		if err != nil {
			failures++
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("candle archive failed")
			continue
		}
		manifest.Add(ArchivedFile{
			Symbol:      symbol,
			Path:        path,
			SizeBytes:   size,
			RecordCount: int64(len(records)),
			ArchivedAt:  time.Now(),
		})
	}

	if manifest.Len() > 0 {
		path, err := manifest.Write()
		if err != nil {
			log.WithError(err).Warn("failed to write run manifest")
		} else {
			log.WithFields(logger.Fields{"manifest": path, "files": manifest.Len()}).Info("run manifest written")
		}
	}

	if failures > 0 {
		return fmt.Errorf("history archive finished with %d failures", failures)
	}
	return nil
}

// fetchCandles pulls one instrument's series with the configured
// fixed-delay retry budget, rate limited across instruments.
func (a *Archiver) fetchCandles(ctx context.Context, token uint32, symbol string, from, to time.Time) ([]CandleRecord, error) {
	attempts := a.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := a.cfg.Interval
	if interval == "" {
		interval = "day"
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var out candleResponse
		resp, err := a.http.R().
			SetContext(ctx).
			SetResult(&out).
			SetPathParam("token", fmt.Sprintf("%d", token)).
			SetPathParam("interval", interval).
			SetQueryParams(map[string]string{
				"from": from.Format(dateLayout),
				"to":   to.Format(dateLayout),
			}).
			Get("/instruments/historical/{token}/{interval}")
		if err == nil && !resp.IsError() {
			return parseCandles(symbol, out.Data.Candles), nil
		}
		if err == nil {
			err = fmt.Errorf("candle request returned status %d", resp.StatusCode())
		}
		lastErr = err

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.cfg.Retry.BaseDelay):
			}
		}
	}
	return nil, fmt.Errorf("candle fetch exhausted %d attempts: %w", attempts, lastErr)
}

// parseCandles converts the wire shape, a [timestamp, o, h, l, c,
// volume] array per candle, skipping malformed entries.
func parseCandles(symbol string, raw [][]interface{}) []CandleRecord {
	records := make([]CandleRecord, 0, len(raw))
	for _, c := range raw {
		if len(c) < 6 {
			continue
		}
		ts, ok := candleTime(c[0])
		if !ok {
			continue
		}
		open, ok1 := toFloat(c[1])
		high, ok2 := toFloat(c[2])
		low, ok3 := toFloat(c[3])
		closep, ok4 := toFloat(c[4])
		volume, ok5 := toFloat(c[5])
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			continue
		}
		records = append(records, CandleRecord{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closep,
			Volume:    int64(volume),
		})
	}
	return records
}

func candleTime(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339, dateLayout} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UnixMilli(), true
			}
		}
		return 0, false
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func (a *Archiver) outputDir() string {
	if a.cfg.OutputDir == "" {
		return "."
	}
	return a.cfg.OutputDir
}

// store writes the parquet file locally and uploads it when S3 is
// enabled. Returns the local path and byte size of the written file.
func (a *Archiver) store(ctx context.Context, symbol string, records []CandleRecord) (string, int64, error) {
	data, err := buildParquet(records)
	if err != nil {
		return "", 0, err
	}

	filename := fmt.Sprintf("%s_%s.parquet", sanitize(symbol), time.Now().Format("20060102"))

	outDir := a.outputDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(outDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write parquet file: %w", err)
	}

	a.log.WithComponent("history_archiver").WithFields(logger.Fields{
		"symbol": symbol,
		"rows":   len(records),
		"bytes":  len(data),
		"path":   path,
	}).Info("candle history archived")

	if a.s3Client == nil {
		return path, int64(len(data)), nil
	}
	key := filename
	if a.cfg.S3.Prefix != "" {
		key = a.cfg.S3.Prefix + "/" + filename
	}
	if err := a.upload(ctx, key, data); err != nil {
		return "", 0, err
	}
	return path, int64(len(data)), nil
}

// buildParquet assembles a snappy-compressed parquet file in memory.
func buildParquet(records []CandleRecord) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(CandleRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.s3Client.PutObject(context.WithoutCancel(ctx), &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"tickflow-version": a.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.S3.Bucket, err)
	}
	a.log.WithComponent("history_archiver").WithFields(logger.Fields{"key": key, "bytes": len(data)}).Info("uploaded to S3")
	return nil
}

func sanitize(symbol string) string {
	out := make([]rune, 0, len(symbol))
	for _, r := range symbol {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '_')
		}
	}
	return string(out)
}
