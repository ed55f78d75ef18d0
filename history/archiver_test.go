package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tickflow/config"
)

const candlesJSON = `{"status":"success","data":{"candles":[
	["2024-08-19T00:00:00+05:30", 22000.0, 22100.0, 21950.0, 22050.0, 182000.0],
	["2024-08-20T00:00:00+05:30", 22050.0, 22120.0, 22010.0, 22090.0, 164500.0],
	["bad-candle"],
	["2024-08-21T00:00:00+05:30", "oops", 1, 1, 1, 1]
]}}`

func testArchiver(t *testing.T, handler http.HandlerFunc, outDir string) *Archiver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewArchiver(config.HistoryConfig{
		Enabled:   true,
		BaseURL:   srv.URL,
		OutputDir: outDir,
		Days:      30,
		RateLimit: 1000,
		Retry:     config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, "test")
	if err != nil {
		t.Fatalf("NewArchiver failed: %v", err)
	}
	return a
}

func TestArchiveWritesParquetFile(t *testing.T) {
	dir := t.TempDir()
	var gotPath string
	a := testArchiver(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(candlesJSON))
	}, dir)

	err := a.Archive(context.Background(), map[uint32]string{256265: "NIFTY 50"})
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if !strings.Contains(gotPath, "/instruments/historical/256265/day") {
		t.Errorf("unexpected request path: %s", gotPath)
	}

	parquets, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		t.Fatalf("glob output dir: %v", err)
	}
	if len(parquets) != 1 {
		t.Fatalf("expected 1 parquet file, got %d", len(parquets))
	}
	name := filepath.Base(parquets[0])
	if !strings.HasPrefix(name, "NIFTY_50_") || !strings.HasSuffix(name, ".parquet") {
		t.Errorf("unexpected file name: %s", name)
	}

	info, err := os.Stat(parquets[0])
	if err != nil || info.Size() == 0 {
		t.Errorf("parquet file empty or unreadable: %v", err)
	}

	manifests, err := filepath.Glob(filepath.Join(dir, "metadata", "run-*.json"))
	if err != nil || len(manifests) != 1 {
		t.Fatalf("expected 1 run manifest, got %v (%v)", manifests, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata", "latest.json")); err != nil {
		t.Errorf("latest.json missing: %v", err)
	}
}

func TestArchiveRetriesAndReportsFailures(t *testing.T) {
	calls := 0
	a := testArchiver(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}, t.TempDir())

	err := a.Archive(context.Background(), map[uint32]string{1: "X"})
	if err == nil {
		t.Fatal("expected archive error")
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestParseCandlesSkipsMalformedRows(t *testing.T) {
	records := parseCandles("X", [][]interface{}{
		{"2024-08-19T00:00:00+05:30", 1.0, 2.0, 0.5, 1.5, 100.0},
		{"not-a-time", 1.0, 2.0, 0.5, 1.5, 100.0},
		{1.0, 2.0},
	})
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Volume != 100 || records[0].Close != 1.5 {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestBuildParquetProducesData(t *testing.T) {
	data, err := buildParquet([]CandleRecord{
		{Symbol: "X", Timestamp: 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	})
	if err != nil {
		t.Fatalf("buildParquet failed: %v", err)
	}
	// Parquet files end with the PAR1 magic bytes.
	if len(data) < 8 || string(data[len(data)-4:]) != "PAR1" {
		t.Errorf("output does not look like a parquet file (%d bytes)", len(data))
	}
}

func TestNewArchiverRequiresBaseURL(t *testing.T) {
	if _, err := NewArchiver(config.HistoryConfig{}, "test"); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
