package sink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tickflow/models"
)

func sampleView() models.MarketView {
	oi := int64(120000)
	return models.MarketView{
		ViewID:     "view-1",
		ComposedAt: time.Date(2024, 8, 20, 10, 15, 0, 0, time.UTC),
		Spot: []models.SnapshotEntry{
			{Symbol: "NIFTY 50", LastPrice: 22013.4, Change: 110.2, ChangePercent: 0.5},
		},
		Futures: []models.SnapshotEntry{
			{Symbol: "NIFTY24AUGFUT", LastPrice: 22050, ChangePercent: 0.48, OI: &oi,
				Expiry: time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)},
		},
		Chains: []models.IndexChain{
			{
				Index:     "NIFTY 50",
				Spot:      22013.4,
				ATMStrike: 22000,
				Expiry:    time.Date(2024, 8, 22, 0, 0, 0, 0, time.UTC),
				Rows: []models.OptionChainRow{
					{Strike: 21950},
					{
						Strike: 22000,
						IsATM:  true,
						Call: &models.OptionQuote{
							Quote:  models.SnapshotEntry{LastPrice: 151.5, OI: &oi},
							Greeks: models.Greeks{Delta: 0.52, IV: 14.2},
						},
					},
				},
			},
		},
	}
}

func TestTableSinkWritesFileAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "view.txt")
	s := NewTableSink(path)

	if err := s.Write(sampleView()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	out := string(data)

	for _, want := range []string{"view-1", "NIFTY 50", "NIFTY24AUGFUT", "22000 *", "151.50", "120000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// The strike with no quotes renders placeholders, not zeros.
	if !strings.Contains(out, "21950") {
		t.Errorf("output missing empty strike row:\n%s", out)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the view file, found %d entries", len(entries))
	}
}

func TestTableSinkOverwritesPreviousView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "view.txt")
	s := NewTableSink(path)

	view := sampleView()
	if err := s.Write(view); err != nil {
		t.Fatalf("first write: %v", err)
	}

	view.ViewID = "view-2"
	if err := s.Write(view); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "view-1") {
		t.Error("previous view not replaced")
	}
	if !strings.Contains(string(data), "view-2") {
		t.Error("latest view missing")
	}
}

func TestTableSinkFailsOnBadDirectory(t *testing.T) {
	s := NewTableSink("/nonexistent-dir-tickflow/view.txt")
	if err := s.Write(sampleView()); err == nil {
		t.Fatal("expected write error for missing directory")
	}
}
