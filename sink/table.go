package sink

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

const timeLayout = "15:04:05.000"

// TableSink renders views as a tabwriter grid. Output goes to stdout
// when the path is "-", otherwise to a file replaced atomically on
// every write so readers never see a half-written grid.
type TableSink struct {
	path string
	log  *logger.Log
}

func NewTableSink(path string) *TableSink {
	if path == "" {
		path = "-"
	}
	return &TableSink{path: path, log: logger.GetLogger()}
}

// Write renders and delivers one view.
func (s *TableSink) Write(view models.MarketView) error {
	rendered := render(view)

	if s.path == "-" || s.path == "stdout" {
		if _, err := os.Stdout.Write(rendered); err != nil {
			return fmt.Errorf("stdout write failed: %w", err)
		}
		logger.IncrementSinkWrite(int64(len(rendered)))
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".view-*")
	if err != nil {
		return fmt.Errorf("failed to create temp view file: %w", err)
	}
	if _, err := tmp.Write(rendered); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write view file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close view file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace view file: %w", err)
	}

	logger.IncrementSinkWrite(int64(len(rendered)))
	return nil
}

func render(view models.MarketView) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "view %s composed %s\n\n", view.ViewID, view.ComposedAt.Format(timeLayout))

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if len(view.Spot) > 0 {
		fmt.Fprintln(w, "INDEX\tLAST\tCHANGE\tCHANGE%\t")
		spot := append([]models.SnapshotEntry(nil), view.Spot...)
		sort.Slice(spot, func(i, j int) bool { return spot[i].Symbol < spot[j].Symbol })
		for _, row := range spot {
			fmt.Fprintf(w, "%s\t%.2f\t%+.2f\t%+.2f%%\t\n", row.Symbol, row.LastPrice, row.Change, row.ChangePercent)
		}
		fmt.Fprintln(w)
	}

	if len(view.Futures) > 0 {
		fmt.Fprintln(w, "FUTURE\tLAST\tCHANGE%\tOI\tEXPIRY\t")
		futures := append([]models.SnapshotEntry(nil), view.Futures...)
		sort.Slice(futures, func(i, j int) bool { return futures[i].Symbol < futures[j].Symbol })
		for _, row := range futures {
			fmt.Fprintf(w, "%s\t%.2f\t%+.2f%%\t%s\t%s\t\n",
				row.Symbol, row.LastPrice, row.ChangePercent, formatOI(row.OI), formatExpiry(row.Expiry))
		}
		fmt.Fprintln(w)
	}

	for _, chain := range view.Chains {
		fmt.Fprintf(w, "%s\tspot %.2f\tatm %.0f\texpiry %s\t\n",
			chain.Index, chain.Spot, chain.ATMStrike, formatExpiry(chain.Expiry))
		fmt.Fprintln(w, "CALL LTP\tIV\tDELTA\tOI\tSTRIKE\tPUT LTP\tIV\tDELTA\tOI\t")
		for _, row := range chain.Rows {
			strike := fmt.Sprintf("%.0f", row.Strike)
			if row.IsATM {
				strike += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
				quotePrice(row.Call), quoteIV(row.Call), quoteDelta(row.Call), quoteOI(row.Call),
				strike,
				quotePrice(row.Put), quoteIV(row.Put), quoteDelta(row.Put), quoteOI(row.Put))
		}
		fmt.Fprintln(w)
	}

	w.Flush()
	return buf.Bytes()
}

func quotePrice(q *models.OptionQuote) string {
	if q == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", q.Quote.LastPrice)
}

func quoteIV(q *models.OptionQuote) string {
	if q == nil || q.Greeks.IV == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", q.Greeks.IV)
}

func quoteDelta(q *models.OptionQuote) string {
	if q == nil || q.Greeks == (models.Greeks{}) {
		return "-"
	}
	return fmt.Sprintf("%.3f", q.Greeks.Delta)
}

func quoteOI(q *models.OptionQuote) string {
	if q == nil {
		return "-"
	}
	return formatOI(q.Quote.OI)
}

func formatOI(oi *int64) string {
	if oi == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *oi)
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}
