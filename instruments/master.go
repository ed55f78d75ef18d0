// Package instruments downloads and indexes the exchange instrument
// master dump. The dump is a large CSV refreshed daily; it is fetched
// once per session (after spot prices are live) and queried to resolve
// derivative tokens for subscription.
package instruments

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	expiryLayout   = "2006-01-02"
	requestTimeout = 60 * time.Second

	typeFuture = "FUT"
	typeCall   = "CE"
	typePut    = "PE"
)

// Master fetches and holds the instrument dump. All query helpers read
// the immutable row slice swapped in by Fetch.
type Master struct {
	cfg     config.InstrumentsConfig
	http    *resty.Client
	limiter *rate.Limiter
	log     *logger.Log

	mu   sync.RWMutex
	rows []models.Instrument
}

// NewMaster builds the collaborator. The rate limiter protects the
// broker's dump endpoint; retries use their own fixed-delay budget
// independent of the feed's reconnect budget.
func NewMaster(cfg config.InstrumentsConfig) *Master {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &Master{
		cfg:     cfg,
		http:    resty.New().SetTimeout(requestTimeout),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// Fetch downloads and parses the dump, retrying transport failures
// with a fixed delay up to the configured budget.
func (m *Master) Fetch(ctx context.Context) error {
	log := m.log.WithComponent("instrument_master")

	attempts := m.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}

		rows, err := m.download(ctx)
		if err == nil {
			m.mu.Lock()
			m.rows = rows
			m.mu.Unlock()
			log.WithFields(logger.Fields{"rows": len(rows), "attempt": attempt}).Info("instrument master loaded")
			return nil
		}
		lastErr = err
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("instrument master fetch failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.Retry.BaseDelay):
			}
		}
	}
	return fmt.Errorf("instrument master fetch exhausted %d attempts: %w", attempts, lastErr)
}

func (m *Master) download(ctx context.Context) ([]models.Instrument, error) {
	resp, err := m.http.R().SetContext(ctx).Get(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dump request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("dump request returned status %d", resp.StatusCode())
	}
	return parseCSV(bytes.NewReader(resp.Body()), m.cfg.Exchange)
}

// parseCSV reads the dump, keeping rows for the configured exchange.
// Column order is taken from the header so upstream reordering does
// not break parsing; rows with malformed numerics are skipped.
func parseCSV(r io.Reader, exchange string) ([]models.Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read dump header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"instrument_token", "tradingsymbol", "name", "expiry", "strike", "instrument_type", "segment", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("dump header missing column %q", required)
		}
	}

	field := func(rec []string, name string) string {
		i := col[name]
		if i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []models.Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dump row: %w", err)
		}

		if exchange != "" && field(rec, "exchange") != exchange {
			continue
		}

		token, err := strconv.ParseUint(field(rec, "instrument_token"), 10, 32)
		if err != nil {
			continue
		}
		strike, err := strconv.ParseFloat(field(rec, "strike"), 64)
		if err != nil {
			strike = 0
		}
		var expiry time.Time
		if raw := field(rec, "expiry"); raw != "" {
			expiry, err = time.Parse(expiryLayout, raw)
			if err != nil {
				continue
			}
		}

		rows = append(rows, models.Instrument{
			Token:          uint32(token),
			TradingSymbol:  field(rec, "tradingsymbol"),
			Name:           field(rec, "name"),
			Expiry:         expiry,
			Strike:         strike,
			InstrumentType: field(rec, "instrument_type"),
			Segment:        field(rec, "segment"),
			Exchange:       field(rec, "exchange"),
		})
	}
	return rows, nil
}

// Len reports the number of loaded rows.
func (m *Master) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// NearestExpiry returns the nearest option expiry on or after now for
// the index. Weekly cadence takes the earliest listed expiry; monthly
// cadence takes the last expiry within that earliest month, which is
// the monthly contract.
func (m *Master) NearestExpiry(name, cadence string, now time.Time) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	today := now.Truncate(24 * time.Hour)
	var nearest time.Time
	for _, row := range m.rows {
		if row.Name != name || (row.InstrumentType != typeCall && row.InstrumentType != typePut) {
			continue
		}
		if row.Expiry.Before(today) {
			continue
		}
		if nearest.IsZero() || row.Expiry.Before(nearest) {
			nearest = row.Expiry
		}
	}
	if nearest.IsZero() {
		return time.Time{}, false
	}

	if cadence == "monthly" {
		for _, row := range m.rows {
			if row.Name != name || (row.InstrumentType != typeCall && row.InstrumentType != typePut) {
				continue
			}
			if row.Expiry.Year() == nearest.Year() && row.Expiry.Month() == nearest.Month() && row.Expiry.After(nearest) {
				nearest = row.Expiry
			}
		}
	}
	return nearest, true
}

// CurrentFuture returns the futures contract with the nearest expiry
// on or after now.
func (m *Master) CurrentFuture(name string, now time.Time) (models.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	today := now.Truncate(24 * time.Hour)
	var best models.Instrument
	found := false
	for _, row := range m.rows {
		if row.Name != name || row.InstrumentType != typeFuture {
			continue
		}
		if row.Expiry.Before(today) {
			continue
		}
		if !found || row.Expiry.Before(best.Expiry) {
			best = row
			found = true
		}
	}
	return best, found
}

// Options returns the CE and PE contracts for the given expiry whose
// strikes fall in the window.
func (m *Master) Options(name string, expiry time.Time, strikes []float64) []models.Instrument {
	want := make(map[float64]bool, len(strikes))
	for _, k := range strikes {
		want[k] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Instrument
	for _, row := range m.rows {
		if row.Name != name || (row.InstrumentType != typeCall && row.InstrumentType != typePut) {
			continue
		}
		if !row.Expiry.Equal(expiry) || !want[row.Strike] {
			continue
		}
		out = append(out, row)
	}
	return out
}
