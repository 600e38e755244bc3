package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
)

var testIST = time.FixedZone("IST", 5*3600+1800)

func testInstrument(token int64, symbol string, strike string, ot domain.OptionType) domain.Instrument {
	return domain.Instrument{
		InstrumentToken: token,
		Key: domain.NewInstrumentKey(symbol, decimal.RequireFromString(strike), ot,
			time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC), "NFO"),
		Name:     "NIFTY",
		IsActive: true,
	}
}

func newTestQuoteClient(url string, chunk int) *QuoteClient {
	cfg := &Config{}
	cfg.Source.QuoteURL = url
	cfg.Source.APIKey = "key"
	cfg.Source.AccessToken = "secret"
	cfg.Source.ChunkSize = chunk
	cfg.Source.TimeoutSec = 2
	cfg.Source.MaxRetries = 3
	c := NewQuoteClient(cfg, testIST)
	c.retryDelay = 5 * time.Millisecond
	c.metrics = &Metrics{}
	return c
}

const quoteBody = `{
  "status": "success",
  "data": {
    "NFO:NIFTY25JAN24000CE": {
      "instrument_token": 101,
      "timestamp": "2025-01-15 10:30:00",
      "last_trade_time": "2025-01-15 10:29:58",
      "last_price": 120.5,
      "volume": 1500,
      "average_price": 118.25,
      "oi": 42000,
      "lower_circuit_limit": 0.05,
      "upper_circuit_limit": 410.3,
      "ohlc": {"open": 110, "high": 125, "low": 105.5, "close": 100}
    },
    "NFO:NIFTY25JAN24000PE": {
      "instrument_token": 102,
      "timestamp": "",
      "last_price": 80,
      "ohlc": {"open": 90, "high": 95, "low": 78, "close": 88}
    }
  }
}`

func TestQuoteClient_FetchBatch(t *testing.T) {
	var gotAuth, gotVersion string
	var gotSymbols []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Kite-Version")
		gotSymbols = r.URL.Query()["i"]
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(quoteBody))
	}))
	defer server.Close()

	c := newTestQuoteClient(server.URL, 500)
	c.SetInstruments([]domain.Instrument{
		testInstrument(101, "NIFTY25JAN24000CE", "24000", domain.OptionCall),
		testInstrument(102, "NIFTY25JAN24000PE", "24000", domain.OptionPut),
	})

	snaps, err := c.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch failed: %v", err)
	}

	if gotAuth != "token key:secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotVersion != "3" {
		t.Errorf("X-Kite-Version = %q", gotVersion)
	}
	if len(gotSymbols) != 2 {
		t.Fatalf("expected 2 requested symbols, got %v", gotSymbols)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}

	ce := snaps[0]
	if ce.InstrumentToken != 101 || ce.Key.OptionType != domain.OptionCall {
		t.Fatalf("unexpected first snapshot: %+v", ce)
	}
	wantTS := time.Date(2025, 1, 15, 5, 0, 0, 0, time.UTC)
	if !ce.Timestamp.Equal(wantTS) {
		t.Errorf("Timestamp = %v, want %v", ce.Timestamp, wantTS)
	}
	if !ce.UpperCircuitLimit.Valid || !ce.UpperCircuitLimit.Decimal.Equal(decimal.RequireFromString("410.3")) {
		t.Errorf("UpperCircuitLimit = %+v", ce.UpperCircuitLimit)
	}
	if ce.Volume != 1500 || ce.OpenInterest != 42000 {
		t.Errorf("volume/oi = %d/%d", ce.Volume, ce.OpenInterest)
	}

	pe := snaps[1]
	if !pe.Timestamp.IsZero() || !pe.LastTradeTime.IsZero() {
		t.Errorf("expected zero timestamps for PE, got %v / %v", pe.Timestamp, pe.LastTradeTime)
	}
	if pe.LowerCircuitLimit.Valid || pe.UpperCircuitLimit.Valid {
		t.Error("absent limits must stay absent")
	}
	if pe.Key.ID() != "NFO:NIFTY25JAN24000PE:24000.00:PE:2025-01-30" {
		t.Errorf("key = %s", pe.Key.ID())
	}
}

func TestQuoteClient_Chunking(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sizes = append(sizes, len(r.URL.Query()["i"]))
		mu.Unlock()
		w.Write([]byte(`{"status":"success","data":{}}`))
	}))
	defer server.Close()

	c := newTestQuoteClient(server.URL, 2)
	var list []domain.Instrument
	for i := range 5 {
		list = append(list, testInstrument(int64(200+i), "NIFTY25JAN2400"+string(rune('0'+i))+"CE", "24000", domain.OptionCall))
	}
	c.SetInstruments(list)

	_, err := c.FetchBatch(context.Background())
	if !errors.Is(err, domain.ErrNoSnapshots) {
		t.Fatalf("expected ErrNoSnapshots for empty data, got %v", err)
	}

	sort.Ints(sizes)
	if len(sizes) != 3 || sizes[0] != 1 || sizes[1] != 2 || sizes[2] != 2 {
		t.Errorf("unexpected chunk sizes %v", sizes)
	}
}

func TestQuoteClient_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(quoteBody))
	}))
	defer server.Close()

	c := newTestQuoteClient(server.URL, 500)
	c.SetInstruments([]domain.Instrument{
		testInstrument(101, "NIFTY25JAN24000CE", "24000", domain.OptionCall),
	})

	snaps, err := c.FetchBatch(context.Background())
	if err != nil {
		t.Fatalf("FetchBatch failed after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
	if len(snaps) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(snaps))
	}
	if c.metrics.Snapshot().ErrorsTotal != 1 {
		t.Errorf("expected 1 recorded retry error, got %d", c.metrics.Snapshot().ErrorsTotal)
	}
}

func TestQuoteClient_TokenExceptionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`))
	}))
	defer server.Close()

	c := newTestQuoteClient(server.URL, 500)
	c.SetInstruments([]domain.Instrument{
		testInstrument(101, "NIFTY25JAN24000CE", "24000", domain.OptionCall),
	})

	_, err := c.FetchBatch(context.Background())
	if !errors.Is(err, domain.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("token errors must not be retried, got %d calls", calls.Load())
	}
}

func TestQuoteClient_NoInstruments(t *testing.T) {
	c := newTestQuoteClient("http://127.0.0.1:0", 500)
	if _, err := c.FetchBatch(context.Background()); !errors.Is(err, domain.ErrNoSnapshots) {
		t.Fatalf("expected ErrNoSnapshots, got %v", err)
	}
}

func TestParseKiteTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-01-15 09:15:00", time.Date(2025, 1, 15, 3, 45, 0, 0, time.UTC)},
		{"2025-01-15T09:15:00+05:30", time.Date(2025, 1, 15, 3, 45, 0, 0, time.UTC)},
		{"", time.Time{}},
		{"garbage", time.Time{}},
	}
	for _, tt := range tests {
		if got := parseKiteTime(tt.in, testIST); !got.Equal(tt.want) {
			t.Errorf("parseKiteTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
