package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"circuit_go/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
)

// instrumentRow is one line of the broker's instrument dump.
type instrumentRow struct {
	InstrumentToken int64  `csv:"instrument_token"`
	ExchangeToken   int64  `csv:"exchange_token"`
	TradingSymbol   string `csv:"tradingsymbol"`
	Name            string `csv:"name"`
	LastPrice       string `csv:"last_price"`
	Expiry          string `csv:"expiry"`
	Strike          string `csv:"strike"`
	TickSize        string `csv:"tick_size"`
	LotSize         int64  `csv:"lot_size"`
	InstrumentType  string `csv:"instrument_type"`
	Segment         string `csv:"segment"`
	Exchange        string `csv:"exchange"`
}

// InstrumentLoader downloads the option catalog of an exchange.
// It implements domain.InstrumentSource.
type InstrumentLoader struct {
	baseURL     string
	apiKey      string
	accessToken string
	underlyings map[string]bool
	maxRetries  uint
	retryDelay  time.Duration
	httpClient  *http.Client
}

// NewInstrumentLoader creates a loader from the source section of cfg.
func NewInstrumentLoader(cfg *Config) *InstrumentLoader {
	under := make(map[string]bool, len(cfg.Source.Underlyings))
	for _, u := range cfg.Source.Underlyings {
		under[strings.ToUpper(strings.TrimSpace(u))] = true
	}
	return &InstrumentLoader{
		baseURL:     strings.TrimRight(cfg.Source.InstrumentsURL, "/"),
		apiKey:      cfg.Source.APIKey,
		accessToken: cfg.Source.AccessToken,
		underlyings: under,
		maxRetries:  uint(cfg.Source.MaxRetries),
		retryDelay:  time.Second,
		httpClient:  &http.Client{Timeout: 4 * cfg.SourceTimeout()},
	}
}

// FetchInstruments returns the CE/PE contracts of the configured underlyings.
// Rows that cannot form a valid key are skipped.
func (l *InstrumentLoader) FetchInstruments(ctx context.Context, exchange string) ([]domain.Instrument, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryDelay
	b.MaxInterval = 8 * l.retryDelay

	rows, err := backoff.Retry(ctx, backoff.Operation[[]*instrumentRow](func() ([]*instrumentRow, error) {
		return l.download(ctx, exchange)
	}),
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(l.maxRetries, 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Retrying instrument download",
				slog.String("exchange", exchange), slog.Any("error", err), slog.Duration("delay", next))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: instruments %s: %v", domain.ErrFetchFailed, exchange, err)
	}

	out := make([]domain.Instrument, 0, len(rows)/4)
	skipped := 0
	for _, r := range rows {
		if len(l.underlyings) > 0 && !l.underlyings[strings.ToUpper(r.Name)] {
			continue
		}
		ot, err := domain.ParseOptionType(r.InstrumentType)
		if err != nil {
			continue // futures and equities
		}
		inst, err := r.toInstrument(ot)
		if err != nil {
			skipped++
			slog.Debug("Skipping instrument row", slog.String("symbol", r.TradingSymbol), slog.Any("error", err))
			continue
		}
		out = append(out, inst)
	}

	if skipped > 0 {
		slog.Warn("Instrument rows skipped", slog.String("exchange", exchange), slog.Int("count", skipped))
	}
	return out, nil
}

func (l *InstrumentLoader) download(ctx context.Context, exchange string) ([]*instrumentRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/"+exchange, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	setKiteHeaders(req, l.apiKey, l.accessToken)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(fmt.Errorf("instrument dump rejected: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var rows []*instrumentRow
	if err := gocsv.Unmarshal(resp.Body, &rows); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode instrument csv: %w", err))
	}
	return rows, nil
}

func (r *instrumentRow) toInstrument(ot domain.OptionType) (domain.Instrument, error) {
	strike, err := decimal.NewFromString(strings.TrimSpace(r.Strike))
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("strike %q: %w", r.Strike, err)
	}
	expiry, err := time.Parse(time.DateOnly, strings.TrimSpace(r.Expiry))
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("expiry %q: %w", r.Expiry, err)
	}
	tick, _ := decimal.NewFromString(strings.TrimSpace(r.TickSize))

	key := domain.NewInstrumentKey(r.TradingSymbol, strike, ot, expiry, r.Exchange)
	if err := key.Validate(); err != nil {
		return domain.Instrument{}, err
	}

	return domain.Instrument{
		InstrumentToken: r.InstrumentToken,
		ExchangeToken:   r.ExchangeToken,
		Key:             key,
		Name:            strings.ToUpper(r.Name),
		LotSize:         r.LotSize,
		TickSize:        tick,
		IsActive:        true,
	}, nil
}
