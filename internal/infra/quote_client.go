package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"circuit_go/internal/domain"

	"github.com/cenkalti/backoff/v5"
)

// QuoteClient polls the REST quote endpoint for every catalog instrument.
// It implements domain.QuoteReader.
type QuoteClient struct {
	apiURL      string
	apiKey      string
	accessToken string
	chunkSize   int
	maxRetries  uint
	retryDelay  time.Duration
	loc         *time.Location
	httpClient  *http.Client
	metrics     *Metrics

	mu    sync.RWMutex
	index instrumentIndex
	order []string
}

// NewQuoteClient creates a client from the source section of cfg.
func NewQuoteClient(cfg *Config, loc *time.Location) *QuoteClient {
	return &QuoteClient{
		apiURL:      cfg.Source.QuoteURL,
		apiKey:      cfg.Source.APIKey,
		accessToken: cfg.Source.AccessToken,
		chunkSize:   cfg.Source.ChunkSize,
		maxRetries:  uint(cfg.Source.MaxRetries),
		retryDelay:  time.Second,
		loc:         loc,
		httpClient: &http.Client{
			Timeout: cfg.SourceTimeout(),
		},
		metrics: GlobalMetrics,
		index:   newInstrumentIndex(nil),
	}
}

// SetInstruments replaces the set of instruments requested each cycle.
func (c *QuoteClient) SetInstruments(list []domain.Instrument) {
	idx := newInstrumentIndex(list)
	order := make([]string, 0, len(idx.bySymbol))
	for sym := range idx.bySymbol {
		order = append(order, sym)
	}
	sort.Strings(order)

	c.mu.Lock()
	c.index = idx
	c.order = order
	c.mu.Unlock()
}

// FetchBatch requests quotes in chunks and returns one snapshot per instrument
// the broker answered for. A failed chunk fails the whole batch.
func (c *QuoteClient) FetchBatch(ctx context.Context) ([]domain.QuoteSnapshot, error) {
	c.mu.RLock()
	idx, order := c.index, c.order
	c.mu.RUnlock()

	if len(order) == 0 {
		return nil, domain.ErrNoSnapshots
	}

	size := c.chunkSize
	if size <= 0 {
		size = 500
	}

	snapshots := make([]domain.QuoteSnapshot, 0, len(order))
	for start := 0; start < len(order); start += size {
		end := min(start+size, len(order))

		entries, err := c.fetchChunk(ctx, order[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: quote chunk %d-%d: %v", domain.ErrFetchFailed, start, end, err)
		}

		syms := make([]string, 0, len(entries))
		for sym := range entries {
			syms = append(syms, sym)
		}
		sort.Strings(syms)
		for _, sym := range syms {
			entry := entries[sym]
			inst := idx.bySymbol[sym]
			if inst == nil {
				inst = idx.byToken[entry.InstrumentToken]
			}
			snapshots = append(snapshots, entry.toSnapshot(inst, c.loc))
		}
	}

	if len(snapshots) == 0 {
		return nil, domain.ErrNoSnapshots
	}
	return snapshots, nil
}

// fetchChunk fetches one chunk with retry logic
func (c *QuoteClient) fetchChunk(ctx context.Context, symbols []string) (map[string]quoteEntry, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxInterval = 4 * c.retryDelay

	attempt := 0
	op := backoff.Operation[map[string]quoteEntry](func() (map[string]quoteEntry, error) {
		attempt++
		data, err := c.doFetch(ctx, symbols)
		if err != nil {
			slog.Warn("Quote fetch attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
		}
		return data, err
	})

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(c.maxRetries, 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RecordError()
			slog.Info("Retrying quote fetch", slog.Int("attempt", attempt), slog.Duration("delay", next))
		}),
	)
}

func (c *QuoteClient) doFetch(ctx context.Context, symbols []string) (map[string]quoteEntry, error) {
	q := url.Values{}
	for _, s := range symbols {
		q.Add("i", s)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	setKiteHeaders(req, c.apiKey, c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var data quoteResponse
	if err := json.Unmarshal(body, &data); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil, backoff.Permanent(fmt.Errorf("decode quote response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusForbidden || data.ErrorType == "TokenException":
		// Expired session: retrying cannot help until the token is refreshed.
		return nil, backoff.Permanent(fmt.Errorf("quote rejected: %s", data.Message))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, backoff.RetryAfter(1)
	case resp.StatusCode != http.StatusOK || data.Status != "success":
		return nil, fmt.Errorf("unexpected status code: %d (%s)", resp.StatusCode, data.Message)
	}

	return data.Data, nil
}

func setKiteHeaders(req *http.Request, apiKey, accessToken string) {
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("X-Kite-Version", "3")
	if apiKey != "" || accessToken != "" {
		req.Header.Set("Authorization", "token "+apiKey+":"+accessToken)
	}
}
