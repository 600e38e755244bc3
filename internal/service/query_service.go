package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/engine"

	"github.com/shopspring/decimal"
)

// QueryService is the read surface for dashboards, exports and analytics.
// It also keeps the summary of the most recent ingest cycle.
type QueryService struct {
	reader domain.LedgerReader

	mu        sync.RWMutex
	lastBatch *engine.BatchResult
	lastError error
	lastAt    time.Time
}

// NewQueryService creates a new QueryService instance
func NewQueryService(reader domain.LedgerReader) *QueryService {
	return &QueryService{reader: reader}
}

// LatestRecords returns slot 1 of every key sorted by symbol, expiry, strike and type
func (s *QueryService) LatestRecords(ctx context.Context) ([]domain.LatestRecord, error) {
	recs, err := s.reader.LatestRecords(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return keyLess(recs[i].Key, recs[j].Key)
	})
	return recs, nil
}

// History returns the retained observations of key, most recent first
func (s *QueryService) History(ctx context.Context, key domain.InstrumentKey) ([]domain.LatestRecord, error) {
	return s.reader.History(ctx, key)
}

// CurrentValue returns the most recent observation of key, or nil
func (s *QueryService) CurrentValue(ctx context.Context, key domain.InstrumentKey) (*domain.LatestRecord, error) {
	return s.reader.CurrentValue(ctx, key)
}

// HasValueChanged reports whether candidateUC differs from the latest upper circuit of key
func (s *QueryService) HasValueChanged(ctx context.Context, key domain.InstrumentKey, candidateUC decimal.NullDecimal) (bool, error) {
	return s.reader.HasValueChanged(ctx, key, candidateUC)
}

// ChangeEvents returns ledger entries matching filter
func (s *QueryService) ChangeEvents(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEvent, error) {
	return s.reader.ChangeEvents(ctx, filter)
}

// Statistics returns the self-consistency view of the history store
func (s *QueryService) Statistics(ctx context.Context) (domain.Statistics, error) {
	return s.reader.Statistics(ctx)
}

// RecordCycle stores the outcome of an ingest cycle
func (s *QueryService) RecordCycle(res engine.BatchResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastAt = time.Now()
	s.lastError = err
	if err == nil {
		r := res
		s.lastBatch = &r
	}
}

// Health is the operator view of the pipeline.
type Health struct {
	Statistics domain.Statistics
	Consistent bool
	LastBatch  *engine.BatchResult
	LastCycle  time.Time
	LastError  string
}

// Health combines store statistics with the most recent cycle outcome
func (s *QueryService) Health(ctx context.Context) (Health, error) {
	st, err := s.reader.Statistics(ctx)
	if err != nil {
		return Health{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{
		Statistics: st,
		Consistent: st.Consistent(),
		LastBatch:  s.lastBatch,
		LastCycle:  s.lastAt,
	}
	if s.lastError != nil {
		h.LastError = s.lastError.Error()
	}
	return h, nil
}

func keyLess(a, b domain.InstrumentKey) bool {
	if a.TradingSymbol != b.TradingSymbol {
		return a.TradingSymbol < b.TradingSymbol
	}
	if !a.Expiry.Equal(b.Expiry) {
		return a.Expiry.Before(b.Expiry)
	}
	if c := a.Strike.Cmp(b.Strike); c != 0 {
		return c < 0
	}
	return a.OptionType < b.OptionType
}
