package infra

import (
	"strings"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
)

// kiteTimeLayout is how the broker prints exchange-local timestamps.
const kiteTimeLayout = "2006-01-02 15:04:05"

// quoteEntry is one instrument of a full-mode quote payload. Pointer fields
// distinguish "not reported" from zero.
type quoteEntry struct {
	InstrumentToken   int64            `json:"instrument_token"`
	Timestamp         string           `json:"timestamp"`
	LastTradeTime     string           `json:"last_trade_time"`
	LastPrice         decimal.Decimal  `json:"last_price"`
	Volume            int64            `json:"volume"`
	AveragePrice      decimal.Decimal  `json:"average_price"`
	OI                int64            `json:"oi"`
	LowerCircuitLimit *decimal.Decimal `json:"lower_circuit_limit"`
	UpperCircuitLimit *decimal.Decimal `json:"upper_circuit_limit"`
	OHLC              struct {
		Open  decimal.Decimal `json:"open"`
		High  decimal.Decimal `json:"high"`
		Low   decimal.Decimal `json:"low"`
		Close decimal.Decimal `json:"close"`
	} `json:"ohlc"`
}

// quoteResponse is the envelope of the REST quote endpoint.
type quoteResponse struct {
	Status    string                `json:"status"`
	Message   string                `json:"message"`
	ErrorType string                `json:"error_type"`
	Data      map[string]quoteEntry `json:"data"`
}

// parseKiteTime reads an exchange-local timestamp. Unparseable or empty
// values yield the zero time, which the ingestor's fallback chain handles.
func parseKiteTime(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.ParseInLocation(kiteTimeLayout, s, loc); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func optionalLimit(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return domain.Limit(*d)
}

// toSnapshot converts a quote entry for a catalog instrument. inst may be nil
// when the token is not in the local catalog; the key is then left empty.
func (q quoteEntry) toSnapshot(inst *domain.Instrument, loc *time.Location) domain.QuoteSnapshot {
	s := domain.QuoteSnapshot{
		InstrumentToken: q.InstrumentToken,
		Timestamp:       parseKiteTime(q.Timestamp, loc),
		LastTradeTime:   parseKiteTime(q.LastTradeTime, loc),
		OHLC: domain.OHLC{
			Open:      q.OHLC.Open,
			High:      q.OHLC.High,
			Low:       q.OHLC.Low,
			Close:     q.OHLC.Close,
			LastPrice: q.LastPrice,
		},
		LowerCircuitLimit: optionalLimit(q.LowerCircuitLimit),
		UpperCircuitLimit: optionalLimit(q.UpperCircuitLimit),
		Volume:            q.Volume,
		OpenInterest:      q.OI,
		AveragePrice:      q.AveragePrice,
	}
	if inst != nil {
		s.Key = inst.Key
		if s.InstrumentToken == 0 {
			s.InstrumentToken = inst.InstrumentToken
		}
	}
	return s
}

// instrumentIndex resolves broker identifiers to catalog rows.
type instrumentIndex struct {
	byToken  map[int64]*domain.Instrument
	bySymbol map[string]*domain.Instrument // "EXCHANGE:TRADINGSYMBOL"
}

func newInstrumentIndex(list []domain.Instrument) instrumentIndex {
	idx := instrumentIndex{
		byToken:  make(map[int64]*domain.Instrument, len(list)),
		bySymbol: make(map[string]*domain.Instrument, len(list)),
	}
	for i := range list {
		inst := &list[i]
		idx.byToken[inst.InstrumentToken] = inst
		idx.bySymbol[quoteSymbol(inst.Key)] = inst
	}
	return idx
}

func quoteSymbol(k domain.InstrumentKey) string {
	return k.Exchange + ":" + k.TradingSymbol
}
