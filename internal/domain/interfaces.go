package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteReader delivers one batch of snapshots per polling cycle.
type QuoteReader interface {
	FetchBatch(ctx context.Context) ([]QuoteSnapshot, error)
}

// InstrumentSource lists the tradable option contracts of an exchange.
type InstrumentSource interface {
	FetchInstruments(ctx context.Context, exchange string) ([]Instrument, error)
}

// LedgerReader is the read side consumed by dashboards, exports and analytics.
type LedgerReader interface {
	LatestRecords(ctx context.Context) ([]LatestRecord, error)
	History(ctx context.Context, key InstrumentKey) ([]LatestRecord, error)
	CurrentValue(ctx context.Context, key InstrumentKey) (*LatestRecord, error)
	HasValueChanged(ctx context.Context, key InstrumentKey, candidateUC decimal.NullDecimal) (bool, error)
	ChangeEvents(ctx context.Context, filter ChangeFilter) ([]ChangeEvent, error)
	Statistics(ctx context.Context) (Statistics, error)
}

// LedgerTx is the write side available inside one batch transaction.
// Lookups that find nothing return nil without an error.
type LedgerTx interface {
	Instrument(ctx context.Context, token int64) (*Instrument, error)

	CurrentState(ctx context.Context, key InstrumentKey) (*CurrentState, error)
	SaveCurrentState(ctx context.Context, state *CurrentState) error

	History(ctx context.Context, key InstrumentKey) ([]LatestRecord, error)
	HasRecord(ctx context.Context, key InstrumentKey, ts time.Time) (bool, error)
	PushHistory(ctx context.Context, rec *LatestRecord) (bool, error)

	AppendChange(ctx context.Context, ev *ChangeEvent) (bool, error)

	// PriorSession returns the latest business date strictly before the given one.
	PriorSession(ctx context.Context, before time.Time) (time.Time, bool, error)
	ClosingRecords(ctx context.Context, session time.Time) ([]LatestRecord, error)

	Setting(ctx context.Context, key string) (string, bool, error)
	SaveSetting(ctx context.Context, key, value string) error
}

// Store is the persistence port injected into the ingest engine.
type Store interface {
	LedgerReader
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// InstrumentCatalog persists the instrument catalog.
type InstrumentCatalog interface {
	UpsertInstruments(ctx context.Context, list []Instrument) (int, error)
	ActiveInstruments(ctx context.Context) ([]Instrument, error)
}
