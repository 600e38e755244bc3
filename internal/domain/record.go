package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryCapacity is the number of observations retained per instrument key.
const HistoryCapacity = 3

// LatestRecord is one slot of the bounded history. RecordOrder 1 is the most recent.
type LatestRecord struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	InstrumentID      string          `gorm:"size:128;not null;index" json:"instrument_id"`
	InstrumentToken   int64           `gorm:"not null;index" json:"instrument_token"`
	Key               InstrumentKey   `gorm:"embedded" json:"key"`
	BusinessDate      time.Time       `gorm:"not null;index" json:"business_date"`
	State             PriceState      `gorm:"embedded" json:"state"`
	Volume            int64           `json:"volume"`
	OpenInterest      int64           `json:"oi"`
	AveragePrice      decimal.Decimal `gorm:"type:varchar(32)" json:"average_price"`
	RecordTimestamp   time.Time       `gorm:"not null" json:"record_timestamp"`
	InsertionSequence int             `gorm:"not null" json:"insertion_sequence"`
	RecordOrder       int             `gorm:"not null" json:"record_order"`
	CreatedAt         time.Time       `json:"created_at"`
}

// TableName pins the history table name.
func (LatestRecord) TableName() string {
	return "latest_records"
}

// NewLatestRecord builds an unplaced history slot from an observation.
// RecordOrder and InsertionSequence are assigned by the history store.
func NewLatestRecord(obs Observation) *LatestRecord {
	return &LatestRecord{
		InstrumentID:    obs.Key.ID(),
		InstrumentToken: obs.InstrumentToken,
		Key:             obs.Key,
		BusinessDate:    obs.BusinessDate,
		State:           obs.State,
		Volume:          obs.Volume,
		OpenInterest:    obs.OpenInterest,
		AveragePrice:    obs.AveragePrice,
		RecordTimestamp: obs.Timestamp.UTC(),
	}
}

// CurrentState is the diff baseline of a key. It only counts as a baseline for the
// session stored in BusinessDate; a stale row behaves as if absent.
type CurrentState struct {
	InstrumentID    string        `gorm:"primaryKey;size:128" json:"instrument_id"`
	InstrumentToken int64         `gorm:"not null" json:"instrument_token"`
	Key             InstrumentKey `gorm:"embedded" json:"key"`
	BusinessDate    time.Time     `gorm:"not null;index" json:"business_date"`
	State           PriceState    `gorm:"embedded" json:"state"`
	ObservedAt      time.Time     `json:"observed_at"`
	Seeded          bool          `json:"seeded"` // copied from the prior session close
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TableName pins the baseline table name.
func (CurrentState) TableName() string {
	return "current_states"
}

// ValidFor reports whether the state is a usable baseline for session.
func (c *CurrentState) ValidFor(session time.Time) bool {
	return c != nil && c.BusinessDate.Equal(session)
}

// Statistics is a self-consistency view of the history store.
type Statistics struct {
	TotalRecords        int64 `json:"total_records"`
	UniqueKeys          int64 `json:"unique_keys"`
	LatestRecordCount   int64 `json:"latest_record_count"`
	ExpectedRecordCount int64 `json:"expected_record_count"`
}

// Consistent reports whether a warm store holds exactly HistoryCapacity slots per key.
func (s Statistics) Consistent() bool {
	return s.TotalRecords == s.ExpectedRecordCount && s.LatestRecordCount == s.UniqueKeys
}
