package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLC holds the session price bar of an instrument at observation time.
type OHLC struct {
	Open      decimal.Decimal `gorm:"type:varchar(32)" json:"open"`
	High      decimal.Decimal `gorm:"type:varchar(32)" json:"high"`
	Low       decimal.Decimal `gorm:"type:varchar(32)" json:"low"`
	Close     decimal.Decimal `gorm:"type:varchar(32)" json:"close"`
	LastPrice decimal.Decimal `gorm:"type:varchar(32)" json:"last_price"`
}

// PriceState is the diffable part of an observation: OHLC plus circuit limits.
// A limit the broker did not report has Valid == false, which is not the same as zero.
type PriceState struct {
	OHLC         OHLC                `gorm:"embedded" json:"ohlc"`
	LowerCircuit decimal.NullDecimal `gorm:"type:varchar(32)" json:"lower_circuit_limit"`
	UpperCircuit decimal.NullDecimal `gorm:"type:varchar(32)" json:"upper_circuit_limit"`
}

// Limit builds a present circuit limit value.
func Limit(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// QuoteSnapshot is one point-in-time observation delivered by a QuoteReader.
// Timestamp and LastTradeTime may be zero when the broker omitted or garbled them.
type QuoteSnapshot struct {
	InstrumentToken   int64
	Key               InstrumentKey
	Timestamp         time.Time
	LastTradeTime     time.Time
	OHLC              OHLC
	LowerCircuitLimit decimal.NullDecimal
	UpperCircuitLimit decimal.NullDecimal
	Volume            int64
	OpenInterest      int64
	AveragePrice      decimal.Decimal
}

// State extracts the diffable price state of the snapshot.
func (q QuoteSnapshot) State() PriceState {
	return PriceState{
		OHLC:         q.OHLC,
		LowerCircuit: q.LowerCircuitLimit,
		UpperCircuit: q.UpperCircuitLimit,
	}
}

// Observation is a snapshot after timestamp resolution and key validation.
type Observation struct {
	InstrumentToken int64
	Key             InstrumentKey
	Timestamp       time.Time
	BusinessDate    time.Time
	State           PriceState
	Volume          int64
	OpenInterest    int64
	AveragePrice    decimal.Decimal
}

// CarryLimits returns p with every limit it does not report taken from prev.
// A limit missing from one snapshot keeps its last reported value.
func (p PriceState) CarryLimits(prev PriceState) PriceState {
	if !p.LowerCircuit.Valid {
		p.LowerCircuit = prev.LowerCircuit
	}
	if !p.UpperCircuit.Valid {
		p.UpperCircuit = prev.UpperCircuit
	}
	return p
}
