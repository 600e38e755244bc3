package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionType is the side of an option contract. Only CE and PE are valid.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// ParseOptionType normalizes and validates an option type string.
func ParseOptionType(s string) (OptionType, error) {
	ot := OptionType(strings.ToUpper(strings.TrimSpace(s)))
	if !ot.Valid() {
		return "", fmt.Errorf("%w: option type %q", ErrInvalidKey, s)
	}
	return ot, nil
}

// Valid reports whether o is CE or PE.
func (o OptionType) Valid() bool {
	return o == OptionCall || o == OptionPut
}

// InstrumentKey identifies one option contract for a given expiry cycle.
// Construct it with NewInstrumentKey so strike and expiry are normalized.
type InstrumentKey struct {
	TradingSymbol string          `gorm:"size:64;not null" json:"tradingsymbol"`
	Strike        decimal.Decimal `gorm:"type:varchar(32);not null" json:"strike"`
	OptionType    OptionType      `gorm:"size:2;not null" json:"option_type"`
	Expiry        time.Time       `gorm:"not null" json:"expiry"`
	Exchange      string          `gorm:"size:16;not null" json:"exchange"`
}

// NewInstrumentKey builds a normalized key: strike rounded to 2dp, expiry truncated
// to a UTC calendar date, symbol and exchange upper-cased.
func NewInstrumentKey(symbol string, strike decimal.Decimal, optionType OptionType, expiry time.Time, exchange string) InstrumentKey {
	return InstrumentKey{
		TradingSymbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Strike:        strike.Round(2),
		OptionType:    optionType,
		Expiry:        DateOf(expiry),
		Exchange:      strings.ToUpper(strings.TrimSpace(exchange)),
	}
}

// ID returns the canonical string form persisted as instrument_id:
// EXCHANGE:SYMBOL:STRIKE:TYPE:YYYY-MM-DD.
func (k InstrumentKey) ID() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		k.Exchange, k.TradingSymbol, k.Strike.StringFixed(2), k.OptionType, k.Expiry.Format(time.DateOnly))
}

// IsZero reports whether no field of the key was set.
func (k InstrumentKey) IsZero() bool {
	return k.TradingSymbol == "" && k.Exchange == "" && k.OptionType == "" && k.Expiry.IsZero() && k.Strike.IsZero()
}

// Validate checks that every component of the key is present.
func (k InstrumentKey) Validate() error {
	switch {
	case k.TradingSymbol == "":
		return fmt.Errorf("%w: empty trading symbol", ErrInvalidKey)
	case k.Exchange == "":
		return fmt.Errorf("%w: empty exchange for %s", ErrInvalidKey, k.TradingSymbol)
	case !k.OptionType.Valid():
		return fmt.Errorf("%w: option type %q for %s", ErrInvalidKey, k.OptionType, k.TradingSymbol)
	case k.Expiry.IsZero():
		return fmt.Errorf("%w: missing expiry for %s", ErrInvalidKey, k.TradingSymbol)
	case !k.Strike.IsPositive():
		return fmt.Errorf("%w: non-positive strike for %s", ErrInvalidKey, k.TradingSymbol)
	}
	return nil
}

// Instrument is a row of the instrument catalog. Snapshots whose token is not
// in the catalog are rejected by the ingestor.
type Instrument struct {
	InstrumentToken int64           `gorm:"primaryKey;autoIncrement:false" json:"instrument_token"`
	ExchangeToken   int64           `json:"exchange_token"`
	Key             InstrumentKey   `gorm:"embedded" json:"key"`
	Name            string          `gorm:"size:64;index" json:"name"` // underlying, e.g. NIFTY
	LotSize         int64           `json:"lot_size"`
	TickSize        decimal.Decimal `gorm:"type:varchar(32)" json:"tick_size"`
	IsActive        bool            `gorm:"index" json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName pins the catalog table name.
func (Instrument) TableName() string {
	return "instruments"
}

// DateOf truncates t to its calendar date and expresses it as UTC midnight.
func DateOf(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SessionDate returns the trading session (business date) of t in the exchange location.
func SessionDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(t.In(loc))
}
