package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies a circuit-limit change.
type ChangeType int8

const (
	ChangeLower ChangeType = iota + 1 // only the lower circuit moved
	ChangeUpper                       // only the upper circuit moved
	ChangeBoth
)

// String returns the ledger representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeLower:
		return "LC_CHANGE"
	case ChangeUpper:
		return "UC_CHANGE"
	case ChangeBoth:
		return "BOTH_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// ParseChangeType is the inverse of String.
func ParseChangeType(s string) (ChangeType, error) {
	switch s {
	case "LC_CHANGE":
		return ChangeLower, nil
	case "UC_CHANGE":
		return ChangeUpper, nil
	case "BOTH_CHANGE":
		return ChangeBoth, nil
	}
	return 0, fmt.Errorf("unknown change type %q", s)
}

// Value stores the change type as its string form.
func (c ChangeType) Value() (driver.Value, error) {
	if c < ChangeLower || c > ChangeBoth {
		return nil, fmt.Errorf("invalid change type %d", c)
	}
	return c.String(), nil
}

// Scan reads the string form back.
func (c *ChangeType) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into ChangeType", src)
	}
	parsed, err := ParseChangeType(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c ChangeType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ChangeType) UnmarshalText(b []byte) error {
	parsed, err := ParseChangeType(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ChangeEvent is an immutable ledger entry describing one circuit-limit change
// together with the full price context before and after it.
type ChangeEvent struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	InstrumentID    string        `gorm:"size:128;not null;index" json:"instrument_id"`
	InstrumentToken int64         `gorm:"not null" json:"instrument_token"`
	Key             InstrumentKey `gorm:"embedded" json:"key"`
	TradingDate     time.Time     `gorm:"not null;index" json:"trading_date"`
	ChangeTimestamp time.Time     `gorm:"not null" json:"change_timestamp"`
	ChangeType      ChangeType    `gorm:"type:varchar(16);not null;index" json:"change_type"`
	Previous        PriceState    `gorm:"embedded;embeddedPrefix:prev_" json:"previous"`
	New             PriceState    `gorm:"embedded;embeddedPrefix:new_" json:"new"`
	CreatedAt       time.Time     `json:"created_at"`
}

// TableName pins the ledger table name.
func (ChangeEvent) TableName() string {
	return "change_events"
}

// LowerDelta returns new LC minus previous LC, or zero when either side is absent.
func (e ChangeEvent) LowerDelta() decimal.Decimal {
	return limitDelta(e.Previous.LowerCircuit, e.New.LowerCircuit)
}

// UpperDelta returns new UC minus previous UC, or zero when either side is absent.
func (e ChangeEvent) UpperDelta() decimal.Decimal {
	return limitDelta(e.Previous.UpperCircuit, e.New.UpperCircuit)
}

func limitDelta(prev, next decimal.NullDecimal) decimal.Decimal {
	if !prev.Valid || !next.Valid {
		return decimal.Zero
	}
	return next.Decimal.Sub(prev.Decimal)
}

// ChangeFilter narrows a ledger query. Zero-valued fields are ignored; From and To
// bound the trading date inclusively.
type ChangeFilter struct {
	Key  *InstrumentKey
	From time.Time
	To   time.Time
	Type ChangeType
}
