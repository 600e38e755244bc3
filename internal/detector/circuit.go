package detector

import (
	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
)

// limitScale is the precision circuit limits are quoted at.
const limitScale = 2

// CircuitDetector classifies lower/upper circuit-limit moves.
// It is stateless and safe for concurrent use.
type CircuitDetector struct{}

// NewCircuitDetector creates a new instance.
func NewCircuitDetector() *CircuitDetector {
	return &CircuitDetector{}
}

// Detect implements Detector.
func (d *CircuitDetector) Detect(previous domain.PriceState, incoming domain.Observation) (domain.ChangeEvent, bool) {
	changeType, ok := Classify(previous, incoming.State)
	if !ok {
		return domain.ChangeEvent{}, false
	}

	return domain.ChangeEvent{
		InstrumentID:    incoming.Key.ID(),
		InstrumentToken: incoming.InstrumentToken,
		Key:             incoming.Key,
		TradingDate:     incoming.BusinessDate,
		ChangeTimestamp: incoming.Timestamp.UTC(),
		ChangeType:      changeType,
		Previous:        previous,
		New:             incoming.State,
	}, true
}

// Classify returns the change type between two price states, or false when
// neither limit moved. OHLC differences alone never count as a change.
func Classify(previous, next domain.PriceState) (domain.ChangeType, bool) {
	lower := limitChanged(previous.LowerCircuit, next.LowerCircuit)
	upper := limitChanged(previous.UpperCircuit, next.UpperCircuit)

	switch {
	case lower && upper:
		return domain.ChangeBoth, true
	case lower:
		return domain.ChangeLower, true
	case upper:
		return domain.ChangeUpper, true
	default:
		return 0, false
	}
}

// limitChanged compares at quote precision. A limit missing on either side is
// not comparable and therefore not a change.
func limitChanged(prev, next decimal.NullDecimal) bool {
	if !prev.Valid || !next.Valid {
		return false
	}
	return !prev.Decimal.Round(limitScale).Equal(next.Decimal.Round(limitScale))
}
