package detector

import (
	"circuit_go/internal/domain"
)

// Detector decides whether an incoming observation changed the circuit limits
// of its instrument. It is called synchronously by the Ingestor, once per
// accepted observation that has a valid baseline.
type Detector interface {
	// Detect compares the baseline price state with the incoming observation.
	// It returns the classified event and true, or false when nothing changed.
	Detect(previous domain.PriceState, incoming domain.Observation) (domain.ChangeEvent, bool)
}
