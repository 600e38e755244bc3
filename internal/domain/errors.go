package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// PersistenceError represents a storage failure that may be retriable
// (busy database, dropped connection) or not (schema, constraint, encoding).
type PersistenceError struct {
	Op        string // Operation that failed (e.g., "push_history", "append_change")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) IsRetriable() bool {
	return e.Retriable
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a new retriable persistence error
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err, Retriable: true}
}

// NewFatalPersistenceError creates a non-retriable persistence error
func NewFatalPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInvalidKey is returned when an instrument key is incomplete or malformed. Not retriable.
	ErrInvalidKey = errors.New("invalid instrument key")

	// ErrUnknownInstrument is returned when a snapshot's token is absent from the catalog.
	ErrUnknownInstrument = errors.New("unknown instrument")

	// ErrNoSnapshots is returned by readers when a cycle produced nothing to ingest
	ErrNoSnapshots = errors.New("no snapshots")

	// ErrFetchFailed is returned when a quote or instrument source cannot be read
	ErrFetchFailed = errors.New("fetch failed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
