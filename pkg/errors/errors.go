package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// In-progress errors
	ErrCreateIndexingIsInProgress = errors.New("create index is in progress")
	ErrSavingIsInProgress         = errors.New("save index is in progress")
	ErrFlushingIsInProgress       = errors.New("flush is in progress")

	// Not found errors
	ErrNotFound                 = errors.New("entry not found")
	ErrObjectIDNotFound         = errors.New("object id not found")
	ErrUUIDNotFound             = errors.New("uuid not found")
	ErrIndexNotFound            = errors.New("index not found")
	ErrUncommittedIndexNotFound = errors.New("uncommitted index not found")

	// Invalid input errors
	ErrInvalidUUID               = errors.New("invalid uuid")
	ErrInvalidDimensionSize      = errors.New("invalid vector dimension")
	ErrIncompatibleDimensionSize = errors.New("incompatible vector dimension")
	ErrMisMatchKeysAndValues     = errors.New("keys and values length mismatch")
	ErrInvalidConcurrency        = errors.New("invalid concurrency limit")
	ErrUnsupportedDistanceType   = errors.New("unsupported distance type")

	// Conflict errors
	ErrUUIDAlreadyExists = errors.New("uuid already exists")
	ErrAgentClosed       = errors.New("agent is closed")

	// Unsupported operation for the active backend
	ErrUnsupported = errors.New("unsupported operation")

	// Persistence errors
	ErrCodec        = errors.New("codec error")
	ErrTransaction  = errors.New("transaction error")
	ErrFileNotFound = errors.New("file not found")
	ErrFileEmpty    = errors.New("file is empty")
	ErrParse        = errors.New("failed to parse")
)

// DimensionError reports a vector whose length does not match the index.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: got %d, want %d", ErrIncompatibleDimensionSize, e.Got, e.Want)
}

func (e *DimensionError) Unwrap() error {
	return ErrIncompatibleDimensionSize
}

// NewDimensionError returns a DimensionError, or nil when got == want.
func NewDimensionError(got, want int) error {
	if got == want {
		return nil
	}
	return &DimensionError{Got: got, Want: want}
}

// UUIDError attaches the offending uuid to a sentinel.
type UUIDError struct {
	UUID  string
	Cause error
}

func (e *UUIDError) Error() string {
	return fmt.Sprintf("%s: uuid=%q", e.Cause, e.UUID)
}

func (e *UUIDError) Unwrap() error {
	return e.Cause
}

// NewUUIDError wraps cause with the uuid it applies to.
func NewUUIDError(uuid string, cause error) error {
	return &UUIDError{UUID: uuid, Cause: cause}
}

// MultiUUIDError aggregates failures of a bulk operation so callers see
// every failing uuid in one round trip.
type MultiUUIDError struct {
	UUIDs []string
	Cause error
}

func (e *MultiUUIDError) Error() string {
	return fmt.Sprintf("%s: uuids=%s", e.Cause, strings.Join(e.UUIDs, ","))
}

func (e *MultiUUIDError) Unwrap() error {
	return e.Cause
}

// NewMultiUUIDError returns nil for an empty list.
func NewMultiUUIDError(cause error, uuids ...string) error {
	if len(uuids) == 0 {
		return nil
	}
	return &MultiUUIDError{UUIDs: uuids, Cause: cause}
}
