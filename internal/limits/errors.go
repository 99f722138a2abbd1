package limits

import (
	"errors"
	"fmt"
)

// Validation error codes.
const (
	CodeOutOfRange           = "LIMIT_OUT_OF_RANGE"
	CodeInvalidFileCountMode = "INVALID_FILE_COUNT_MODE"
)

var (
	// ErrLimitExceeded matches every *LimitExceededError.
	ErrLimitExceeded = errors.New("resource limit exceeded")
	// ErrSlotInUse is returned when a subagent or executor id is started twice.
	ErrSlotInUse = errors.New("slot already in use")
)

// ValidationError reports a limit value outside its allowed range.
type ValidationError struct {
	Code  string
	Field string
	Value any
	Min   int
	Max   int
}

func (e *ValidationError) Error() string {
	if e.Code == CodeInvalidFileCountMode {
		return fmt.Sprintf("%s: unknown file count mode %v", e.Field, e.Value)
	}
	return fmt.Sprintf("%s must be between %d and %d (got %v)", e.Field, e.Min, e.Max, e.Value)
}

// Details returns the machine-readable context of the error.
func (e *ValidationError) Details() map[string]any {
	d := map[string]any{
		"code":  e.Code,
		"field": e.Field,
		"value": e.Value,
	}
	if e.Code == CodeOutOfRange {
		d["min"] = e.Min
		d["max"] = e.Max
	}
	return d
}

// LimitExceededError is returned by the fail-closed gates.
type LimitExceededError struct {
	Violation Violation
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: attempted %d, limit %d",
		e.Violation.LimitType, e.Violation.Attempted, e.Violation.Limit)
}

// Is makes errors.Is(err, ErrLimitExceeded) hold.
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}
