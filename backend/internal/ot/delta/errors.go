package delta

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange         = errors.New("INVALID_RANGE")
	ErrUnknownOperationKind = errors.New("UNKNOWN_OPERATION_KIND")
)

// InvalidRangeError 偏移越界或 start > end
type InvalidRangeError struct {
	Kind   Kind
	Start  int
	End    int
	Length int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range for %s: start=%d end=%d length=%d", e.Kind, e.Start, e.End, e.Length)
}

func (e *InvalidRangeError) Unwrap() error { return ErrInvalidRange }

type UnknownOperationKindError struct {
	Kind string
}

func (e *UnknownOperationKindError) Error() string {
	return fmt.Sprintf("unknown operation kind %q", e.Kind)
}

func (e *UnknownOperationKindError) Unwrap() error { return ErrUnknownOperationKind }
