package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrMalformedRecord = errors.New("malformed telemetry record")
	ErrMissingID       = errors.New("telemetry record has no identifier")
	ErrEngineStopped   = errors.New("flow engine stopped")
)

// DecodeError wraps a record decoding failure with the offending input size.
type DecodeError struct {
	Err  error
	Size int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports every decode failure as ErrMalformedRecord.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedRecord
}

// IsMalformed checks if the error indicates an undecodable record.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}
