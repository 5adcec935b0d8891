package envelope

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedPayload   = errors.New("malformed payload")
)

// MalformedPayloadError names the field that was missing or invalid.
// It matches ErrMalformedPayload with errors.Is.
type MalformedPayloadError struct {
	Field  string
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s: %s", e.Field, e.Reason)
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func missing(field string) error {
	return &MalformedPayloadError{Field: field, Reason: "missing"}
}

func invalid(field, reason string) error {
	return &MalformedPayloadError{Field: field, Reason: reason}
}
