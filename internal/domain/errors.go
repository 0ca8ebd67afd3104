package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned for a bad signature or verify token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformedPayload is returned when a webhook body does not match the expected schema.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrQueueUnavailable wraps any enqueue/dequeue infrastructure failure.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// AdapterError describes a failed call to an external service.
type AdapterError struct {
	Service    string // "whatsapp", "intent", "media" or "whisper"
	Op         string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
