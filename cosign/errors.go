package cosign

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork          = errors.New("cosign: network error")
	ErrNotAuthenticated = errors.New("cosign: not authenticated")
	ErrInvalidState     = errors.New("cosign: invalid state")
	ErrInvalidConfig    = errors.New("cosign: invalid config")
)

// APIError is a non-zero code reported by the peer in its response envelope.
type APIError struct {
	Code    int32
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cosign: api error (code %d): %s", e.Code, e.Message)
}
