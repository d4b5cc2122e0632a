package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJSON means the callback body is not JSON at all.
	ErrInvalidJSON = errors.New("callback body is not valid JSON")
	// ErrMalformedCallback means the JSON lacks the result envelope or required fields.
	ErrMalformedCallback = errors.New("malformed callback")
)

// UpstreamAuthError is returned when the gateway rejects the consumer key/secret
// or the bearer credential.
type UpstreamAuthError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("gateway rejected credentials: status %d", e.StatusCode)
}

// PaymentInitiationError carries the gateway's rejection of a push request.
type PaymentInitiationError struct {
	StatusCode int
	Payload    map[string]any
}

func (e *PaymentInitiationError) Error() string {
	if desc, ok := e.Payload["errorMessage"].(string); ok {
		return fmt.Sprintf("push request rejected: status %d: %s", e.StatusCode, desc)
	}
	if desc, ok := e.Payload["ResponseDescription"].(string); ok {
		return fmt.Sprintf("push request rejected: status %d: %s", e.StatusCode, desc)
	}
	return fmt.Sprintf("push request rejected: status %d", e.StatusCode)
}

// NetworkError wraps transport failures and timeouts talking to the gateway.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }
