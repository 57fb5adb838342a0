package fetcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidChain is returned for an empty or unknown chain id.
	ErrInvalidChain = errors.New("invalid chain id")
	// ErrInvalidAddress is returned for an address that cannot be sent upstream.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrEmptyAddresses is returned when a call requires at least one address.
	ErrEmptyAddresses = errors.New("no addresses given")
	// ErrTooManyAddresses is returned when a request exceeds MaxAddressesPerRequest.
	ErrTooManyAddresses = errors.New("too many addresses")
	// ErrResponseTooLarge is returned when a response body exceeds
	// Options.MaxResponseBytes.
	ErrResponseTooLarge = errors.New("response body too large")
)

// APIError is a non-2xx response from the Dexscreener API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dexscreener api error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("dexscreener api error (%d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return &APIError{StatusCode: status, Message: apiErr.Message}
		}
		if apiErr.Error != "" {
			return &APIError{StatusCode: status, Message: apiErr.Error}
		}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
}

// isRetryable classifies errors returned from a single request attempt.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var decodeErr *decodeError
	return !errors.As(err, &decodeErr)
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }
