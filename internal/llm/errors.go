package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
)

// Transport failure kinds.
const (
	KindNetwork = "network"
	KindTimeout = "timeout"
	KindAuth    = "auth"
	KindStatus  = "status"
)

// TransportError is a failure talking to the model provider.
type TransportError struct {
	Provider string
	Kind     string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *TransportError) Retryable() bool {
	return e.Kind != KindAuth
}

// classify wraps a provider error as a TransportError.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	out := &TransportError{Provider: provider, Kind: KindNetwork, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Kind = KindTimeout
		return out
	}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var gErr *googleapi.Error
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		out.Status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		out.Status = reqErr.HTTPStatusCode
	case errors.As(err, &gErr):
		out.Status = gErr.Code
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			out.Kind = KindTimeout
		}
		return out
	default:
		out.Status = statusFromText(err.Error())
	}
	switch {
	case out.Status == http.StatusUnauthorized || out.Status == http.StatusForbidden:
		out.Kind = KindAuth
	case out.Status != 0:
		out.Kind = KindStatus
	}
	return out
}

// statusFromText recovers a status from client errors that only carry text.
func statusFromText(msg string) int {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "authentication_error"), strings.Contains(lower, "invalid x-api-key"), strings.Contains(lower, "401"):
		return http.StatusUnauthorized
	case strings.Contains(lower, "permission_error"), strings.Contains(lower, "403"):
		return http.StatusForbidden
	case strings.Contains(lower, "rate_limit"), strings.Contains(lower, "429"):
		return http.StatusTooManyRequests
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "529"):
		return 529
	}
	return 0
}
