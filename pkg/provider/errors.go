package provider

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/harun/conduit/pkg/errdefs"
)

// retryableStatus reports whether an HTTP status hints a transient failure.
func retryableStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// isTransient reports whether err looks like a network-level hiccup.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "no such host", "timeout"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// providerError builds a ProviderError from an optional HTTP status.
func providerError(provider string, status int, err error) *errdefs.ProviderError {
	retryable := isTransient(err)
	if status > 0 {
		retryable = retryableStatus(status)
	}
	return &errdefs.ProviderError{
		Provider:   provider,
		StatusCode: status,
		Retryable:  retryable,
		Err:        err,
	}
}
