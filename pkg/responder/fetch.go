package responder

import (
	"context"
	"errors"
	"fmt"

	"github.com/vibing/akari-udp/pkg/akari"
)

// FetchResult is the outcome of one successful upstream HTTP fetch.
type FetchResult struct {
	StatusCode uint16
	Headers    []akari.HeaderField
	Body       []byte
}

// FetchErrorKind classifies a Fetcher failure for mapping onto a wire Error
// datagram's code/http_status pair, grounded on
// original_source/py/akari/remote_proxy/handler.py's exception dispatch
// (InvalidURLError, BodyTooLargeError, TimeoutFetchError, FetchError).
type FetchErrorKind uint8

const (
	// FetchErrorInvalidURL is a malformed or unsupported request URL.
	FetchErrorInvalidURL FetchErrorKind = iota
	// FetchErrorBodyTooLarge is an upstream body exceeding the fetcher's cap.
	FetchErrorBodyTooLarge
	// FetchErrorUpstreamTimeout is an upstream connection or read timeout.
	FetchErrorUpstreamTimeout
	// FetchErrorUpstreamFailure is any other upstream connection failure.
	FetchErrorUpstreamFailure
)

// FetchError is the typed error a Fetcher returns for a classified failure.
// A Fetcher returning a plain, unwrapped error is treated as internal
// (error code 255), matching handler.py's catch-all Exception branch.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("responder: fetch failed (%d): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher performs one upstream HTTP request. It is invoked exactly once
// per request identifier; the Responder never calls it again for a
// duplicate Req while the identifier's cache entry is live.
type Fetcher func(ctx context.Context, method akari.Method, url string, headers []akari.HeaderField) (FetchResult, error)

func errorCodeForFetchError(err error) (code uint8, httpStatus uint16) {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return akari.ErrCodeInternal, 500
	}
	switch fe.Kind {
	case FetchErrorInvalidURL:
		return akari.ErrCodeInvalidURL, 400
	case FetchErrorBodyTooLarge:
		return akari.ErrCodeBodyTooLarge, 502
	case FetchErrorUpstreamTimeout:
		return akari.ErrCodeUpstreamTimeout, 504
	case FetchErrorUpstreamFailure:
		return akari.ErrCodeUpstreamFailure, 502
	default:
		return akari.ErrCodeInternal, 500
	}
}

// maxErrorMessageLen truncates an error message before wrapping it in an
// Error datagram, matching handler.py's 200-character cap plus "..." suffix.
const maxErrorMessageLen = 200

func truncateMessage(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	return msg[:maxErrorMessageLen] + "..."
}
