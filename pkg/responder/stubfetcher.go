package responder

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vibing/akari-udp/pkg/akari"
)

// The outbound HTTP(S) fetcher used by the remote side is deliberately out
// of scope here: it is an external collaborator whose interface is only
// sketched (Fetcher, in fetch.go). NewStubFetcher exists only so
// cmd/akari-tunneld can drive a Server end-to-end without a real network
// dependency; this package's tests supply their own Fetchers. It is not a real HTTP
// client and answers every well-formed URL with a canned response instead
// of making an outbound connection.

// NewStubFetcher returns a Fetcher that validates the URL has an http(s)
// scheme and a host, then answers with a fixed demo body. It rejects
// malformed URLs the same way a real fetcher would, so the Responder's
// error-mapping path (errorCodeForFetchError) is exercised the same way
// regardless of which Fetcher is plugged in.
func NewStubFetcher() Fetcher {
	return func(_ context.Context, method akari.Method, rawURL string, _ []akari.HeaderField) (FetchResult, error) {
		parsed, err := url.Parse(rawURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return FetchResult{}, &FetchError{Kind: FetchErrorInvalidURL, Err: fmt.Errorf("invalid url: %q", rawURL)}
		}
		if method == akari.MethodHead {
			return FetchResult{
				StatusCode: 200,
				Headers:    []akari.HeaderField{{Name: "content-type", Value: "text/plain"}},
			}, nil
		}
		body := fmt.Sprintf("akari-tunneld stub response for %s %s\n", method, rawURL)
		return FetchResult{
			StatusCode: 200,
			Headers:    []akari.HeaderField{{Name: "content-type", Value: "text/plain"}},
			Body:       []byte(body),
		}, nil
	}
}
