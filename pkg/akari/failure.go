package akari

import "fmt"

// Packet-layer rejections. These never surface directly to a Fetch caller;
// the datagram is dropped silently and no counter records it. They become
// visible only indirectly, when dropping them keeps a request from completing.
var (
	ErrMalformed  = fmt.Errorf("akari: malformed datagram")
	ErrAuthFailed = fmt.Errorf("akari: authentication failed")
	ErrReplay     = fmt.Errorf("akari: replayed datagram")
	ErrStale      = fmt.Errorf("akari: timestamp outside skew window")
)

// Request-layer failures returned from Initiator.Fetch. These are always
// typed results, never panics.
var (
	// ErrTimeout is returned when a Fetch's deadline elapses before the
	// response completes.
	ErrTimeout = fmt.Errorf("akari: request timed out")

	// ErrTransportFailure is returned on a local socket error. The socket
	// operation is not retried; the first error ends the Fetch.
	ErrTransportFailure = fmt.Errorf("akari: transport failure")

	// ErrProtocolViolation is returned for an unrecoverable invariant
	// breach, such as requesting encrypt+aggregate-tag together under the
	// AEAD-per-datagram scheme.
	ErrProtocolViolation = fmt.Errorf("akari: protocol violation")
)

// PeerError wraps a valid Error datagram received from the remote endpoint.
type PeerError struct {
	Code       uint8
	HTTPStatus uint16
	Message    string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("akari: peer error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// HTTPStatusHint reports the status code out-of-scope HTTP glue should use
// when translating this error for a browser-facing response.
func (e *PeerError) HTTPStatusHint() int {
	if e.HTTPStatus != 0 {
		return int(e.HTTPStatus)
	}
	return HTTPStatusForErrorCode(e.Code)
}
