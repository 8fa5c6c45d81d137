package coap

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error into one of the three taxonomies a conforming
// implementation must distinguish: parse-time, transport/timing, and
// programmatic.
type Kind uint8

const (
	// KindMalformed covers decode failures: bad header, invalid token
	// length, reserved option escapes, truncated values.
	KindMalformed Kind = iota + 1
	// KindUnrecognisedCriticalOption is raised when a request carries a
	// critical option the receiver does not understand.
	KindUnrecognisedCriticalOption
	// KindTokenTooLong is raised for a decoded token length outside 0..8.
	KindTokenTooLong
	// KindTransmitTimeout is raised when a CON exhausts MAX_RETRANSMIT
	// retries without an ACK or RST.
	KindTransmitTimeout
	// KindNoResponse is raised when a separate response never arrives
	// before MAX_TRANSMIT_WAIT.
	KindNoResponse
	// KindReset is raised when a RST resolves an outstanding exchange.
	KindReset
	// KindProxyingNotSupported mirrors the 5.05 response code surfaced
	// to a transaction that asked to be proxied but wasn't.
	KindProxyingNotSupported
	// KindCancelled is raised when a transaction is cancelled by its
	// owner before it reaches a terminal state.
	KindCancelled
	// KindIllegalState covers programmatic misuse, e.g. sending on a
	// closed client or endpoint.
	KindIllegalState
	// KindBlockIncomplete mirrors 4.08 Request Entity Incomplete.
	KindBlockIncomplete
	// KindEntityTooLarge mirrors 4.13 Request Entity Too Large.
	KindEntityTooLarge
)

var kindNames = map[Kind]string{
	KindMalformed:                  "malformed_message",
	KindUnrecognisedCriticalOption: "unrecognised_critical_option",
	KindTokenTooLong:               "token_too_long",
	KindTransmitTimeout:            "transmit_timeout",
	KindNoResponse:                 "no_response",
	KindReset:                      "rst_received",
	KindProxyingNotSupported:       "proxying_not_supported",
	KindCancelled:                  "cancelled",
	KindIllegalState:               "illegal_state",
	KindBlockIncomplete:            "block_incomplete",
	KindEntityTooLarge:             "entity_too_large",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_kind(%d)", uint8(k))
}

// Error is the error type surfaced by this package. It carries a Kind so
// callers can switch on the taxonomy this package defines while still getting a
// wrapped stack trace (via github.com/pkg/errors) for diagnostics.
type Error struct {
	Kind  Kind
	cause error
}

// NewError builds an Error of the given Kind from msg, with a stack
// trace courtesy of github.com/pkg/errors.
func NewError(k Kind, msg string) *Error {
	return &Error{Kind: k, cause: errors.New(msg)}
}

// WrapError builds an Error of the given Kind around an existing error,
// preserving it in the Unwrap chain.
func WrapError(k Kind, cause error, msg string) *Error {
	if cause == nil {
		return NewError(k, msg)
	}
	return &Error{Kind: k, cause: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.cause)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Format implements fmt.Formatter so %+v on an Error prints the
// underlying pkg/errors stack trace.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s: %+v", e.Kind, e.cause)
		return
	}
	fmt.Fprint(s, e.Error())
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &coap.Error{Kind: coap.KindTransmitTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	// ErrInvalidVersion is returned by the codec for a header whose Ver
	// field is not 1.
	ErrInvalidVersion = NewError(KindMalformed, "invalid CoAP version")
	// ErrShortPacket is returned by the codec for a buffer under 4 bytes.
	ErrShortPacket = NewError(KindMalformed, "packet shorter than header")
	// ErrInvalidTokenLen is returned for a decoded token length field
	// outside the 0..8 range the wire format allows.
	ErrInvalidTokenLen = NewError(KindTokenTooLong, "invalid token length")
	// ErrTruncatedOption is returned when an option's declared length
	// runs past the end of the buffer.
	ErrTruncatedOption = NewError(KindMalformed, "truncated option")
	// ErrReservedOptionEscape is returned when a 4-bit delta or length
	// nibble carries the reserved value 15 outside the payload marker.
	ErrReservedOptionEscape = NewError(KindMalformed, "reserved option delta/length escape (15)")
	// ErrStrayPayloadMarker is returned for a trailing 0xFF with no
	// payload bytes following it.
	ErrStrayPayloadMarker = NewError(KindMalformed, "payload marker with no payload")

	// ErrCancelled is returned by Transaction.GetResponse after Cancel.
	ErrCancelled = NewError(KindCancelled, "transaction cancelled")
	// ErrReset is returned when a RST resolves an outstanding exchange.
	ErrReset = NewError(KindReset, "peer sent RST")
	// ErrTransmitTimeout is returned after MAX_RETRANSMIT retries go
	// unacknowledged.
	ErrTransmitTimeout = NewError(KindTransmitTimeout, "retransmissions exhausted")
	// ErrNoResponse is returned when a separate response never arrives.
	ErrNoResponse = NewError(KindNoResponse, "separate response deadline exceeded")
	// ErrProxyingNotSupported mirrors the 5.05 response code.
	ErrProxyingNotSupported = NewError(KindProxyingNotSupported, "proxying not supported")
	// ErrClosed is returned for operations against a closed Client or
	// EndpointManager.
	ErrClosed = NewError(KindIllegalState, "endpoint is closed")
	// ErrEntityTooLarge mirrors 4.13.
	ErrEntityTooLarge = NewError(KindEntityTooLarge, "request entity too large")
	// ErrBlockOutOfOrder mirrors 4.08.
	ErrBlockOutOfOrder = NewError(KindBlockIncomplete, "block received out of order")
)
