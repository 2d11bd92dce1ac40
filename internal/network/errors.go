package network

import (
	"errors"
	"fmt"
)

// Kind classifies a network error.
type Kind int

const (
	// KindTransport covers relay socket faults.
	KindTransport Kind = iota + 1
	// KindAuth covers envelopes that failed authentication or replay
	// checks. Inbound auth faults never reach the application; only the
	// explicit Decode call returns them.
	KindAuth
	// KindPrecondition covers calls made in the wrong state or with bad
	// arguments. They are not retried.
	KindPrecondition
	// KindUpstream covers the relay's sync service giving up.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindPrecondition:
		return "precondition"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted   = errors.New("network already started")
	ErrNotStarted       = errors.New("network not started")
	ErrPeersConnected   = errors.New("peers already connected")
	ErrMissingPrivKey   = errors.New("missing private key")
	ErrMissingCopayerID = errors.New("missing copayer id")
	ErrNilPayload       = errors.New("nil payload")
	ErrSyncExhausted    = errors.New("sync retries exhausted")
)

// Error is returned by every public Network operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("network %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err when it wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind, true
	}
	return 0, false
}
