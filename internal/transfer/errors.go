package transfer

import (
	"errors"
	"fmt"
)

// Kind is the category of a terminal transfer failure.
type Kind int

const (
	// KindSession means no transport session could be established for the fetch.
	KindSession Kind = iota + 1
	// KindTimeout means the transport gave up waiting for the remote side.
	KindTimeout
	// KindDownload covers every other transport failure.
	KindDownload
	// KindData means the delivered payload could not be read back as bytes.
	KindData
)

// Sentinels usable with errors.Is against any error delivered to ErrorFunc subscribers.
var (
	ErrSession  error = KindSession
	ErrTimeout  error = KindTimeout
	ErrDownload error = KindDownload
	ErrData     error = KindData
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindTimeout:
		return "timeout"
	case KindDownload:
		return "download"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

func (k Kind) Error() string {
	return k.String() + " error"
}

// Error is the terminal failure handed to error subscribers.
type Error struct {
	Key  string // Request key of the failed transfer
	Kind Kind   // Failure category
	Err  error  // Underlying transport or I/O error, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error for %s: %v", e.Kind.String(), e.Key, e.Err)
	}

	return fmt.Sprintf("%s error for %s", e.Kind.String(), e.Key)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the Kind sentinels so callers can write errors.Is(err, transfer.ErrTimeout).
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)

	return ok && k == e.Kind
}

// KindOf returns the Kind carried by err, or zero if err is not a transfer failure.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	var k Kind
	if errors.As(err, &k) {
		return k
	}

	return 0
}
