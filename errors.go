package txbus

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is reported when a type tag has no registered decoder.
	ErrUnknownType = errors.New("txbus: unknown message type")
	// ErrNoSession means no session with ready messages could be leased.
	ErrNoSession = errors.New("txbus: no session available")
	// ErrSessionLocked means the requested session is leased by another worker.
	ErrSessionLocked = errors.New("txbus: session locked")
	// ErrSessionEmpty means the leased session has no more ready messages.
	ErrSessionEmpty = errors.New("txbus: session empty")
	// ErrLeaseLost means the session lease expired or was taken over.
	ErrLeaseLost = errors.New("txbus: session lease lost")
)

// EncodeError reports a message that could not be turned into an envelope.
type EncodeError struct {
	TypeTag string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("txbus: encode %q: %v", e.TypeTag, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError reports an envelope that can never be decoded. It is not retried.
type DecodeError struct {
	TypeTag string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.TypeTag == "" {
		return fmt.Sprintf("txbus: decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("txbus: decode %q: %v", e.TypeTag, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HandlerError is passed to the ErrorHandler when a subscriber handler fails.
type HandlerError struct {
	Queue         string
	SessionID     string
	MessageID     string
	TypeTag       string
	DeliveryCount int
	DeadLettered  bool
	Err           error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("txbus: handle %s/%s message %s (delivery %d): %v",
		e.Queue, e.SessionID, e.MessageID, e.DeliveryCount, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PermanentError marks a send failure the broker will never accept, such as an
// oversized or malformed payload. The relay fails such rows without retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "txbus: permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or any error it wraps, is permanent.
// Encode and decode errors are permanent too.
func IsPermanent(err error) bool {
	var (
		perm *PermanentError
		enc  *EncodeError
		dec  *DecodeError
	)
	return errors.As(err, &perm) || errors.As(err, &enc) || errors.As(err, &dec)
}
