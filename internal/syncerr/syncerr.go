package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient failures leave state untouched and are retried later.
	KindTransient
	// KindConflict means the operation was already applied; callers treat it as success.
	KindConflict
	// KindValidation failures will not succeed on retry without operator correction.
	KindValidation
	// KindStorage means a durable local write failed.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) *Error  { return New(KindTransient, op, err) }
func Conflict(op string, err error) *Error   { return New(KindConflict, op, err) }
func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func Storage(op string, err error) *Error    { return New(KindStorage, op, err) }

// KindOf classifies err. Errors without an explicit kind are transient when they
// come from the network or a deadline, unknown otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsStorage(err error) bool    { return KindOf(err) == KindStorage }

// Retryable reports whether a later attempt may succeed. Unknown errors are
// retried; only validation failures are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConflict:
		return false
	default:
		return err != nil
	}
}
