package mls

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by what the caller can do about it.
type ErrorKind uint8

const (
	// ValidationError: malformed input, bad signature, stale key package.
	// The caller may retry with corrected input.
	ValidationError ErrorKind = iota + 1

	// StateError: wrong epoch, unknown group, unknown member.  Recoverable
	// only by resynchronizing.
	StateError

	// IntegrityError: confirmation tag mismatch, tree hash divergence,
	// generation reuse.  Fatal for the group state that observed it.
	IntegrityError

	// CryptoError: a primitive failed, e.g. AEAD authentication.
	CryptoError
)

func (k ErrorKind) String() string {
	switch k {
	case ValidationError:
		return "ValidationError"
	case StateError:
		return "StateError"
	case IntegrityError:
		return "IntegrityError"
	case CryptoError:
		return "CryptoError"
	default:
		return "UnknownError"
	}
}

// Error is the single error type surfaced by the engine.  It names the
// operation and the group / epoch / object it concerns.
type Error struct {
	Kind    ErrorKind
	Op      string
	GroupID []byte
	Epoch   Epoch
	Ref     []byte
	Err     error
}

var (
	ErrValidation = &Error{Kind: ValidationError}
	ErrState      = &Error{Kind: StateError}
	ErrIntegrity  = &Error{Kind: IntegrityError}
	ErrCrypto     = &Error{Kind: CryptoError}
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("mls: %s", e.Kind)
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if len(e.GroupID) > 0 {
		msg += fmt.Sprintf(" (group=%x epoch=%d", e.GroupID, e.Epoch)
		if len(e.Ref) > 0 {
			msg += fmt.Sprintf(" ref=%x", e.Ref)
		}
		msg += ")"
	} else if len(e.Ref) > 0 {
		msg += fmt.Sprintf(" (ref=%x)", e.Ref)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrIntegrity) works for
// any integrity failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// KindOf reports the kind of an engine error, or zero if err is not one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func validationErr(format string, args ...interface{}) error {
	return newError(ValidationError, format, args...)
}

func stateErr(format string, args ...interface{}) error {
	return newError(StateError, format, args...)
}

func integrityErr(format string, args ...interface{}) error {
	return newError(IntegrityError, format, args...)
}

func cryptoErr(format string, args ...interface{}) error {
	return newError(CryptoError, format, args...)
}

// annotate attaches operation and group context to err.  Errors that do not
// come from the engine are treated as validation failures, since they arise
// from parsing or checking caller-supplied input.
func annotate(err error, op string, groupID []byte, epoch Epoch, ref []byte) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: ValidationError, Op: op, GroupID: dup(groupID), Epoch: epoch, Ref: dup(ref), Err: err}
	}

	out := *e
	if out.Op == "" {
		out.Op = op
	}
	if len(out.GroupID) == 0 {
		out.GroupID = dup(groupID)
		out.Epoch = epoch
	}
	if len(out.Ref) == 0 {
		out.Ref = dup(ref)
	}
	return &out
}
