package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the UI layer.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConnection  Kind = "connection"
	KindMediaAccess Kind = "media_access"
	KindSignaling   Kind = "signaling"
)

var (
	// ErrValidation matches input rejected locally; nothing was sent.
	ErrValidation = errors.New("validation error")
	// ErrConnection matches store subscription or write failures. Retryable.
	ErrConnection = errors.New("connection error")
	// ErrMediaAccess matches denied or missing capture devices.
	ErrMediaAccess = errors.New("media access error")
	// ErrSignaling matches call initiation or acceptance failures.
	ErrSignaling = errors.New("signaling error")
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrMediaAccess:
		return e.Kind == KindMediaAccess
	case ErrSignaling:
		return e.Kind == KindSignaling
	default:
		return false
	}
}

// Validation wraps err as a validation failure.
func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Connection wraps err as a connection failure. A nil err stays nil.
func Connection(op string, err error) error {
	if err == nil {
		return nil
	}
	return classify(KindConnection, op, err)
}

// MediaAccess wraps err as a media access failure. A nil err stays nil.
func MediaAccess(op string, err error) error {
	if err == nil {
		return nil
	}
	return classify(KindMediaAccess, op, err)
}

// Signaling wraps err as a signaling failure. A nil err stays nil.
func Signaling(op string, err error) error {
	if err == nil {
		return nil
	}
	return classify(KindSignaling, op, err)
}

// KindOf reports the kind of a classified error, or "" for anything else.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// Retryable reports whether the UI should offer a retry affordance.
func Retryable(err error) bool {
	return KindOf(err) == KindConnection
}

func classify(kind Kind, op string, err error) error {
	var classified *Error
	if errors.As(err, &classified) && classified.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
