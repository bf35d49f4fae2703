package detection

import (
	"errors"
	"fmt"
)

// Error kinds. Components wrap these so callers can match with errors.Is.
var (
	ErrIO                        = errors.New("io failure")
	ErrParse                     = errors.New("parse failure")
	ErrKnowledgeStoreUnavailable = errors.New("knowledge store unavailable")
	ErrModelInference            = errors.New("model inference failure")
	ErrInvalidConfiguration      = errors.New("invalid configuration")

	// ErrRootNotFound is the only error a scan surfaces to its caller.
	ErrRootNotFound = errors.New("root path not found")
)

// Error attaches an operation name and a kind to an underlying error.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap returns an *Error of the given kind, or nil when err is nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err, or nil when it has none.
func KindOf(err error) error {
	for _, k := range []error{ErrIO, ErrParse, ErrKnowledgeStoreUnavailable, ErrModelInference, ErrInvalidConfiguration, ErrRootNotFound} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
