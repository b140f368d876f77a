// Package vcserr defines the error kinds shared by the object store, the
// reference table and the repository manager. Every error returned by those
// packages can be classified with errors.Is against one of the Err* sentinels.
package vcserr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in this module.
	KindUnknown Kind = iota
	// KindNotFound means an object or reference is absent. Recoverable.
	KindNotFound
	// KindReferenceCycle means a symbolic chain did not terminate. Indicates corruption.
	KindReferenceCycle
	// KindConcurrentUpdate means a compare-and-swap lost a race. Retryable.
	KindConcurrentUpdate
	// KindInvalidOperation means the caller violated a precondition.
	KindInvalidOperation
	// KindInternalConsistency means a store invariant is broken.
	KindInternalConsistency
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindReferenceCycle:
		return "reference cycle"
	case KindConcurrentUpdate:
		return "concurrent update"
	case KindInvalidOperation:
		return "invalid operation"
	case KindInternalConsistency:
		return "internal consistency"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrReferenceCycle      = &Error{Kind: KindReferenceCycle}
	ErrConcurrentUpdate    = &Error{Kind: KindConcurrentUpdate}
	ErrInvalidOperation    = &Error{Kind: KindInvalidOperation}
	ErrInternalConsistency = &Error{Kind: KindInternalConsistency}
)

// Error is a classified failure. Op names the operation ("refs.resolve"),
// Name the object or reference involved.
type Error struct {
	Kind Kind
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Name != "" {
		msg += " " + quote(e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work
// regardless of Op, Name or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func quote(s string) string {
	return fmt.Sprintf("%q", s)
}

// NotFound reports that name does not exist.
func NotFound(op, name string) error {
	return &Error{Kind: KindNotFound, Op: op, Name: name}
}

// NotFoundErr reports that name does not exist, keeping the backend cause.
func NotFoundErr(op, name string, cause error) error {
	return &Error{Kind: KindNotFound, Op: op, Name: name, Err: cause}
}

// Cycle reports a symbolic chain starting at name that did not terminate.
func Cycle(op, name string, hops int) error {
	return &Error{Kind: KindReferenceCycle, Op: op, Name: name, Err: fmt.Errorf("gave up after %d hops", hops)}
}

// Conflict reports a lost compare-and-swap on name.
func Conflict(op, name string, cause error) error {
	return &Error{Kind: KindConcurrentUpdate, Op: op, Name: name, Err: cause}
}

// Invalid reports a precondition violation.
func Invalid(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidOperation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Corrupt reports a broken invariant inside the store.
func Corrupt(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInternalConsistency, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the operation that produced err may succeed
// if repeated. Only lost compare-and-swaps qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConcurrentUpdate
}
