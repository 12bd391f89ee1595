package ordex

import (
	"errors"
	"fmt"

	"github.com/alexhholmes/ordex/pagestore"
)

var (
	// ErrIO is the category of every storage-layer failure.
	ErrIO = errors.New("index i/o failure")
	// ErrCorruption is the category of every detected invariant violation.
	// An index that reports it refuses all further operations.
	ErrCorruption = errors.New("index corruption detected")

	ErrReservedValue = errors.New("value is the reserved NotFound sentinel")
	ErrKeySize       = errors.New("key length does not match index key size")
	ErrConfig        = errors.New("invalid index configuration")
)

// Error is returned by every Index operation that fails. Kind is one of the
// category errors above; Err is the underlying cause.
type Error struct {
	Op   string
	Addr pagestore.Addr
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Addr != pagestore.NilAddr {
		msg += fmt.Sprintf(" page %d", e.Addr)
	}
	if e.Err == nil {
		return msg + ": " + e.Kind.Error()
	}
	return msg + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func ioError(op string, addr pagestore.Addr, err error) error {
	return &Error{Op: op, Addr: addr, Kind: ErrIO, Err: err}
}

func corruption(op string, addr pagestore.Addr, format string, args ...any) error {
	return &Error{Op: op, Addr: addr, Kind: ErrCorruption, Err: fmt.Errorf(format, args...)}
}
