// Package xerrors records where errors were created so the logger can report
// error_links and stacks without every call site formatting its own context.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// Stacked is implemented by errors that captured the full call stack.
type Stacked interface{ StackPCs() []uintptr }

// Located is implemented by errors that recorded the single frame that wrapped them.
type Located interface{ PC() uintptr }

const maxStackDepth = 64

// stacked carries the stack of the goroutine that created it
type stacked struct {
	err error
	pcs []uintptr
}

func (e *stacked) Error() string       { return e.err.Error() }
func (e *stacked) Unwrap() error       { return e.err }
func (e *stacked) StackPCs() []uintptr { return e.pcs }

// located prefixes a message and remembers the wrap site
type located struct {
	err error
	msg string
	pc  uintptr
}

func (e *located) Error() string { return e.msg + ": " + e.err.Error() }
func (e *located) Unwrap() error { return e.err }
func (e *located) PC() uintptr   { return e.pc }

// skip counts frames above the exported constructor
func stack(err error, skip int) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+3, pcs)
	return &stacked{err: err, pcs: pcs[:n]}
}

func locate(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pcs [1]uintptr
	// skip runtime.Callers, locate and the exported constructor
	runtime.Callers(3, pcs[:])
	return &located{err: err, msg: msg, pc: pcs[0]}
}

func New(msg string) error             { return stack(errors.New(msg), 0) }
func Newf(f string, args ...any) error { return stack(fmt.Errorf(f, args...), 0) }

func Wrap(err error, msg string) error { return locate(err, msg) }
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return locate(err, fmt.Sprintf(format, args...))
}

// WithStack attaches the current stack to err.
func WithStack(err error) error { return stack(err, 0) }

// HasStack reports whether any error in err's tree carries a stack.
func HasStack(err error) bool {
	var s Stacked
	return errors.As(err, &s) && len(s.StackPCs()) > 0
}

// EnsureTrace attaches a stack unless err already has one.
func EnsureTrace(err error) error {
	if err == nil || HasStack(err) {
		return err
	}
	return stack(err, 0)
}

// Join is errors.Join with a stack captured at the caller. Like errors.Join
// it returns nil when every err is nil.
func Join(errs ...error) error {
	return stack(errors.Join(errs...), 0)
}
