package errcode

import (
	"errors"
	"syscall"
)

// Code is a stable, operator-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK              Code = "ok"
	ChannelNotFound Code = "channel_not_found" // ENOENT
	Unsupported     Code = "unsupported"       // ENOTSUP
	InvalidParams   Code = "invalid_params"    // EINVAL
	ConfigDefect    Code = "config_defect"
	BusError        Code = "bus_error"
	StoreError      Code = "store_error"
	Timeout         Code = "timeout"
	Fatal           Code = "fatal"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap returns nil for a nil cause, otherwise an *E with the given code.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// New returns an *E without a cause.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	// Outermost code wins.
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch x := e.(type) {
		case Code:
			return x
		case coder:
			return x.Code()
		}
	}
	return Error
}

// Errno returns the OS error number carried by err, or 0.
func Errno(err error) syscall.Errno {
	var en syscall.Errno
	if errors.As(err, &en) {
		return en
	}
	return 0
}

// MapDriverErr maps low-level bus driver errors to a Code. The ADS7830 has
// no error register, so everything the kernel reports is a bus error.
func MapDriverErr(err error) Code {
	if err == nil {
		return OK
	}
	if c := Of(err); c != Error {
		return c
	}
	switch Errno(err) {
	case syscall.ETIMEDOUT:
		return Timeout
	case syscall.EINVAL:
		return InvalidParams
	default:
		return BusError
	}
}
