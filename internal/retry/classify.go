package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Class labels a failure for the retry decision. Transient failures are worth
// retrying; fatal failures are not.
type Class string

const (
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// Classifier maps an error to a Class. The supervised job supplies its own
// classifier when the default heuristics do not fit; the engine only consumes
// the resulting class.
type Classifier func(error) Class

type marked struct {
	err   error
	class Class
}

func (m *marked) Error() string { return m.err.Error() }
func (m *marked) Unwrap() error { return m.err }

// MarkFatal marks err as non-retryable, overriding classifier heuristics.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, class: ClassFatal}
}

// MarkTransient marks err as retryable, overriding classifier heuristics.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, class: ClassTransient}
}

// MarkedClass reports the class an explicit mark put on err, if any. Custom
// classifiers should honor marks before their own heuristics.
func MarkedClass(err error) (Class, bool) {
	var m *marked
	if errors.As(err, &m) {
		return m.class, true
	}
	return "", false
}

// fatalFragments flag error text that retrying cannot fix: bad input, missing
// prerequisites, rejected credentials.
var fatalFragments = []string{
	"unauthorized",
	"forbidden",
	"authentication failed",
	"permission denied",
	"invalid argument",
	"no such file",
	"command not found",
	"not executable",
}

// DefaultClassifier applies the standard heuristics: explicit marks win,
// timeouts and connectivity failures are transient, recognizably broken input
// is fatal. Unrecognized errors default to transient so a flaky job is paused
// only after the retry budget is spent, not on first contact.
func DefaultClassifier(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if class, ok := MarkedClass(err); ok {
		return class
	}

	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.ETIMEDOUT, syscall.EAGAIN, syscall.EPIPE:
			return ClassTransient
		}
	}

	text := strings.ToLower(err.Error())
	for _, frag := range fatalFragments {
		if strings.Contains(text, frag) {
			return ClassFatal
		}
	}
	return ClassTransient
}
