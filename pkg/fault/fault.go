// Package fault classifies the errors returned by the archive packages so that
// callers can tell programmer misuse, damaged data and bad credentials apart.
//
// Every classified error matches exactly one of ErrLogic, ErrFormat or ErrCrypto
// with errors.Is, and also matches any more specific sentinel it wraps. Errors
// coming from the underlying reader or writer are wrapped with context only and
// never carry a kind.
package fault

import (
	"errors"
	"fmt"
)

// Kind sentinels.
var (
	// ErrLogic marks a violated calling contract. Never retried.
	ErrLogic = errors.New("logic error")
	// ErrFormat marks malformed or tampered persisted data.
	ErrFormat = errors.New("format error")
	// ErrCrypto marks a wrong credential value or corrupted ciphertext.
	ErrCrypto = errors.New("cryptographic error")
)

// kindError attaches a kind sentinel to an error without changing its message.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Logic classifies err as a contract violation.
func Logic(err error) error { return wrap(ErrLogic, err) }

// Format classifies err as a data or format error.
func Format(err error) error { return wrap(ErrFormat, err) }

// Crypto classifies err as a cryptographic failure.
func Crypto(err error) error { return wrap(ErrCrypto, err) }

// Logicf formats a message (honouring %w) and classifies it as a logic error.
func Logicf(format string, args ...any) error {
	return Logic(fmt.Errorf(format, args...))
}

// Formatf formats a message (honouring %w) and classifies it as a format error.
func Formatf(format string, args ...any) error {
	return Format(fmt.Errorf(format, args...))
}

// Cryptof formats a message (honouring %w) and classifies it as a crypto error.
func Cryptof(format string, args ...any) error {
	return Crypto(fmt.Errorf(format, args...))
}

// IsLogic reports whether err is a logic error.
func IsLogic(err error) bool { return errors.Is(err, ErrLogic) }

// IsFormat reports whether err is a format error.
func IsFormat(err error) bool { return errors.Is(err, ErrFormat) }

// IsCrypto reports whether err is a cryptographic error.
func IsCrypto(err error) bool { return errors.Is(err, ErrCrypto) }

// KindOf names the class of err: "logic", "format", "crypto", "io" for any
// other non-nil error, and "" for nil. A UI uses it to decide between asking
// for another password, reporting a damaged file, or reporting a bug.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case IsLogic(err):
		return "logic"
	case IsCrypto(err):
		return "crypto"
	case IsFormat(err):
		return "format"
	default:
		return "io"
	}
}
