package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse classification surfaced to API clients. The crypto,
// ACME, and OS layers report raw causes; the engine wraps them into one of
// these kinds before they leave the core.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "NotFound"
	KindAmbiguous          ErrorKind = "Ambiguous"
	KindConflict           ErrorKind = "Conflict"
	KindInvalidDomain      ErrorKind = "InvalidDomain"
	KindPassphraseRequired ErrorKind = "PassphraseRequired"
	KindAcme               ErrorKind = "AcmeError"
	KindCrypto             ErrorKind = "CryptoError"
	KindIO                 ErrorKind = "IoError"
	KindDockerUnavailable  ErrorKind = "DockerUnavailable"
	KindCommandFailed      ErrorKind = "CommandFailed"
	KindCancelled          ErrorKind = "Cancelled"
	// KindInvalidRequest covers malformed or unvalidatable API input.
	KindInvalidRequest ErrorKind = "InvalidRequest"
)

// Error carries a kind plus a human-readable message. The message never
// contains key material or passphrases.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving the cause chain.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified errors
// report as IoError, the catch-all for infrastructure failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
