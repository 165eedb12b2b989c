// Package errs defines the error kinds surfaced by the privacy CA.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	MalformedInput
	UnsupportedTpmVersion
	UntrustedEndorsement
	NameBindingMismatch
	ChallengeNotFound
	ChallengeExpired
	ProofInvalid
	NotFound
	Conflict
	Timeout
)

// MalformedIdentityRequest is the activation engine's name for MalformedInput.
const MalformedIdentityRequest = MalformedInput

var kindNames = map[Kind]string{
	Internal:              "Internal",
	MalformedInput:        "MalformedInput",
	UnsupportedTpmVersion: "UnsupportedTpmVersion",
	UntrustedEndorsement:  "UntrustedEndorsement",
	NameBindingMismatch:   "NameBindingMismatch",
	ChallengeNotFound:     "ChallengeNotFound",
	ChallengeExpired:      "ChallengeExpired",
	ProofInvalid:          "ProofInvalid",
	NotFound:              "NotFound",
	Conflict:              "Conflict",
	Timeout:               "Timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a kind name back to its Kind. Unknown names map to Internal.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return Internal
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of the outermost *Error in err's chain. Context
// deadline and cancellation errors are Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromContext converts a done context into a Timeout error.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: Timeout, Msg: "operation deadline exceeded", Err: err}
	}
	return nil
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case MalformedInput, UnsupportedTpmVersion, NameBindingMismatch:
		return http.StatusBadRequest
	case UntrustedEndorsement, ProofInvalid:
		return http.StatusForbidden
	case ChallengeNotFound, NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case ChallengeExpired:
		return http.StatusGone
	case Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
