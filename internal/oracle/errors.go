package oracle

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies gateway failures. Only KindRetryable is retried.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindParsing        Kind = "parsing"
	KindResponseShape  Kind = "response_shape"
	KindValidation     Kind = "validation"
	KindRetryable      Kind = "retryable"
	KindRetryExhausted Kind = "retry_exhausted"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrInvalidRequest = errors.New("oracle: invalid request")
	ErrParsing        = errors.New("oracle: parsing failure")
	ErrResponseShape  = errors.New("oracle: response shape failure")
	ErrValidation     = errors.New("oracle: validation failure")
	ErrRetryable      = errors.New("oracle: retryable failure")
	ErrRetryExhausted = errors.New("oracle: retries exhausted")
)

var sentinels = map[Kind]error{
	KindInvalidRequest: ErrInvalidRequest,
	KindParsing:        ErrParsing,
	KindResponseShape:  ErrResponseShape,
	KindValidation:     ErrValidation,
	KindRetryable:      ErrRetryable,
	KindRetryExhausted: ErrRetryExhausted,
}

var (
	errNoMessages     = errors.New("request has no messages")
	errIncompleteTool = errors.New("tool needs a name and parameters")
)

func errMissingMetadata(fields []string) error {
	return fmt.Errorf("missing metadata: %s", strings.Join(fields, ", "))
}

type Error struct {
	Kind     Kind
	Module   string
	PromptID string
	Attempts int
	Err      error
}

func newError(kind Kind, md Metadata, attempts int, err error) *Error {
	return &Error{Kind: kind, Module: md.Module, PromptID: md.PromptID, Attempts: attempts, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("oracle ")
	b.WriteString(string(e.Kind))
	if e.Module != "" || e.PromptID != "" {
		b.WriteString(" [")
		b.WriteString(e.Module)
		b.WriteString("/")
		b.WriteString(e.PromptID)
		b.WriteString("]")
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && sentinels[e.Kind] == target
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRetryable
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
