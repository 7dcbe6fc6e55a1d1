package constraint

import (
	"errors"
	"fmt"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

var (
	// ErrMalformedInput covers bad vocabulary buffers and bad grammar or
	// configuration blobs. Nothing is constructed when it is returned.
	ErrMalformedInput = errors.New("malformed input")
	// ErrCapability reports a request the declared inference capabilities
	// cannot serve.
	ErrCapability = errors.New("capability mismatch")
	// ErrAPIMisuse reports an operation called out of order. The session is
	// left untouched.
	ErrAPIMisuse = errors.New("api misuse")
	// ErrParser reports a failure inside the grammar parser. It is sticky.
	ErrParser = errors.New("parser error")
	// ErrHostCapability reports bytes the host vocabulary cannot reproduce.
	// It poisons the session like ErrParser.
	ErrHostCapability = toktrie.ErrHostCapability
	// ErrClosed is returned by every operation on a closed session.
	ErrClosed = errors.New("session closed")
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string {
	return e.msg
}

func (e kindError) Unwrap() error {
	return e.kind
}

func misuse(format string, args ...any) error {
	return kindError{kind: ErrAPIMisuse, msg: fmt.Sprintf(format, args...)}
}

func malformed(format string, args ...any) error {
	return kindError{kind: ErrMalformedInput, msg: fmt.Sprintf(format, args...)}
}

// ParserError wraps the error a parser reported after a step. Kind is
// ErrHostCapability when segmentation failed and ErrParser otherwise.
type ParserError struct {
	Kind  error
	Cause error
}

func newParserError(cause error) *ParserError {
	kind := ErrParser
	if errors.Is(cause, toktrie.ErrHostCapability) {
		kind = ErrHostCapability
	}
	return &ParserError{Kind: kind, Cause: cause}
}

func (e *ParserError) Error() string {
	return e.Cause.Error()
}

func (e *ParserError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

var errNoMask = errors.New("parser returned neither a mask nor a splice")

func errMaskSize(got, want int) error {
	return fmt.Errorf("parser mask covers %d tokens, vocabulary has %d", got, want)
}
