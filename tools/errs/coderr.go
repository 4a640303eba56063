// Package errs carries the coded error taxonomy shared by the session core.
// Boundary packages (connection manager, stores, bot client) return these;
// callers branch on the code, not on message text.
package errs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error codes. 1xxx are recoverable/self-healing, 2xxx require user action.
const (
	CodeTransport      = 1001 // transport not connected / dial failed
	CodeMalformedEvent = 1002 // inbound event missing required fields
	CodeStorage        = 1003 // snapshot read/write failed (non-fatal)
	CodeResumeRejected = 2001 // backend rejected the resume token
	CodeLoginFailed    = 2002 // fresh join failed after resume fallback
	CodeSendNotReady   = 2003 // send attempted while disconnected or unbound
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

var (
	ErrTransport      = NewCodeError(CodeTransport, "transport not connected")
	ErrMalformedEvent = NewCodeError(CodeMalformedEvent, "malformed event")
	ErrStorage        = NewCodeError(CodeStorage, "storage failure")
	ErrResumeRejected = NewCodeError(CodeResumeRejected, "resume rejected")
	ErrLoginFailed    = NewCodeError(CodeLoginFailed, "login failed")
	ErrSendNotReady   = NewCodeError(CodeSendNotReady, "send not ready")
)

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra detail text.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches any CodeError with the same code, so
// errors.Is(err, errs.ErrTransport) works across WithDetail copies and wraps.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	return ok && t.Code == e.Code
}

// Code extracts the error code, or 0 for non-coded errors.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// Wrap annotates err with a message, keeping the coded error visible to As/Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
