package outcome

import (
	"errors"
	"fmt"
)

// Code identifies the kind of result carried by an Outcome.
type Code int

const (
	CodeOK                  Code = 0
	CodeUnsupportedPlatform Code = 1
	CodeExecutableNotFound  Code = 2
	CodeSpawnFailure        Code = 3
	CodeProbeFailure        Code = 4
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnsupportedPlatform:
		return "unsupported_platform"
	case CodeExecutableNotFound:
		return "executable_not_found"
	case CodeSpawnFailure:
		return "spawn_failure"
	case CodeProbeFailure:
		return "probe_failure"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// Sentinel errors for each failure code. Outcome values unwrap to these so
// callers can use errors.Is.
var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrExecutableNotFound  = errors.New("daemon executable not found")
	ErrSpawnFailure        = errors.New("daemon spawn failed")
	ErrProbeFailure        = errors.New("daemon readiness probe failed")
)

// Outcome is the result envelope returned by supervisor operations and used to
// resolve the readiness signal.
type Outcome struct {
	Succeeded bool   `json:"succeeded"`
	Code      Code   `json:"code"`
	Detail    string `json:"detail,omitempty"`
}

// OK returns a successful outcome.
func OK(detail string) Outcome {
	return Outcome{Succeeded: true, Code: CodeOK, Detail: detail}
}

// Fail returns a failed outcome with the given code.
func Fail(code Code, detail string) Outcome {
	return Outcome{Succeeded: false, Code: code, Detail: detail}
}

// Failf is Fail with a formatted detail.
func Failf(code Code, format string, args ...any) Outcome {
	return Fail(code, fmt.Sprintf(format, args...))
}

// Error implements error. A succeeded outcome still renders but should not be
// returned as an error; use Err for that.
func (o Outcome) Error() string {
	if o.Succeeded {
		return "ok"
	}
	if o.Detail == "" {
		return o.Code.String()
	}
	return o.Code.String() + ": " + o.Detail
}

// Unwrap maps the code to its sentinel error.
func (o Outcome) Unwrap() error {
	switch o.Code {
	case CodeUnsupportedPlatform:
		return ErrUnsupportedPlatform
	case CodeExecutableNotFound:
		return ErrExecutableNotFound
	case CodeSpawnFailure:
		return ErrSpawnFailure
	case CodeProbeFailure:
		return ErrProbeFailure
	}
	return nil
}

// Err returns nil for a succeeded outcome, otherwise the outcome itself.
func (o Outcome) Err() error {
	if o.Succeeded {
		return nil
	}
	return o
}

// From converts an arbitrary error into an Outcome. Outcomes pass through
// unchanged; nil maps to OK; anything else is treated as a spawn failure.
func From(err error) Outcome {
	if err == nil {
		return OK("")
	}
	var o Outcome
	if errors.As(err, &o) {
		return o
	}
	switch {
	case errors.Is(err, ErrUnsupportedPlatform):
		return Fail(CodeUnsupportedPlatform, err.Error())
	case errors.Is(err, ErrExecutableNotFound):
		return Fail(CodeExecutableNotFound, err.Error())
	case errors.Is(err, ErrProbeFailure):
		return Fail(CodeProbeFailure, err.Error())
	}
	return Fail(CodeSpawnFailure, err.Error())
}
