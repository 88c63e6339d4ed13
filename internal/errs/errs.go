// Package errs defines the Manager's error taxonomy (spec.md §7): kinds,
// not types, mapped to an HTTP status only at the handler boundary. Every
// other layer returns one of these, never an http.StatusCode directly.
package errs

import "fmt"

// Kind enumerates the error taxonomy of spec.md §7.
type Kind int

const (
	// AuthError: missing/invalid token, wrong version header. Surface: 401/403.
	AuthError Kind = iota
	// ValidationError: bad URL/scheme/SSRF host, schema mismatch, bad file path. Surface: 400/422.
	ValidationError
	// NotFoundError: unknown task/runner/file. Surface: 404.
	NotFoundError
	// StaleError: completion for a superseded run. Surface: 202.
	StaleError
	// RunnerError: all candidate runners unreachable/rejecting. Never surfaced
	// synchronously; observable only via status polling.
	RunnerError
	// UpstreamError: runner returned non-2xx during result proxy. Surface: 502.
	UpstreamError
	// TransientNetworkError: recoverable outbound failure, retried by the
	// owning pipeline (dispatch/notify), never propagated to the submit path.
	TransientNetworkError
	// FatalConfigError: caught at startup only; process refuses to start.
	FatalConfigError
)

func (k Kind) String() string {
	switch k {
	case AuthError:
		return "auth_error"
	case ValidationError:
		return "validation_error"
	case NotFoundError:
		return "not_found_error"
	case StaleError:
		return "stale_error"
	case RunnerError:
		return "runner_error"
	case UpstreamError:
		return "upstream_error"
	case TransientNetworkError:
		return "transient_network_error"
	case FatalConfigError:
		return "fatal_config_error"
	default:
		return "unknown_error"
	}
}

// Error wraps a message with its taxonomy Kind. Handlers map Kind to an
// HTTP status; nothing upstream of the handler layer should hardcode a
// status code.
type Error struct {
	Kind    Kind
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

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
