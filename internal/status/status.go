// Package status implements the tri-state result type used at every
// post-master API boundary: a call either succeeded, failed in a way the
// caller might recover from, or failed fatally. See spec.md §4.A.
package status

import (
	"fmt"
	"syscall"
)

// State is the coarse outcome of an operation.
type State int

const (
	// OK means the operation completed successfully.
	OK State = iota
	// Error means the operation failed but the failure is not terminal
	// for the stream/channel it ran on (e.g. a redirect, a wait, an
	// application-level error response).
	Error
	// Fatal means the failure disables further retries for the request
	// and is sticky for its remainder (spec.md §7).
	Fatal
)

func (s State) String() string {
	switch s {
	case OK:
		return "SUCCESS"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Code enumerates the reasons a Status can carry, grouped the way
// spec.md §7 groups them: Programming, OS, Socket, Protocol, Request.
type Code int

const (
	CodeNone Code = iota

	// Programming errors.
	CodeInvalidOp
	CodeInvalidArgs
	CodeNotInitialized
	CodeNotImplemented
	CodeInternal

	// OS errors.
	CodeOSError
	CodeFcntl
	CodePoll

	// Socket errors.
	CodeInvalidAddress
	CodeSocketError
	CodeSocketTimeout
	CodeSocketDisconnected
	CodePollerError
	CodeSocketOptionError
	CodeStreamDisconnect
	CodeInvalidSession
	CodeConnectionError

	// Protocol errors.
	CodeInvalidMessage
	CodeHandshakeFailed
	CodeLoginFailed
	CodeAuthFailed
	CodeQueryNotSupported
	CodeOperationExpired

	// Request errors.
	CodeNoFreeSIDs
	CodeInvalidRedirectURL
	CodeInvalidResponse
	CodeNotFound
	CodeChecksumError
	CodeRedirectLimit
	CodeErrorResponse
	CodeRedirect
	CodeResponseNegative
	CodeDataError
)

var codeNames = map[Code]string{
	CodeNone:               "none",
	CodeInvalidOp:          "invalid-op",
	CodeInvalidArgs:        "invalid-args",
	CodeNotInitialized:     "not-initialized",
	CodeNotImplemented:     "not-implemented",
	CodeInternal:           "internal",
	CodeOSError:            "os-error",
	CodeFcntl:              "fcntl",
	CodePoll:               "poll",
	CodeInvalidAddress:     "invalid-address",
	CodeSocketError:        "socket-error",
	CodeSocketTimeout:      "socket-timeout",
	CodeSocketDisconnected: "socket-disconnected",
	CodePollerError:        "poller-error",
	CodeSocketOptionError:  "socket-option-error",
	CodeStreamDisconnect:   "stream-disconnect",
	CodeInvalidSession:     "invalid-session",
	CodeConnectionError:    "connection-error",
	CodeInvalidMessage:     "invalid-message",
	CodeHandshakeFailed:    "handshake-failed",
	CodeLoginFailed:        "login-failed",
	CodeAuthFailed:         "auth-failed",
	CodeQueryNotSupported:  "query-not-supported",
	CodeOperationExpired:   "operation-expired",
	CodeNoFreeSIDs:         "no-free-sids",
	CodeInvalidRedirectURL: "invalid-redirect-url",
	CodeInvalidResponse:    "invalid-response",
	CodeNotFound:           "not-found",
	CodeChecksumError:      "checksum-error",
	CodeRedirectLimit:      "redirect-limit",
	CodeErrorResponse:      "error-response",
	CodeRedirect:           "redirect",
	CodeResponseNegative:   "response-negative",
	CodeDataError:          "data-error",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "unknown"
}

// Status is the result type threaded through every post-master API.
type Status struct {
	State State
	Code  Code
	Errno syscall.Errno
}

// Ok builds a successful Status.
func Ok() Status { return Status{State: OK} }

// NewError builds a non-fatal Error status.
func NewError(code Code) Status {
	return Status{State: Error, Code: code}
}

// NewErrorErrno builds a non-fatal Error status carrying an errno.
func NewErrorErrno(code Code, errno syscall.Errno) Status {
	return Status{State: Error, Code: code, Errno: errno}
}

// NewFatal builds a Fatal status.
func NewFatal(code Code) Status {
	return Status{State: Fatal, Code: code}
}

// IsOK reports whether the status is a success.
func (s Status) IsOK() bool { return s.State == OK }

// IsError reports whether the status is a (non-fatal) error.
func (s Status) IsError() bool { return s.State == Error }

// IsFatal reports whether the status is fatal.
func (s Status) IsFatal() bool { return s.State == Fatal }

// ShellCode maps the status to the POSIX-shell exit-code band XRootD CLI
// tools use: 0 on success, 54 for a fatal condition, 52 for an
// authentication failure, 51 for any other application-level error
// response, and 1 for everything else. Grounded on original_source
// XrdClStatus.cc's GetShellCode.
func (s Status) ShellCode() int {
	switch {
	case s.IsOK():
		return 0
	case s.IsFatal():
		return 54
	case s.Code == CodeAuthFailed || s.Code == CodeLoginFailed:
		return 52
	case s.Code == CodeErrorResponse || s.Code == CodeResponseNegative:
		return 51
	default:
		return 1
	}
}

// String renders the status the way the C++ client does:
// "[SUCCESS|ERROR|FATAL] <code>" with ": <strerror>" appended when an
// errno is attached.
func (s Status) String() string {
	base := fmt.Sprintf("[%s] %s", s.State, s.Code)
	if s.Errno != 0 {
		return fmt.Sprintf("%s: %s", base, s.Errno.Error())
	}
	return base
}

// Error implements the error interface so a Status can be returned
// anywhere Go code expects one; IsOK statuses format as "ok" rather than
// panicking or returning an empty string.
func (s Status) Error() string {
	if s.IsOK() {
		return "ok"
	}
	return s.String()
}
