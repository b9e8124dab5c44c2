package status

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOk(t *testing.T) {
	s := Ok()
	assert.True(t, s.IsOK())
	assert.False(t, s.IsError())
	assert.False(t, s.IsFatal())
	assert.Equal(t, 0, s.ShellCode())
	assert.Equal(t, "ok", s.Error())
}

func TestErrorShellCodes(t *testing.T) {
	cases := []struct {
		name string
		s    Status
		code int
	}{
		{"redirect-limit is generic error", NewError(CodeRedirectLimit), 1},
		{"error-response", NewError(CodeErrorResponse), 51},
		{"response-negative", NewError(CodeResponseNegative), 51},
		{"auth-failed", NewError(CodeAuthFailed), 52},
		{"login-failed", NewError(CodeLoginFailed), 52},
		{"fatal always 54", NewFatal(CodeInternal), 54},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.code, c.s.ShellCode())
		})
	}
}

func TestStringIncludesErrno(t *testing.T) {
	s := NewErrorErrno(CodeSocketError, syscall.ECONNRESET)
	assert.Contains(t, s.String(), "connection reset")
	assert.Contains(t, s.String(), "ERROR")
	assert.Contains(t, s.String(), "socket-error")
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "SUCCESS", OK.String())
	assert.Equal(t, "ERROR", Error.String())
	assert.Equal(t, "FATAL", Fatal.String())
}
