package mterr

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerError(t *testing.T) {
	err := NewServerError(42, 420, "FLOOD_WAIT_3")
	assert.Equal(t, 420, err.Code())
	assert.Equal(t, "FLOOD_WAIT", err.Type())
	assert.Equal(t, "mtproto: rpc error 420: FLOOD_WAIT_3", err.Error())

	wrapped := errors.Wrap(err, "send")
	d, ok := tgerr.AsFloodWait(wrapped)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
	assert.True(t, tgerr.Is(wrapped, "FLOOD_WAIT"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		rateLimit  bool
		permission bool
		invalid    bool
		timeout    bool
		integrity  bool
	}{
		{name: "flood", err: NewServerError(1, CodeFlood, "FLOOD_WAIT_1"), rateLimit: true},
		{name: "forbidden", err: NewServerError(1, CodeForbidden, "MESSAGE_AUTHOR_REQUIRED"), permission: true},
		{name: "unauthorized", err: NewServerError(1, CodeUnauthorized, "AUTH_KEY_UNREGISTERED"), permission: true},
		{name: "bad request", err: NewServerError(1, CodeBadRequest, "MESSAGE_EMPTY"), invalid: true},
		{name: "timeout", err: &TimeoutError{RequestID: 1, After: time.Second}, timeout: true},
		{name: "integrity", err: errors.Wrap(NewIntegrityError("bad msg key %d", 1), "decrypt"), integrity: true},
		{name: "disconnected", err: ErrDisconnected},
		{name: "internal", err: NewServerError(1, CodeInternal, "INTERNAL")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.rateLimit, IsRateLimited(tt.err))
			assert.Equal(t, tt.permission, IsPermissionDenied(tt.err))
			assert.Equal(t, tt.invalid, IsInvalidParameter(tt.err))
			assert.Equal(t, tt.timeout, IsTimeout(tt.err))
			assert.Equal(t, tt.integrity, IsIntegrity(tt.err))
		})
	}
}

func TestConnectivityErrorUnwrap(t *testing.T) {
	err := &ConnectivityError{Err: ErrDisconnected}
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NotEmpty(t, err.Error())
}
