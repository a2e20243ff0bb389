package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom_PreservesWrappedError(t *testing.T) {
	t.Parallel()

	original := Redfish(http.StatusConflict, "", "not enough resources")
	wrapped := fmt.Errorf("composing node: %w", original)

	normalized := From(wrapped)
	require.NotNil(t, normalized)
	assert.Equal(t, KindRedfish, normalized.Kind)
	assert.Equal(t, http.StatusConflict, normalized.Status)
	assert.Equal(t, "not enough resources", normalized.Detail)
}

func TestFrom_MapsUnknownAndContextErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindInternal, From(errors.New("boom")).Kind)
	assert.Equal(t, KindServiceUnavailable, From(context.DeadlineExceeded).Kind)
	assert.Nil(t, From(nil))
}

func TestError_IsMatchesKindAndCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("ctx: %w", NoValidHost("NoHostAvailable", "no pod managers"))
	assert.True(t, errors.Is(err, &Error{Kind: KindNoValidHost}))
	assert.True(t, errors.Is(err, &Error{Kind: KindNoValidHost, Code: "NoHostAvailable"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNoValidHost, Code: "NoHostSatisfiesRequest"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindBadRequest}))
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := ServiceUnavailable("pod manager unreachable").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestToBody(t *testing.T) {
	t.Parallel()

	body := ToBody(BadRequest("unsupported action %q", "Explode"), "req-1")
	assert.Equal(t, Body{
		RequestID: "req-1",
		Code:      "BadRequest",
		Status:    http.StatusBadRequest,
		Title:     "Malformed or unacceptable request",
		Detail:    `unsupported action "Explode"`,
	}, body)
}

func TestUpstreamErrors_NeverCarrySuccessStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   int
	}{
		{name: "unexpected ok", status: http.StatusOK, want: http.StatusBadGateway},
		{name: "unexpected accepted", status: http.StatusAccepted, want: http.StatusBadGateway},
		{name: "redirect", status: http.StatusFound, want: http.StatusBadGateway},
		{name: "zero", status: 0, want: http.StatusBadGateway},
		{name: "client error kept", status: http.StatusConflict, want: http.StatusConflict},
		{name: "server error kept", status: http.StatusServiceUnavailable, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Redfish(tt.status, "", "x").Status)
			assert.Equal(t, tt.want, ExpEther(tt.status, "", "x").Status)
		})
	}
}
