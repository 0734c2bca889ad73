package taskerrors_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskstream/runtime/taskerrors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind taskerrors.Kind
	}{
		{"classified passthrough", taskerrors.Validation("bad query"), taskerrors.KindValidation},
		{"wrapped classified", fmt.Errorf("run: %w", taskerrors.QuotaExceeded("full")), taskerrors.KindQuotaExceeded},
		{"stop sentinel", fmt.Errorf("publish: %w", taskerrors.ErrTaskStopped), taskerrors.KindTaskStopped},
		{"deadline", context.DeadlineExceeded, taskerrors.KindInvocation},
		{"canceled", context.Canceled, taskerrors.KindTaskStopped},
		{"unknown", errors.New("boom"), taskerrors.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := taskerrors.Classify(tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.kind, got.Kind)
		})
	}
	assert.Nil(t, taskerrors.Classify(nil))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Incorrect API key provided", taskerrors.Authorization("401 from provider").Describe())
	assert.Equal(t, "Internal Server Error, please contact support.", taskerrors.Internal("nil pointer").Describe())
	assert.Equal(t, "bad query", taskerrors.Validation("bad query").Describe())
	assert.NotEmpty(t, (&taskerrors.Error{Kind: taskerrors.KindQuotaExceeded}).Describe())
}

func TestStatusAndCode(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, taskerrors.QuotaExceeded("x").HTTPStatus())
	assert.Equal(t, "too_many_requests", taskerrors.QuotaExceeded("x").Code())
	assert.Equal(t, http.StatusBadRequest, taskerrors.Invocation("x", false).HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, taskerrors.Internal("x").HTTPStatus())
	var nilErr *taskerrors.Error
	assert.Equal(t, "internal_server_error", nilErr.Code())
}

func TestIsStopped(t *testing.T) {
	assert.True(t, taskerrors.IsStopped(taskerrors.ErrTaskStopped))
	assert.True(t, taskerrors.IsStopped(taskerrors.New(taskerrors.KindTaskStopped, "")))
	assert.True(t, errors.Is(taskerrors.New(taskerrors.KindTaskStopped, "stopped"), taskerrors.ErrTaskStopped))
	assert.False(t, taskerrors.IsStopped(errors.New("other")))
	assert.False(t, taskerrors.IsStopped(nil))
}

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		kind      taskerrors.Kind
		retryable bool
	}{
		{http.StatusUnauthorized, "", taskerrors.KindAuthorization, false},
		{http.StatusForbidden, "", taskerrors.KindAuthorization, false},
		{http.StatusTooManyRequests, "insufficient_quota", taskerrors.KindQuotaExceeded, false},
		{http.StatusTooManyRequests, "rate_limit_exceeded", taskerrors.KindInvocation, true},
		{http.StatusBadGateway, "", taskerrors.KindInvocation, true},
		{http.StatusBadRequest, "invalid_request_error", taskerrors.KindInvocation, false},
	}
	for _, c := range cases {
		e := taskerrors.FromStatus(c.status, c.code, "upstream said no")
		assert.Equal(t, c.kind, e.Kind, "status %d", c.status)
		assert.Equal(t, c.retryable, e.Retryable, "status %d", c.status)
		assert.Equal(t, "upstream said no", e.Message)
	}
	assert.NotEqual(t, "upstream said no", taskerrors.FromStatus(http.StatusTooManyRequests, "insufficient_quota", "upstream said no").Describe())
}
