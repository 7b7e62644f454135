package ci

import (
	"errors"
	"net/http"
	"testing"

	gogitlab "gitlab.com/gitlab-org/api/client-go"
	"github.com/stretchr/testify/assert"

	"github.com/micros-ai/micros/internal/db"
)

func TestMapStatus(t *testing.T) {
	cases := map[string]db.PipelineStatus{
		"created":              db.PipelinePending,
		"waiting_for_resource": db.PipelinePending,
		"preparing":            db.PipelinePending,
		"pending":              db.PipelinePending,
		"running":              db.PipelineRunning,
		"success":              db.PipelineSuccess,
		"failed":               db.PipelineFailed,
		"canceled":             db.PipelineCanceled,
		"skipped":              db.PipelineCanceled,
		"manual":               db.PipelineCanceled,
		"something-new":        db.PipelinePending,
	}
	for remote, want := range cases {
		assert.Equal(t, want, MapStatus(remote), remote)
	}
}

func TestIsRetryable(t *testing.T) {
	err := errors.New("dial tcp: connection refused")

	assert.True(t, IsRetryable(err, 502))
	assert.True(t, IsRetryable(err, 500))
	assert.False(t, IsRetryable(err, 404))
	assert.False(t, IsRetryable(err, 409))
	assert.True(t, IsRetryable(err, 0), "transport error without a response")
	assert.False(t, IsRetryable(errors.New("invalid argument"), 0))
}

func TestStatusCode(t *testing.T) {
	gerr := &gogitlab.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusConflict},
	}
	assert.Equal(t, http.StatusConflict, StatusCode(gerr))
	assert.Equal(t, 0, StatusCode(errors.New("plain")))
}
