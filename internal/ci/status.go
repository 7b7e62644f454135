package ci

import (
	"errors"
	"net"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/micros-ai/micros/internal/db"
)

// MapStatus folds the GitLab pipeline status alphabet into the internal
// one.
func MapStatus(remote string) db.PipelineStatus {
	switch remote {
	case "created", "waiting_for_resource", "preparing", "pending":
		return db.PipelinePending
	case "running":
		return db.PipelineRunning
	case "success":
		return db.PipelineSuccess
	case "failed":
		return db.PipelineFailed
	case "canceled", "skipped", "manual":
		return db.PipelineCanceled
	default:
		return db.PipelinePending
	}
}

// IsRetryable classifies a CI error: transport failures and 5xx responses
// are retriable, 4xx is terminal.
func IsRetryable(err error, statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	if statusCode >= 400 {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Context deadline and connection resets arrive as plain wrapped
	// errors from the HTTP client.
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "EOF")
}

// StatusCode extracts the HTTP status from a go-gitlab error response,
// zero when absent.
func StatusCode(err error) int {
	var gerr *gogitlab.ErrorResponse
	if errors.As(err, &gerr) && gerr.Response != nil {
		return gerr.Response.StatusCode
	}
	return 0
}
