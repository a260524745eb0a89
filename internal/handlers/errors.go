package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"peerprep/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// apiError maps a service error onto the PocketBase API error for its class.
func apiError(err error) error {
	data := map[string]any{"code": status.Code(err)}
	msg := err.Error()

	switch {
	case errors.Is(err, status.ErrValidation):
		return apis.NewBadRequestError(msg, data)
	case errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError(msg, data)
	case errors.Is(err, status.ErrForbidden):
		return apis.NewForbiddenError(msg, data)
	case errors.Is(err, status.ErrConflict),
		errors.Is(err, status.ErrAlreadyPending),
		errors.Is(err, status.ErrLineLocked):
		return apis.NewApiError(http.StatusConflict, msg, data)
	case errors.Is(err, status.ErrNotReady),
		errors.Is(err, status.ErrTransientDependency),
		errors.Is(err, status.ErrNoExercise):
		return apis.NewApiError(http.StatusServiceUnavailable, msg, data)
	case errors.Is(err, status.ErrTimeout):
		return apis.NewApiError(http.StatusRequestTimeout, msg, data)
	}

	slog.Error("unhandled error", "error", err)
	return apis.NewInternalServerError("Something went wrong", nil)
}

// requestUser resolves the caller: the authenticated record when there is one,
// else the X-User-ID header set by the gateway, else the fallback from the body
// or query string.
func requestUser(e *core.RequestEvent, fallback string) string {
	if e.Auth != nil {
		return e.Auth.Id
	}
	if id := strings.TrimSpace(e.Request.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}
