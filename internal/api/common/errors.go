package common

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/requirements"
	"github.com/stacklok/collection-registry/internal/service"
	"github.com/stacklok/collection-registry/internal/tasking"
)

// StatusForError maps a service error to an HTTP status code
func StatusForError(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, requirements.ErrMalformedDocument),
		errors.Is(err, requirements.ErrSchemaViolation),
		errors.Is(err, artifact.ErrDigestMismatch),
		errors.Is(err, artifact.ErrUnsupportedDigest),
		errors.Is(err, catalog.ErrInvalidVersion):
		return http.StatusBadRequest
	case errors.Is(err, artifact.ErrTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, artifact.ErrNotFound),
		errors.Is(err, tasking.ErrJobNotFound),
		errors.Is(err, service.ErrRemoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, tasking.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes err with the status from StatusForError. Internal
// errors are logged and reported without details.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		WriteErrorResponse(w, "internal server error", status)
		return
	}
	WriteErrorResponse(w, err.Error(), status)
}
