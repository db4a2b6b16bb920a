package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/basketd/basketd/internal/persist"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusBadRequest: {
		typeURI: "https://basketd.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://basketd.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://basketd.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://basketd.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusInsufficientStorage: {
		typeURI: "https://basketd.dev/errors/storage-full",
		title:   "Insufficient Storage",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://basketd.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusInternalServerError: {
		typeURI: "https://basketd.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://basketd.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapPersistError converts domain errors to Problem Details responses.
func MapPersistError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, persist.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Shopping list not found")
	case errors.Is(err, persist.ErrCorrupted):
		WriteProblem(w, r, http.StatusInternalServerError, "Shopping list is corrupted and could not be recovered")
	case errors.Is(err, store.ErrQuotaExceeded):
		WriteProblem(w, r, http.StatusInsufficientStorage, "Local storage quota exceeded")
	case errors.Is(err, store.ErrUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Local storage unavailable")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
