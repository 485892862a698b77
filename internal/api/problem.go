package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/fieldsync/internal/backup"
	"github.com/hyperengineering/fieldsync/internal/cache"
	"github.com/hyperengineering/fieldsync/internal/gateway"
	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/validation"
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
	http.StatusUnauthorized: {
		typeURI: "https://fieldsync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://fieldsync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://fieldsync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://fieldsync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusBadGateway: {
		typeURI: "https://fieldsync.dev/errors/upstream-rejected",
		title:   "Upstream Rejected",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://fieldsync.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://fieldsync.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusRequestEntityTooLarge: {
		typeURI: "https://fieldsync.dev/errors/payload-too-large",
		title:   "Payload Too Large",
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
			typeURI: "https://fieldsync.dev/errors/unknown",
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

// UpstreamProblem extends Problem with the upstream response of a rejected
// submission.
type UpstreamProblem struct {
	Problem
	UpstreamStatus int    `json:"upstream_status"`
	UpstreamBody   string `json:"upstream_body,omitempty"`
}

// writeUpstreamRejected writes a 502 problem carrying the upstream response.
func writeUpstreamRejected(w http.ResponseWriter, r *http.Request, rejected *gateway.RejectedError) {
	pt := problemTypes[http.StatusBadGateway]

	p := UpstreamProblem{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusBadGateway,
			Detail:   rejected.Error(),
			Instance: r.URL.Path,
		},
		UpstreamStatus: rejected.StatusCode,
		UpstreamBody:   rejected.Body,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusBadGateway)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *gateway.RejectedError
	var network *gateway.NetworkError

	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, queue.ErrInvalidMutation):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &rejected):
		writeUpstreamRejected(w, r, rejected)
	case errors.As(err, &network):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Upstream unreachable; submission was not queued")
	case errors.Is(err, cache.ErrNoSource):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Reference data source not configured")
	case errors.Is(err, backup.ErrNotConfigured):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Export storage not configured")
	case errors.Is(err, gateway.ErrQueueUnavailable):
		WriteProblem(w, r, http.StatusInternalServerError, "Submission could not be queued locally")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
