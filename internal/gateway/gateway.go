// Package gateway routes a form submission to the upstream when online and
// to the mutation queue when offline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/fieldsync/internal/metrics"
	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// QueuedMessage is shown to the user when a submission is deferred.
const QueuedMessage = "Sin conexión: acción encolada. Se enviará automáticamente al reconectarse."

// ErrQueueUnavailable means an offline submission could not be persisted.
// The write was not accepted and must be surfaced to the user.
var ErrQueueUnavailable = errors.New("local queue unavailable")

// RejectedError is an upstream non-2xx answer to an online submission.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream rejected submission with status %d", e.StatusCode)
}

// NetworkError is a transport failure on an online submission.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "upstream unreachable: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConnectivityChecker reports the current connectivity state.
type ConnectivityChecker interface {
	IsOnline() bool
}

// Enqueuer persists a deferred submission.
type Enqueuer interface {
	Enqueue(ctx context.Context, endpoint string, fields types.Fields, description string) (string, error)
}

// Submission is one form submission from the field UI.
type Submission struct {
	Endpoint    string
	Fields      types.Fields
	Description string
}

// Result describes what happened to a submission.
type Result struct {
	Queued     bool   `json:"queued"`
	MutationID string `json:"mutation_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Gateway dispatches submissions.
type Gateway struct {
	conn   ConnectivityChecker
	poster queue.Poster
	queue  Enqueuer
}

// New creates a gateway.
func New(conn ConnectivityChecker, poster queue.Poster, q Enqueuer) *Gateway {
	return &Gateway{conn: conn, poster: poster, queue: q}
}

// Submit sends the submission now if online, otherwise queues it. Online
// failures are returned to the caller and never queued. Connectivity is read
// once, immediately before dispatch.
func (g *Gateway) Submit(ctx context.Context, s Submission) (*Result, error) {
	if !g.conn.IsOnline() {
		return g.enqueue(ctx, s)
	}

	resp, err := g.poster.Post(ctx, s.Endpoint, s.Fields)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("network_error").Inc()
		slog.Warn("online submission failed",
			"component", "gateway",
			"endpoint", s.Endpoint,
			"error", err,
		)
		return nil, &NetworkError{Err: err}
	}
	if !resp.Success() {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("online submission rejected",
			"component", "gateway",
			"endpoint", s.Endpoint,
			"status_code", resp.StatusCode,
		)
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	metrics.SubmissionsTotal.WithLabelValues("sent").Inc()
	return &Result{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

func (g *Gateway) enqueue(ctx context.Context, s Submission) (*Result, error) {
	id, err := g.queue.Enqueue(ctx, s.Endpoint, s.Fields, s.Description)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidMutation) {
			return nil, err
		}
		metrics.SubmissionsTotal.WithLabelValues("storage_error").Inc()
		slog.Error("failed to queue offline submission",
			"component", "gateway",
			"endpoint", s.Endpoint,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	metrics.SubmissionsTotal.WithLabelValues("queued").Inc()
	return &Result{Queued: true, MutationID: id, Message: QueuedMessage}, nil
}
