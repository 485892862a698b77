package queue

import "errors"

// ErrInvalidMutation is returned by Enqueue when the endpoint or fields are
// unusable for a later replay.
var ErrInvalidMutation = errors.New("invalid mutation")

// ErrClosed is returned by Flush once the manager has been closed.
var ErrClosed = errors.New("queue manager closed")
