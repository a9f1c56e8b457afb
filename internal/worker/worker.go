// Package worker provides background task infrastructure: the errgroup
// runner and the visibility-gated pollers that keep git and screen state
// fresh while a client is connected and watching.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name returns a human-readable identifier for logging.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
