// Package interfaces defines the contracts between the front-end, the
// lifecycle engine, the worker pool, and the broker backends.
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/fhegate/internal/models"
)

// Broker is the job queue contract (FIFO per channel, visibility timeout,
// late acknowledgement, at-least-once delivery).
type Broker interface {
	// Enqueue appends an envelope to its channel and returns the assigned
	// task id.
	Enqueue(ctx context.Context, env *models.Envelope) (string, error)

	// Lease claims up to max envelopes from the given channels for worker.
	// A claimed envelope is invisible to other consumers until visibility
	// elapses; an envelope whose lease expired is redelivered. Returns an
	// empty slice when nothing is available.
	Lease(ctx context.Context, channels []string, worker string, max int, visibility time.Duration) ([]*models.Lease, error)

	// MarkStarted flips a lease from reserved to started once the
	// executable is running.
	MarkStarted(ctx context.Context, taskID, worker string) error

	// Ack permanently removes a task from the queue. Called only after the
	// outcome has been published.
	Ack(ctx context.Context, taskID string) error

	// Nack returns a leased task to its channel.
	Nack(ctx context.Context, taskID, reason string) error

	// Revoke marks a task cancelled. If the envelope was still queued it is
	// removed and returned so the caller can record the terminal outcome; a
	// leased task keeps its row flagged so the executing worker aborts and
	// a later lease discards it without executing.
	Revoke(ctx context.Context, taskID string) (*models.Envelope, error)

	// IsRevoked reports whether a task has been flagged for cancellation.
	IsRevoked(ctx context.Context, taskID string) (bool, error)

	// QueuePosition returns the 1-based position and total depth of a
	// queued task within its channel. found is false when the task is not
	// queued.
	QueuePosition(ctx context.Context, taskID string) (position, depth int, found bool, err error)

	// ListQueued returns the queued envelopes of one channel in FIFO order
	// (best-effort, diagnostics and status only).
	ListQueued(ctx context.Context, channel string) ([]*models.Envelope, error)

	// ActiveLease returns the live lease for a task, or nil when no worker
	// holds one.
	ActiveLease(ctx context.Context, taskID string) (*models.Lease, error)

	// ListLeases returns all live leases (best-effort, diagnostics only).
	ListLeases(ctx context.Context) ([]*models.Lease, error)
}

// ResultStore is the TTL'd terminal-outcome store. Absence of a record is
// never an error: an expired or missing entry reads as nil.
type ResultStore interface {
	// Put atomically records a terminal outcome for its task id.
	Put(ctx context.Context, outcome *models.Outcome) error

	// Get returns the outcome for a task id, or nil when no live record
	// exists.
	Get(ctx context.Context, taskID string) (*models.Outcome, error)

	// Delete removes a record (housekeeping and tests).
	Delete(ctx context.Context, taskID string) error

	// PurgeExpired removes records past their TTL.
	PurgeExpired(ctx context.Context) (int, error)
}
