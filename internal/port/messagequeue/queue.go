// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the engine's NATS traffic. All run.* and gavel.*
// subjects except gavel.decision are outbound fire-and-forget notifications;
// gavel.decision is the one inbound subject (remote approve/reject).
const (
	SubjectRunLifecycle = "troupe.run.lifecycle" // run status transitions
	SubjectRunProgress  = "troupe.run.progress"  // progress percentage updates
	SubjectRunRetry     = "troupe.run.retry"     // action retry notifications
	SubjectRunOutput    = "troupe.run.output"    // final output delivery to the host surface

	SubjectGavelRequested = "troupe.gavel.requested" // a checkpoint awaits a human
	SubjectGavelResolved  = "troupe.gavel.resolved"  // checkpoint settled
	SubjectGavelDecision  = "troupe.gavel.decision"  // inbound: remote approve/reject
)
