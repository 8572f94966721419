package logging

import "context"

const (
	GroupEvents  = "events"
	GroupCrashes = "crashes"
)

// Log is a single telemetry record. Concrete types are registered with a
// Serializer under their Type tag.
type Log interface {
	Type() string
	Common() *Base
}

// Enqueuer accepts logs for durable delivery. Enqueue returns once the log is
// persisted locally; it never waits on the network.
type Enqueuer interface {
	Enqueue(ctx context.Context, group string, log Log) error
}

// Listener observes a group's delivery lifecycle.
type Listener interface {
	OnBeforeSending(log Log)
	OnSuccess(log Log)
	OnFailure(log Log, err error)
}
