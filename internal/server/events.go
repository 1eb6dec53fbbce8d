package server

import "github.com/zjrosen/telecode/internal/pubsub"

// Lifecycle event types published on the supervisor's broker.
const (
	// InstanceStarted fires once an instance passes its readiness probe.
	InstanceStarted pubsub.EventType = "instance-started"
	// InstanceExited fires when a ready instance's process terminates.
	InstanceExited pubsub.EventType = "instance-exited"
	// InstanceRestarting fires when a crash restart is about to run.
	InstanceRestarting pubsub.EventType = "instance-restarting"
)

// LifecycleEvent describes one transition of the supervised server.
type LifecycleEvent struct {
	InstanceID string
	Directory  string
	Port       int
	// ExitCode is meaningful only on InstanceExited.
	ExitCode int
}
