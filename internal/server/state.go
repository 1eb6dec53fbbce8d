package server

// InstanceState tracks where a supervised server is in its lifecycle.
type InstanceState int

const (
	// StateStarting means the process has been spawned but has not yet
	// answered its health endpoint.
	StateStarting InstanceState = iota
	// StateReady means the readiness probe succeeded and the instance is
	// published as the singleton.
	StateReady
	// StateExited means the process has terminated. Terminal.
	StateExited
)

// String returns the human-readable state name.
func (s InstanceState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state admits no further transitions.
func (s InstanceState) IsTerminal() bool {
	return s == StateExited
}
