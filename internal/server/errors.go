package server

import "fmt"

// DirectoryError indicates the requested working directory is missing or not
// accessible. It is raised before any port allocation or process work, so a
// precondition failure leaks no resources.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("server: directory %q not usable: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// AllocationError indicates no port could be obtained for the server, either
// because the OS refused the bind or the bound address could not be read
// back. Starting again may succeed.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("server: port allocation failed: %v", e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// SpawnError indicates the OS failed to create the server process, including
// the case where no opencode executable could be located.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("server: spawn failed: %v", e.Err)
	}
	return fmt.Sprintf("server: spawn %q failed: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ReadinessTimeoutError indicates a spawned server never answered its health
// endpoint within the attempt budget. This is also what a caller sees when
// the process died before ever becoming healthy: there is no separate
// early-death signal.
type ReadinessTimeoutError struct {
	Port     int
	Attempts int
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("server: not ready on port %d after %d attempts", e.Port, e.Attempts)
}

// Ensure all error types implement error at compile time.
var (
	_ error = (*DirectoryError)(nil)
	_ error = (*AllocationError)(nil)
	_ error = (*SpawnError)(nil)
	_ error = (*ReadinessTimeoutError)(nil)
)
