package server

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/zjrosen/telecode/internal/opencode"
)

// Instance is the handle for one running OpenCode server. Instances are
// created by the supervisor and published as the singleton only after the
// readiness probe succeeds, so holders never see a server that has not
// answered on its port at least once.
type Instance struct {
	id        string
	port      int
	directory string
	cmd       *exec.Cmd

	clients   opencode.Clients
	startedAt time.Time

	mu       sync.Mutex
	state    InstanceState
	stopped  bool
	exitCode int

	// wg tracks the output forwarders and the exit monitor.
	wg sync.WaitGroup
}

// ID returns the unique identifier assigned at spawn time.
func (i *Instance) ID() string { return i.id }

// Port returns the port the server was told to listen on.
func (i *Instance) Port() int { return i.port }

// Directory returns the working directory the server was spawned in.
func (i *Instance) Directory() string { return i.directory }

// BaseURL returns the loopback URL the server answers on.
func (i *Instance) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.port)
}

// Clients returns the API clients bound to this instance's base URL.
func (i *Instance) Clients() opencode.Clients { return i.clients }

// StartedAt returns when the instance became ready.
func (i *Instance) StartedAt() time.Time { return i.startedAt }

// PID returns the OS process id, or zero before the process started.
func (i *Instance) PID() int {
	if i.cmd != nil && i.cmd.Process != nil {
		return i.cmd.Process.Pid
	}
	return 0
}

// State returns the current lifecycle state.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// ExitCode returns the process exit code. Meaningful only once State
// reports StateExited; killed processes report -1.
func (i *Instance) ExitCode() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode
}

// setState transitions the lifecycle state. Exited is terminal.
func (i *Instance) setState(state InstanceState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state.IsTerminal() {
		return
	}
	i.state = state
}

// markStopped records that the upcoming exit is an explicit stop, so the
// exit monitor must not schedule a restart. Called before the kill signal
// is sent; the ordering is what keeps stop and crash distinguishable.
func (i *Instance) markStopped() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopped = true
}

// kill sends an unconditional SIGKILL. There is no graceful handshake: the
// server holds no state worth flushing and its sessions live on disk.
func (i *Instance) kill() {
	if i.cmd != nil && i.cmd.Process != nil {
		_ = i.cmd.Process.Kill()
	}
}

// reaped returns a channel closed once the exit monitor and both output
// forwarders have finished.
func (i *Instance) reaped() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	return done
}
