// Package server supervises the OpenCode API server subprocess: port
// allocation, spawn with injected configuration, readiness gating, exit
// monitoring and crash restart.
//
// The supervisor owns at most one live server at a time. Callers obtain it
// through Start, which either returns the existing instance or runs the
// full start sequence: verify the directory, obtain a port, spawn
// `opencode serve --port <port>`, and poll until the server answers HTTP.
// Only an instance that passed the probe is ever published.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/telecode/internal/flags"
	"github.com/zjrosen/telecode/internal/log"
	"github.com/zjrosen/telecode/internal/opencode"
	"github.com/zjrosen/telecode/internal/pubsub"
	"github.com/zjrosen/telecode/internal/tracing"
)

const (
	// maxForwardBytes caps how much of one child output line reaches the
	// log. The server dumps full JSON payloads at debug level.
	maxForwardBytes = 1024

	// stopReapTimeout bounds how long Stop waits for a killed process to
	// be reaped and its output forwarders to drain.
	stopReapTimeout = 2 * time.Second

	// restartStreakWindow is how close together crashes must land to count
	// as one crash loop for backoff purposes.
	restartStreakWindow = time.Minute

	maxRestartDelay = 30 * time.Second
)

// CommandFactoryFunc builds the exec.Cmd for a server spawn. Tests inject
// factories that run stand-in processes.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Supervisor manages the singleton OpenCode server subprocess.
//
// Locking: startMu serializes entire start sequences, so two spawns can
// never race even when Start is called from many goroutines; mu guards the
// singleton slot and is never held across blocking work, keeping Current
// and Stop responsive while a start is in flight. Neither lock is acquired
// while holding the other in the opposite order.
type Supervisor struct {
	allocator PortAllocator
	prober    ReadinessProber
	flags     *flags.Registry
	tracer    trace.Tracer
	events    *pubsub.Broker[LifecycleEvent]

	binary         string
	port           int
	commandFactory CommandFactoryFunc

	startMu sync.Mutex
	mu      sync.Mutex
	current *Instance

	restartCh chan string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAllocator replaces the port allocator.
func WithAllocator(allocator PortAllocator) Option {
	return func(s *Supervisor) { s.allocator = allocator }
}

// WithProber replaces the readiness prober.
func WithProber(prober ReadinessProber) Option {
	return func(s *Supervisor) { s.prober = prober }
}

// WithFlags wires the feature flag registry. Without it all flags read as
// disabled.
func WithFlags(registry *flags.Registry) Option {
	return func(s *Supervisor) { s.flags = registry }
}

// WithTracer wires a tracer for start-sequence spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Supervisor) { s.tracer = tracer }
}

// WithBinary sets a configured opencode executable path. The OPENCODE_PATH
// environment variable still wins over this.
func WithBinary(path string) Option {
	return func(s *Supervisor) { s.binary = path }
}

// WithPort sets a configured fixed port. The OPENCODE_PORT environment
// variable still wins over this; zero means allocate ephemerally.
func WithPort(port int) Option {
	return func(s *Supervisor) { s.port = port }
}

// WithCommandFactory replaces how spawn commands are constructed.
func WithCommandFactory(factory CommandFactoryFunc) Option {
	return func(s *Supervisor) { s.commandFactory = factory }
}

// New creates a supervisor and starts its restart worker. Callers must
// Close it to release the worker and any live server.
func New(opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		allocator: NewAllocator(),
		prober:    NewProber(),
		tracer:    noop.NewTracerProvider().Tracer("server"),
		events:    pubsub.NewBroker[LifecycleEvent](),
		restartCh: make(chan string, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.restartLoop()
	return s
}

// Start returns the live server instance, spawning one in directory when
// none exists. A live instance is returned unchanged regardless of the
// requested directory: the supervisor owns one server per process lifetime
// and callers are expected to pass a consistent workspace.
//
// Failure modes, in precedence order: DirectoryError before any port or
// process work, AllocationError, SpawnError, ReadinessTimeoutError. Start
// never returns an instance whose server has not answered on its port.
func (s *Supervisor) Start(directory string) (*Instance, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if inst := s.Current(); inst != nil {
		log.Debug(log.CatServer, "Reusing live instance", "id", inst.id, "port", inst.port, "directory", inst.directory)
		return inst, nil
	}
	return s.startSequence(context.Background(), directory)
}

// Current returns the live instance, or nil when none.
func (s *Supervisor) Current() *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop kills the live server and clears the singleton. No-op when nothing
// is live. The stop marker is set before the kill signal so the exit
// monitor never mistakes the forced exit for a crash.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	inst := s.current
	s.current = nil
	s.mu.Unlock()

	if inst == nil {
		return
	}

	inst.markStopped()
	log.Info(log.CatServer, "Stopping server", "id", inst.id, "pid", inst.PID())
	inst.kill()

	select {
	case <-inst.reaped():
	case <-time.After(stopReapTimeout):
		log.Warn(log.CatServer, "Timed out waiting for server exit", "id", inst.id)
	}
}

// Events exposes lifecycle transitions: started, exited, restarting.
func (s *Supervisor) Events() *pubsub.Broker[LifecycleEvent] {
	return s.events
}

// Close stops the restart worker, kills any live server and closes the
// event broker. The supervisor must not be used afterwards.
func (s *Supervisor) Close() {
	s.cancel()
	s.Stop()
	s.wg.Wait()
	s.events.Close()
}

// startSequence runs one full start. Caller holds startMu.
func (s *Supervisor) startSequence(ctx context.Context, directory string) (*Instance, error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixServer+"start",
		trace.WithAttributes(attribute.String(tracing.AttrDirectory, directory)))
	defer span.End()

	if err := checkDirectory(directory); err != nil {
		return nil, failSpan(span, err)
	}

	port, err := s.resolvePort(ctx)
	if err != nil {
		return nil, failSpan(span, err)
	}

	inst, err := s.spawn(ctx, directory, port)
	if err != nil {
		return nil, failSpan(span, err)
	}

	if err := s.probe(ctx, inst); err != nil {
		// The process never becomes the singleton; reap it so nothing
		// keeps running unsupervised. Marking it stopped first keeps the
		// exit monitor from treating the kill as a crash.
		inst.markStopped()
		inst.kill()
		return nil, failSpan(span, err)
	}

	inst.clients = opencode.BuildClients(inst.BaseURL())
	inst.startedAt = time.Now()
	inst.setState(StateReady)

	s.mu.Lock()
	s.current = inst
	s.mu.Unlock()

	span.SetAttributes(attribute.Int(tracing.AttrPort, inst.port), attribute.String(tracing.AttrInstanceID, inst.id))
	s.events.Publish(InstanceStarted, LifecycleEvent{InstanceID: inst.id, Directory: directory, Port: inst.port})
	log.Info(log.CatServer, "Server ready", "id", inst.id, "port", inst.port, "directory", directory, "pid", inst.PID())
	return inst, nil
}

// resolvePort picks the server port: OPENCODE_PORT wins, then a configured
// fixed port, then ephemeral allocation.
func (s *Supervisor) resolvePort(ctx context.Context) (int, error) {
	_, span := s.tracer.Start(ctx, tracing.SpanPrefixServer+"allocate")
	defer span.End()

	if env := os.Getenv(EnvPort); env != "" {
		port, err := strconv.Atoi(env)
		if err != nil || port < 1 || port > 65535 {
			aerr := &AllocationError{Err: fmt.Errorf("invalid %s value %q", EnvPort, env)}
			return 0, failSpan(span, aerr)
		}
		log.Debug(log.CatServer, "Port forced by environment", "port", port)
		span.SetAttributes(attribute.Int(tracing.AttrPort, port), attribute.Bool("forced", true))
		return port, nil
	}

	if s.port > 0 {
		span.SetAttributes(attribute.Int(tracing.AttrPort, s.port), attribute.Bool("forced", true))
		return s.port, nil
	}

	port, err := s.allocator.Allocate()
	if err != nil {
		return 0, failSpan(span, err)
	}
	span.SetAttributes(attribute.Int(tracing.AttrPort, port))
	return port, nil
}

// spawn launches `opencode serve --port <port>` in directory with the
// launch configuration injected through the environment, and hooks up the
// output forwarders and the exit monitor.
func (s *Supervisor) spawn(ctx context.Context, directory string, port int) (*Instance, error) {
	_, span := s.tracer.Start(ctx, tracing.SpanPrefixServer+"spawn",
		trace.WithAttributes(attribute.String(tracing.AttrDirectory, directory), attribute.Int(tracing.AttrPort, port)))
	defer span.End()

	execPath, err := findExecutable(s.binary)
	if err != nil {
		return nil, failSpan(span, &SpawnError{Err: err})
	}

	configJSON, err := launchConfigJSON()
	if err != nil {
		return nil, failSpan(span, &SpawnError{Path: execPath, Err: fmt.Errorf("building launch config: %w", err)})
	}

	args := []string{"serve", "--port", strconv.Itoa(port)}
	var cmd *exec.Cmd
	if s.commandFactory != nil {
		cmd = s.commandFactory(s.ctx, execPath, args...)
	} else {
		cmd = exec.CommandContext(s.ctx, execPath, args...) // #nosec G204 -- executable from discovery, args built internally
	}
	cmd.Dir = directory
	cmd.Env = append(os.Environ(), configEnvVar+"="+configJSON)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, failSpan(span, &SpawnError{Path: execPath, Err: fmt.Errorf("stdout pipe: %w", err)})
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, failSpan(span, &SpawnError{Path: execPath, Err: fmt.Errorf("stderr pipe: %w", err)})
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, failSpan(span, &SpawnError{Path: execPath, Err: err})
	}

	inst := &Instance{
		id:        uuid.NewString(),
		port:      port,
		directory: directory,
		cmd:       cmd,
		state:     StateStarting,
	}

	log.Debug(log.CatServer, "Server process spawned", "id", inst.id, "pid", inst.PID(), "port", port, "directory", directory)

	inst.wg.Add(3)
	go s.forwardOutput(inst, stdout, "stdout")
	go s.forwardOutput(inst, stderr, "stderr")
	go s.monitorExit(inst)

	return inst, nil
}

func (s *Supervisor) probe(ctx context.Context, inst *Instance) error {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixServer+"probe",
		trace.WithAttributes(attribute.Int(tracing.AttrPort, inst.port)))
	defer span.End()

	if err := s.prober.WaitUntilReady(ctx, inst.port); err != nil {
		return failSpan(span, err)
	}
	return nil
}

// forwardOutput relays one child output stream to the log at debug level,
// truncating long lines.
func (s *Supervisor) forwardOutput(inst *Instance, r io.Reader, stream string) {
	defer inst.wg.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > maxForwardBytes {
			line = line[:maxForwardBytes] + "...(truncated)"
		}
		log.Debug(log.CatServer, "Server output", "id", inst.id, "stream", stream, "line", line)
	}
	// cmd.Wait closing the pipes mid-read surfaces here; nothing actionable.
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatServer, "Output scanner closed", "id", inst.id, "stream", stream, "error", err)
	}
}

// monitorExit is the sole caller of cmd.Wait for an instance. It applies
// the exit rules: an instance that reached Ready clears the singleton
// immediately so no caller ever sees a dead server; an abnormal exit queues
// a crash restart unless the instance was stopped explicitly; an exit
// during Starting is left for the pending probe to surface as a readiness
// timeout.
func (s *Supervisor) monitorExit(inst *Instance) {
	defer inst.wg.Done()

	err := inst.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	inst.mu.Lock()
	prevState := inst.state
	stopped := inst.stopped
	inst.state = StateExited
	inst.exitCode = exitCode
	inst.mu.Unlock()

	log.Info(log.CatServer, "Server exited", "id", inst.id, "code", exitCode, "stopped", stopped, "from", prevState.String())

	if prevState != StateReady {
		// Died while starting. The pending start call is still probing and
		// will report a readiness timeout; nothing to clear or restart.
		return
	}

	s.mu.Lock()
	if s.current == inst {
		s.current = nil
	}
	s.mu.Unlock()

	s.events.Publish(InstanceExited, LifecycleEvent{
		InstanceID: inst.id,
		Directory:  inst.directory,
		Port:       inst.port,
		ExitCode:   exitCode,
	})

	if stopped || exitCode == 0 {
		return
	}

	// Abnormal exit: hand the directory to the restart worker. A full
	// channel means a restart is already queued for this directory.
	select {
	case s.restartCh <- inst.directory:
	default:
		log.Warn(log.CatServer, "Restart already queued", "directory", inst.directory)
	}
}

// restartLoop runs crash restarts detached from any caller. Failures are
// logged and dropped: the contract is retry-forever through further crash
// cycles, and there is no caller to surface errors to. With the
// restart-backoff flag enabled, consecutive crashes within a minute space
// their restarts out exponentially instead of spinning.
func (s *Supervisor) restartLoop() {
	defer s.wg.Done()

	var (
		streak      int
		lastAttempt time.Time
	)

	for {
		select {
		case <-s.ctx.Done():
			return
		case directory := <-s.restartCh:
			if time.Since(lastAttempt) > restartStreakWindow {
				streak = 0
			}
			streak++
			lastAttempt = time.Now()

			if streak > 1 && s.flags.Enabled(flags.FlagRestartBackoff) {
				delay := backoffDelay(streak - 1)
				log.Info(log.CatServer, "Delaying restart", "streak", streak, "delay", delay.String())
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(delay):
				}
			}

			s.events.Publish(InstanceRestarting, LifecycleEvent{Directory: directory})
			log.Info(log.CatServer, "Restarting server after abnormal exit", "directory", directory)

			s.startMu.Lock()
			var err error
			if s.Current() == nil {
				_, err = s.startSequence(s.ctx, directory)
			}
			s.startMu.Unlock()

			if err != nil {
				log.ErrorErr(log.CatServer, "Restart failed", err, "directory", directory)
			}
		}
	}
}

// backoffDelay returns the delay before the nth consecutive crash restart,
// doubling from one second up to maxRestartDelay.
func backoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 5 {
		return maxRestartDelay
	}
	return time.Second << (n - 1)
}

// checkDirectory verifies the workspace exists, is a directory and is
// readable. Runs before any port or process work so a precondition failure
// leaks nothing.
func checkDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &DirectoryError{Path: path, Err: err}
	}
	if !info.IsDir() {
		return &DirectoryError{Path: path, Err: fmt.Errorf("not a directory")}
	}

	f, err := os.Open(path)
	if err != nil {
		return &DirectoryError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
		return &DirectoryError{Path: path, Err: err}
	}
	return nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
