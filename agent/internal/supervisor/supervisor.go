// Package supervisor owns the child agent process: spawning it with piped
// stdio, detecting readiness, running commands against it, watching its
// health, and restarting it with backoff when it dies.
//
// The supervisor talks to the control plane only through the Reporter
// interface, implemented by the session manager, so process lifecycle stays
// testable without a WebSocket.
//
// State machine: connecting → ready ↔ busy → stopping → stopped, with error
// reachable from any state. Inputs are OS events (exit, stream close),
// control requests (command, interrupt, restart, stop), and health check
// failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onsembl/onsembl/agent/internal/config"
	"github.com/onsembl/onsembl/agent/internal/metrics"
	"github.com/onsembl/onsembl/agent/internal/stream"
	"github.com/onsembl/onsembl/shared/protocol"
)

const (
	// readyTimeout bounds how long a freshly spawned child may take to
	// print a readiness sentinel before the spawn counts as failed.
	readyTimeout = 30 * time.Second

	// stopGrace is how long a child gets to exit after ETX before SIGKILL.
	stopGrace = 5 * time.Second

	// healthInterval and healthStrikes drive the periodic liveness and
	// resource check: three consecutive failures mean restart.
	healthInterval = 10 * time.Second
	healthStrikes  = 3

	// restartBase and maxRestarts bound the respawn backoff: 1s, 2s, 4s,
	// then give up. The counter resets on a successful ready transition.
	restartBase = time.Second
	maxRestarts = 3

	// interruptGrace is how long the supervisor waits after delivering an
	// interrupt before force-completing the command itself.
	interruptGrace = 2 * time.Second

	// quietComplete is the output-silence window that marks a command done
	// when the agent kind has no prompt sentinel to watch for.
	quietComplete = 2 * time.Second
)

// ErrChildFatal is returned by Run when the child could not be kept alive:
// the spawn/ready cycle failed maxRestarts times in a row. The CLI maps it
// to exit code 4.
var ErrChildFatal = errors.New("supervisor: child process failed fatally")

// ErrNotReady is returned by Submit when the agent cannot accept a command.
var ErrNotReady = errors.New("supervisor: agent is not ready")

// Reporter receives everything the control plane needs to know. Implemented
// by the session manager. Provided to Run rather than New because the
// session is constructed after the supervisor.
type Reporter interface {
	// ReportState is called on every accepted state transition.
	ReportState(state protocol.AgentState, reason string)
	// ReportOutput delivers one processed output chunk of the named command.
	ReportOutput(commandID string, sequence uint64, chunk stream.Chunk)
	// ReportComplete is called exactly once per command.
	ReportComplete(commandID string, exitCode int, errMsg string, interrupted bool)
	// ReportError surfaces supervisor-level failures (spawn, readiness,
	// health) as agent:error frames.
	ReportError(code, message string, recoverable bool)
}

// Config carries the child process parameters, derived from the wrapper
// configuration.
type Config struct {
	Command          string
	Args             []string
	WorkingDirectory string
	// Env is appended to the inherited environment (kind options).
	Env []string
	// ReadySentinels are stdout markers meaning "ready for input". Empty
	// means first output counts as ready and command completion falls back
	// to output silence.
	ReadySentinels  []string
	InterruptSignal config.InterruptSignal
	// OutputBufferSize bounds each stream's partial-line buffer.
	OutputBufferSize int
	// FlushInterval is the cadence on which partial output is flushed.
	FlushInterval time.Duration
	// MaxMemoryMB / MaxCPUPercent are the health check resource bounds;
	// zero disables the respective bound.
	MaxMemoryMB   int
	MaxCPUPercent int
}

type controlAction int

const (
	controlRestart controlAction = iota
	controlStop
)

type controlRequest struct {
	action controlAction
	reason string
}

// activeCommand is the one command currently running against the child.
type activeCommand struct {
	id          string
	startedAt   time.Time
	seq         uint64
	interrupted bool
	quietTimer  *time.Timer // silence-based completion, sentinel-less kinds
	graceTimer  *time.Timer // force completion after interrupt
}

// child is one spawned process instance.
type child struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	exitCode int
	exitErr  error
}

// Supervisor keeps exactly one child process alive and runs commands
// against it. Create with New, then call Run once.
type Supervisor struct {
	cfg       Config
	collector *metrics.Collector
	logger    *zap.Logger

	mu       sync.Mutex
	state    protocol.AgentState
	reporter Reporter
	child    *child
	active   *activeCommand
	readyCh  chan struct{}
	restarts int

	control chan controlRequest

	// outMu serialises scanner Write/Flush between the pipe pumps and the
	// flush ticker.
	outMu  sync.Mutex
	stdout *stream.Scanner
	stderr *stream.Scanner
}

// New creates a Supervisor. collector may not be nil — health checks sample
// resource usage through it.
func New(cfg Config, collector *metrics.Collector, logger *zap.Logger) *Supervisor {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	s := &Supervisor{
		cfg:       cfg,
		collector: collector,
		logger:    logger.Named("supervisor"),
		state:     protocol.AgentStopped,
		control:   make(chan controlRequest, 1),
	}
	s.stdout = stream.NewScanner(protocol.StreamStdout, func(c stream.Chunk) { s.onChunk(c) })
	s.stderr = stream.NewScanner(protocol.StreamStderr, func(c stream.Chunk) { s.onChunk(c) })
	if cfg.OutputBufferSize > 0 {
		s.stdout.SetMaxBuffer(cfg.OutputBufferSize)
		s.stderr.SetMaxBuffer(cfg.OutputBufferSize)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() protocol.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run spawns the child and supervises it until ctx is cancelled, a stop is
// requested, or the restart budget is exhausted. Blocks for the lifetime of
// the wrapper.
func (s *Supervisor) Run(ctx context.Context, reporter Reporter) error {
	s.mu.Lock()
	s.reporter = reporter
	s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			s.setState(protocol.AgentStopped, "wrapper shutting down")
			return nil
		}

		s.setState(protocol.AgentConnecting, "spawning child process")

		ch, err := s.spawn()
		if err != nil {
			s.logger.Error("spawn failed", zap.Error(err))
			reporter.ReportError("SPAWN_FAILED", err.Error(), true)
			s.setState(protocol.AgentError, err.Error())
			if !s.backoff(ctx) {
				return ErrChildFatal
			}
			continue
		}

		if !s.awaitReady(ctx, ch) {
			s.stopChild(ch)
			if ctx.Err() != nil {
				s.setState(protocol.AgentStopped, "wrapper shutting down")
				return nil
			}
			reporter.ReportError("READY_TIMEOUT", "child did not become ready", true)
			s.setState(protocol.AgentError, "readiness timeout")
			if !s.backoff(ctx) {
				return ErrChildFatal
			}
			continue
		}

		s.mu.Lock()
		s.restarts = 0
		s.mu.Unlock()
		s.setState(protocol.AgentReady, "")

		switch reason := s.supervise(ctx, ch); reason {
		case superviseStop:
			s.setState(protocol.AgentStopping, "stop requested")
			s.stopChild(ch)
			s.setState(protocol.AgentStopped, "")
			return nil

		case superviseShutdown:
			s.setState(protocol.AgentStopping, "wrapper shutting down")
			s.stopChild(ch)
			s.setState(protocol.AgentStopped, "")
			return nil

		case superviseRestart:
			s.setState(protocol.AgentStopping, "restart requested")
			s.stopChild(ch)
			continue

		case superviseChildExit:
			s.failActive(ch, "child process exited")
			reporter.ReportError("CHILD_EXIT",
				fmt.Sprintf("child exited unexpectedly with code %d", ch.exitCode), true)
			s.setState(protocol.AgentError, "unexpected child exit")
			if !s.backoff(ctx) {
				return ErrChildFatal
			}

		case superviseUnhealthy:
			s.failActive(ch, "child failed health checks")
			reporter.ReportError("HEALTH_CHECK", "child failed 3 consecutive health checks", true)
			s.setState(protocol.AgentError, "health check failure")
			s.stopChild(ch)
			if !s.backoff(ctx) {
				return ErrChildFatal
			}
		}
	}
}

// Submit runs a command against the child. Only valid in the ready state —
// the server dispatches one command at a time, and the wrapper enforces it.
func (s *Supervisor) Submit(req protocol.CommandRequest) error {
	s.mu.Lock()
	if s.state != protocol.AgentReady || s.child == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, s.state)
	}

	line := req.Command
	if len(req.Args) > 0 {
		line += " " + strings.Join(req.Args, " ")
	}

	active := &activeCommand{id: req.CommandID, startedAt: time.Now()}
	s.active = active
	stdin := s.child.stdin
	s.mu.Unlock()

	s.setState(protocol.AgentBusy, "")

	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		s.setState(protocol.AgentReady, "")
		return fmt.Errorf("supervisor: write command to child: %w", err)
	}

	// Without a prompt sentinel, completion is inferred from output
	// silence; arm the timer now in case the command prints nothing. The
	// output path re-arms the same timer under s.mu, so take it here too,
	// and skip arming if the command already settled.
	if len(s.cfg.ReadySentinels) == 0 {
		s.mu.Lock()
		if s.active == active {
			s.armQuietTimer(active)
		}
		s.mu.Unlock()
	}

	s.logger.Info("command started",
		zap.String("command_id", req.CommandID),
		zap.String("command", req.Command),
	)
	return nil
}

// Interrupt stops the named command: the configured interrupt signal is
// delivered and completion is forced after a short grace if the child does
// not settle on its own.
func (s *Supervisor) Interrupt(commandID, reason string) error {
	s.mu.Lock()
	active := s.active
	ch := s.child
	if active == nil || active.id != commandID || ch == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: command %s is not running", commandID)
	}
	active.interrupted = true
	if active.graceTimer == nil {
		active.graceTimer = time.AfterFunc(interruptGrace, func() {
			s.completeActive(commandID, 130, "interrupt grace elapsed")
		})
	}
	s.mu.Unlock()

	s.logger.Info("interrupting command",
		zap.String("command_id", commandID),
		zap.String("reason", reason),
	)

	switch s.cfg.InterruptSignal {
	case config.InterruptSIGINT:
		if err := ch.cmd.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("supervisor: deliver SIGINT: %w", err)
		}
	default:
		if _, err := ch.stdin.Write([]byte{0x03}); err != nil {
			return fmt.Errorf("supervisor: write ETX: %w", err)
		}
	}
	return nil
}

// Restart asks the run loop to replace the child process. Non-blocking.
func (s *Supervisor) Restart(reason string) {
	select {
	case s.control <- controlRequest{action: controlRestart, reason: reason}:
	default:
	}
}

// Stop asks the run loop to stop the child and return. Non-blocking.
func (s *Supervisor) Stop(reason string) {
	select {
	case s.control <- controlRequest{action: controlStop, reason: reason}:
	default:
	}
}

// spawn starts the child process with piped stdio and begins the output
// pumps and the wait goroutine.
func (s *Supervisor) spawn() (*child, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkingDirectory
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %q: %w", s.cfg.Command, err)
	}

	ch := &child{cmd: cmd, stdin: stdin, exited: make(chan struct{})}

	s.mu.Lock()
	s.child = ch
	s.readyCh = make(chan struct{})
	s.mu.Unlock()
	s.collector.Watch(cmd.Process.Pid)

	s.logger.Info("child started",
		zap.String("command", s.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
	)

	go s.pump(stdout, s.stdout)
	go s.pump(stderr, s.stderr)
	go func() {
		err := cmd.Wait()
		ch.exitErr = err
		ch.exitCode = cmd.ProcessState.ExitCode()
		s.collector.Watch(0)
		close(ch.exited)
	}()

	return ch, nil
}

// pump copies one stream into its scanner until the pipe closes, then
// flushes the tail.
func (s *Supervisor) pump(r io.Reader, sc *stream.Scanner) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.outMu.Lock()
			sc.Write(buf[:n]) //nolint:errcheck // scanner Write cannot fail
			s.outMu.Unlock()
		}
		if err != nil {
			s.outMu.Lock()
			sc.Flush()
			s.outMu.Unlock()
			return
		}
	}
}

// awaitReady waits for a readiness signal from the output path, the child
// exiting early, or the timeout.
func (s *Supervisor) awaitReady(ctx context.Context, ch *child) bool {
	s.mu.Lock()
	ready := s.readyCh
	s.mu.Unlock()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return true
	case <-ch.exited:
		return false
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

type superviseReason int

const (
	superviseChildExit superviseReason = iota
	superviseStop
	superviseRestart
	superviseShutdown
	superviseUnhealthy
)

// supervise watches one ready child until something ends the session. The
// flush ticker and health ticker live here so they stop with the child.
func (s *Supervisor) supervise(ctx context.Context, ch *child) superviseReason {
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()
	health := time.NewTicker(healthInterval)
	defer health.Stop()

	strikes := 0
	for {
		select {
		case <-ctx.Done():
			return superviseShutdown

		case <-ch.exited:
			return superviseChildExit

		case req := <-s.control:
			if req.action == controlStop {
				return superviseStop
			}
			return superviseRestart

		case <-flush.C:
			s.outMu.Lock()
			s.stdout.Flush()
			s.stderr.Flush()
			s.outMu.Unlock()

		case <-health.C:
			if s.healthy(ch) {
				strikes = 0
				continue
			}
			strikes++
			s.logger.Warn("health check failed", zap.Int("strikes", strikes))
			if strikes >= healthStrikes {
				return superviseUnhealthy
			}
		}
	}
}

// healthy checks that the child is alive and within its resource bounds.
func (s *Supervisor) healthy(ch *child) bool {
	select {
	case <-ch.exited:
		return false
	default:
	}

	cpuPct, mem := s.collector.Usage()
	if s.cfg.MaxCPUPercent > 0 && cpuPct > float64(s.cfg.MaxCPUPercent) {
		s.logger.Warn("child over CPU bound", zap.Float64("cpu_percent", cpuPct))
		return false
	}
	if s.cfg.MaxMemoryMB > 0 && mem > uint64(s.cfg.MaxMemoryMB)*1024*1024 {
		s.logger.Warn("child over memory bound", zap.Uint64("memory_bytes", mem))
		return false
	}
	return true
}

// onChunk routes one processed output chunk: readiness detection, command
// attribution with sequence numbers, and completion detection.
func (s *Supervisor) onChunk(c stream.Chunk) {
	s.mu.Lock()

	// Readiness: a sentinel on stdout, or any output at all for kinds
	// without one.
	if s.readyCh != nil && c.Stream == protocol.StreamStdout {
		if len(s.cfg.ReadySentinels) == 0 || s.matchesSentinel(c.Data) {
			close(s.readyCh)
			s.readyCh = nil
		}
	}

	active := s.active
	if active == nil {
		s.mu.Unlock()
		if c.Data != "" {
			s.logger.Debug("output outside command", zap.String("data", c.Data))
		}
		return
	}

	active.seq++
	seq := active.seq
	id := active.id
	reporter := s.reporter

	completed := false
	if c.Stream == protocol.StreamStdout && len(s.cfg.ReadySentinels) > 0 && s.matchesSentinel(c.Data) {
		// The prompt is back: the command is done.
		completed = true
	} else if len(s.cfg.ReadySentinels) == 0 {
		s.armQuietTimer(active)
	}
	s.mu.Unlock()

	reporter.ReportOutput(id, seq, c)
	if completed {
		s.completeActive(id, 0, "")
	}
}

// matchesSentinel reports whether data contains any readiness marker.
// Caller holds s.mu.
func (s *Supervisor) matchesSentinel(data string) bool {
	for _, sentinel := range s.cfg.ReadySentinels {
		if strings.Contains(data, sentinel) {
			return true
		}
	}
	return false
}

// armQuietTimer (re)starts silence-based completion for sentinel-less
// kinds. Caller holds s.mu.
func (s *Supervisor) armQuietTimer(active *activeCommand) {
	if active.quietTimer != nil {
		active.quietTimer.Stop()
	}
	id := active.id
	active.quietTimer = time.AfterFunc(quietComplete, func() {
		s.completeActive(id, 0, "")
	})
}

// completeActive settles the named command exactly once and returns the
// agent to ready.
func (s *Supervisor) completeActive(commandID string, exitCode int, errMsg string) {
	s.mu.Lock()
	active := s.active
	if active == nil || active.id != commandID {
		s.mu.Unlock()
		return
	}
	s.active = nil
	if active.quietTimer != nil {
		active.quietTimer.Stop()
	}
	if active.graceTimer != nil {
		active.graceTimer.Stop()
	}
	interrupted := active.interrupted
	duration := time.Since(active.startedAt)
	reporter := s.reporter
	s.mu.Unlock()

	s.collector.CommandDone(duration)
	s.logger.Info("command finished",
		zap.String("command_id", commandID),
		zap.Int("exit_code", exitCode),
		zap.Bool("interrupted", interrupted),
		zap.Duration("duration", duration),
	)

	reporter.ReportComplete(commandID, exitCode, errMsg, interrupted)

	s.mu.Lock()
	stillUp := s.child != nil && s.state == protocol.AgentBusy
	s.mu.Unlock()
	if stillUp {
		s.setState(protocol.AgentReady, "")
	}
}

// failActive settles the active command as failed when the child dies
// underneath it.
func (s *Supervisor) failActive(ch *child, reason string) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}
	code := ch.exitCode
	if code == 0 {
		code = 1
	}
	s.completeActive(active.id, code, reason)
}

// stopChild performs the graceful stop sequence: ETX to stdin, wait up to
// stopGrace for exit, then SIGKILL.
func (s *Supervisor) stopChild(ch *child) {
	select {
	case <-ch.exited:
		s.detachChild(ch)
		return
	default:
	}

	ch.stdin.Write([]byte{0x03}) //nolint:errcheck // best effort
	ch.stdin.Close()             //nolint:errcheck

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-ch.exited:
	case <-timer.C:
		s.logger.Warn("child did not exit after ETX, killing",
			zap.Int("pid", ch.cmd.Process.Pid),
		)
		ch.cmd.Process.Kill() //nolint:errcheck
		<-ch.exited
	}
	s.detachChild(ch)
}

func (s *Supervisor) detachChild(ch *child) {
	s.mu.Lock()
	if s.child == ch {
		s.child = nil
	}
	s.readyCh = nil
	s.mu.Unlock()
}

// backoff sleeps the restart delay (1s, 2s, 4s) and reports whether another
// attempt is allowed.
func (s *Supervisor) backoff(ctx context.Context) bool {
	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	if attempt > maxRestarts {
		s.logger.Error("restart budget exhausted", zap.Int("attempts", attempt-1))
		return false
	}

	delay := restartBase << (attempt - 1)
	s.logger.Info("restarting child",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// setState applies a lifecycle transition and notifies the reporter.
// Same-state transitions are no-ops.
func (s *Supervisor) setState(state protocol.AgentState, reason string) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = state
	reporter := s.reporter
	s.mu.Unlock()

	s.logger.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(state)),
		zap.String("reason", reason),
	)
	if reporter != nil {
		reporter.ReportState(state, reason)
	}
}
