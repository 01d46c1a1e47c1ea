// Package router owns the command lifecycle: it queues submissions per
// agent, dispatches them one at a time in priority order, relays terminal
// output to subscribed dashboards, and drives every command to exactly one
// terminal state.
//
// Concurrency model: one mutex guards the queue and active-command tables.
// Wire and database side effects happen outside the lock, and the per-agent
// invariant (at most one dispatched command) is maintained by the tables,
// not by goroutine ownership. Frames from one agent arrive on that agent's
// read pump, so output for a command is always relayed before the terminal
// status derived from its command:complete.
//
// Execution time is measured here, dispatch to terminal transition, on the
// router's own clock. Wrapper-reported durations are ignored so one clock is
// authoritative.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/server/internal/audit"
	"github.com/onsembl/onsembl/server/internal/db"
	"github.com/onsembl/onsembl/server/internal/repositories"
	"github.com/onsembl/onsembl/shared/protocol"
)

const (
	// DefaultCommandTimeout bounds commands that do not name their own.
	DefaultCommandTimeout = 5 * time.Minute

	// interruptGrace is how long the wrapper gets to deliver a
	// command:complete after an interrupt before the router closes the
	// record itself.
	interruptGrace = 2 * time.Second
)

// ErrQueueFull is returned by Submit when the target agent's queue is at
// capacity. The API layer maps it to an error{QUEUE_CLOSED} frame.
var ErrQueueFull = errors.New("router: queue full")

// ErrUnknownAgent is returned for submissions naming an agent that is not in
// the directory.
var ErrUnknownAgent = errors.New("router: unknown agent")

// ErrAgentStopping rejects submissions to an agent that is winding down and
// will not accept new work.
var ErrAgentStopping = errors.New("router: agent is stopping")

// AgentDirectory is the registry surface the router needs.
type AgentDirectory interface {
	Known(agentID uuid.UUID) bool
	Status(agentID uuid.UUID) protocol.AgentState
	SetStatus(agentID uuid.UUID, to protocol.AgentState) error
}

// ConnSink delivers frames. Implemented by the connection manager.
type ConnSink interface {
	SendToAgent(agentID uuid.UUID, frame *protocol.Frame) bool
	BroadcastAgentEvent(agentID uuid.UUID, frame *protocol.Frame)
	BroadcastDashboards(frame *protocol.Frame)
}

// Recorder is the audit surface the router needs.
type Recorder interface {
	Record(ev audit.Event) error
}

// active tracks one dispatched command.
type active struct {
	cmdID        uuid.UUID
	agentID      uuid.UUID
	req          *protocol.CommandRequest
	priority     protocol.Priority
	requester    string
	dispatchedAt time.Time
	running      bool
	lastSeq      uint64
	interrupted  bool

	timeout   *time.Timer
	graceTime *time.Timer
}

// Router is safe for concurrent use from every connection read pump.
type Router struct {
	mu       sync.Mutex
	queues   map[uuid.UUID]*agentQueue
	active   map[uuid.UUID]*active // keyed by agent id
	byCmd    map[uuid.UUID]uuid.UUID
	queueCap int

	repo    repositories.CommandRepository
	agents  AgentDirectory
	conns   ConnSink
	auditor Recorder
	logger  *zap.Logger

	defaultTimeout time.Duration
}

// Config for a Router. Zero QueueCap and DefaultTimeout select the package
// defaults.
type Config struct {
	Repo           repositories.CommandRepository
	Agents         AgentDirectory
	Conns          ConnSink
	Auditor        Recorder
	Logger         *zap.Logger
	QueueCap       int
	DefaultTimeout time.Duration
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCommandTimeout
	}
	return &Router{
		queues:         make(map[uuid.UUID]*agentQueue),
		active:         make(map[uuid.UUID]*active),
		byCmd:          make(map[uuid.UUID]uuid.UUID),
		queueCap:       cfg.QueueCap,
		repo:           cfg.Repo,
		agents:         cfg.Agents,
		conns:          cfg.Conns,
		auditor:        cfg.Auditor,
		logger:         cfg.Logger.Named("router"),
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// Submit queues a command for its target agent and attempts a dispatch.
// Queuing succeeds even when the agent is offline — the command waits until
// the agent reconnects and reports ready.
func (r *Router) Submit(ctx context.Context, requester string, req *protocol.CommandRequest) error {
	cmdID, err := uuid.Parse(req.CommandID)
	if err != nil {
		return fmt.Errorf("router: command id: %w", err)
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		return fmt.Errorf("router: agent id: %w", err)
	}
	if !r.agents.Known(agentID) {
		return ErrUnknownAgent
	}
	if r.agents.Status(agentID) == protocol.AgentStopping {
		return ErrAgentStopping
	}

	r.mu.Lock()
	q := r.queueFor(agentID)
	if q.full() {
		r.mu.Unlock()
		return ErrQueueFull
	}
	r.mu.Unlock()

	record := commandRecord(cmdID, agentID, requester, req)
	if err := r.repo.Create(ctx, record); err != nil {
		return fmt.Errorf("router: persist command: %w", err)
	}

	r.mu.Lock()
	// Re-check under the lock; a concurrent Submit may have filled the
	// queue while the row was being written.
	q = r.queueFor(agentID)
	if q.full() {
		r.mu.Unlock()
		_ = r.repo.Finish(ctx, cmdID, string(protocol.CommandCancelled), nil, "queue full", 0)
		return ErrQueueFull
	}
	q.push(&pending{req: req, cmdID: cmdID, priority: req.Priority})
	r.byCmd[cmdID] = agentID
	r.mu.Unlock()

	r.logger.Info("command queued",
		zap.String("command_id", cmdID.String()),
		zap.String("agent_id", agentID.String()),
		zap.String("priority", string(req.Priority)),
	)
	_ = r.auditor.Record(audit.Event{
		ID:        uuid.New(),
		Kind:      audit.EventCommandSent,
		AgentID:   &agentID,
		CommandID: &cmdID,
		Details:   map[string]any{"command": req.Command, "priority": string(req.Priority)},
	})

	r.broadcastStatus(cmdID, agentID, protocol.CommandQueued, nil, "", 0)
	r.broadcastQueue(agentID)
	r.TryDispatch(ctx, agentID)
	return nil
}

// TryDispatch sends the next queued command to the agent if it is ready and
// idle. Called after Submit, after a completion, and when an agent reports
// ready.
func (r *Router) TryDispatch(ctx context.Context, agentID uuid.UUID) {
	r.mu.Lock()
	if _, busy := r.active[agentID]; busy {
		r.mu.Unlock()
		return
	}
	if r.agents.Status(agentID) != protocol.AgentReady {
		r.mu.Unlock()
		return
	}
	p := r.queueFor(agentID).pop()
	if p == nil {
		r.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	a := &active{
		cmdID:        p.cmdID,
		agentID:      agentID,
		req:          p.req,
		priority:     p.priority,
		dispatchedAt: now,
	}
	a.timeout = time.AfterFunc(r.timeoutFor(p.req), func() {
		r.onTimeout(a.cmdID)
	})
	r.active[agentID] = a
	r.mu.Unlock()

	frame, err := protocol.NewFrame(protocol.TypeCommandRequest, p.req)
	if err != nil {
		r.logger.Error("encode dispatch", zap.Error(err))
		r.requeueUndelivered(ctx, agentID)
		return
	}
	if !r.conns.SendToAgent(agentID, frame) {
		// Session vanished between the ready check and the send. The wrapper
		// never saw the command, so it is safe to put back at the head of
		// its lane.
		r.requeueUndelivered(ctx, agentID)
		return
	}

	if err := r.repo.MarkDispatched(ctx, p.cmdID, now); err != nil {
		r.logger.Warn("persist dispatch", zap.String("command_id", p.cmdID.String()), zap.Error(err))
	}
	if err := r.agents.SetStatus(agentID, protocol.AgentBusy); err != nil {
		r.logger.Debug("busy transition", zap.Error(err))
	}

	r.logger.Info("command dispatched",
		zap.String("command_id", p.cmdID.String()),
		zap.String("agent_id", agentID.String()),
	)
	r.broadcastStatus(p.cmdID, agentID, protocol.CommandDispatched, nil, "", 0)
	r.broadcastQueue(agentID)
}

// OnOutput relays one terminal:output frame. The original frame is forwarded
// untouched so optional fields the server does not model survive the hop.
// Duplicate sequence numbers are dropped; gaps are logged and tolerated.
func (r *Router) OnOutput(frame *protocol.Frame, out *protocol.TerminalOutput) {
	cmdID, err := uuid.Parse(out.CommandID)
	if err != nil {
		return
	}

	r.mu.Lock()
	agentID, known := r.byCmd[cmdID]
	a := r.active[agentID]
	if !known || a == nil || a.cmdID != cmdID {
		r.mu.Unlock()
		r.logger.Debug("output for inactive command dropped", zap.String("command_id", out.CommandID))
		return
	}
	if out.Sequence <= a.lastSeq {
		r.mu.Unlock()
		return
	}
	if out.Sequence != a.lastSeq+1 {
		r.logger.Warn("output sequence gap",
			zap.String("command_id", out.CommandID),
			zap.Uint64("expected", a.lastSeq+1),
			zap.Uint64("got", out.Sequence),
		)
	}
	a.lastSeq = out.Sequence
	firstOutput := !a.running
	a.running = true
	r.mu.Unlock()

	if firstOutput {
		if err := r.repo.MarkRunning(context.Background(), cmdID); err != nil {
			r.logger.Debug("persist running", zap.Error(err))
		}
		r.broadcastStatus(cmdID, agentID, protocol.CommandRunning, nil, "", 0)
	}
	r.conns.BroadcastAgentEvent(agentID, frame)
}

// OnComplete settles a command from its wrapper's command:complete frame.
func (r *Router) OnComplete(ctx context.Context, agentID uuid.UUID, p *protocol.CommandComplete) {
	cmdID, err := uuid.Parse(p.CommandID)
	if err != nil {
		return
	}

	status := protocol.CommandCompleted
	switch {
	case p.Interrupted:
		status = protocol.CommandInterrupted
	case p.ExitCode != 0:
		status = protocol.CommandFailed
	}

	exitCode := p.ExitCode
	r.finish(ctx, cmdID, status, &exitCode, p.Error)
}

// finish drives a command to its terminal state exactly once and frees the
// agent for the next dispatch.
func (r *Router) finish(ctx context.Context, cmdID uuid.UUID, status protocol.CommandState, exitCode *int, errMsg string) {
	r.mu.Lock()
	agentID, known := r.byCmd[cmdID]
	if !known {
		r.mu.Unlock()
		return
	}
	a := r.active[agentID]
	if a == nil || a.cmdID != cmdID {
		r.mu.Unlock()
		return
	}
	a.timeout.Stop()
	if a.graceTime != nil {
		a.graceTime.Stop()
	}
	execTime := time.Since(a.dispatchedAt)
	lastSeq := a.lastSeq
	delete(r.active, agentID)
	delete(r.byCmd, cmdID)
	r.mu.Unlock()

	if err := r.repo.Finish(ctx, cmdID, string(status), exitCode, errMsg, execTime); err != nil {
		r.logger.Warn("persist terminal state",
			zap.String("command_id", cmdID.String()),
			zap.Error(err),
		)
	}
	if r.agents.Status(agentID) == protocol.AgentBusy {
		if err := r.agents.SetStatus(agentID, protocol.AgentReady); err != nil {
			r.logger.Debug("ready transition", zap.Error(err))
		}
	}

	r.logger.Info("command finished",
		zap.String("command_id", cmdID.String()),
		zap.String("agent_id", agentID.String()),
		zap.String("status", string(status)),
		zap.Duration("execution_time", execTime),
	)
	_ = r.auditor.Record(audit.Event{
		ID:        uuid.New(),
		Kind:      audit.EventCommandCompleted,
		AgentID:   &agentID,
		CommandID: &cmdID,
		Details:   map[string]any{"status": string(status), "error": errMsg},
	})

	// A failure with no exit code was synthesized here, not reported by the
	// wrapper. Subscribed dashboards get a final output line naming the
	// cause, since no process output explains the termination.
	if status == protocol.CommandFailed && exitCode == nil && errMsg != "" {
		r.emitCause(cmdID, agentID, lastSeq+1, errMsg)
	}
	r.broadcastStatus(cmdID, agentID, status, exitCode, errMsg, execTime.Milliseconds())
	r.TryDispatch(ctx, agentID)
}

// emitCause publishes a synthetic terminal:output frame closing out a command
// the wrapper never completed.
func (r *Router) emitCause(cmdID, agentID uuid.UUID, seq uint64, cause string) {
	frame, err := protocol.NewFrame(protocol.TypeTerminalOutput, protocol.TerminalOutput{
		CommandID: cmdID.String(),
		AgentID:   agentID.String(),
		Data:      "command terminated by server: " + cause + "\n",
		Stream:    protocol.StreamStderr,
		Sequence:  seq,
	})
	if err != nil {
		return
	}
	r.conns.BroadcastAgentEvent(agentID, frame)
}

// Interrupt stops the named command. Queued commands are cancelled in place;
// a dispatched command is forwarded to its wrapper, which gets a short grace
// to report completion before the router settles the record itself.
func (r *Router) Interrupt(ctx context.Context, cmdID uuid.UUID, reason string) error {
	r.mu.Lock()
	agentID, known := r.byCmd[cmdID]
	if !known {
		r.mu.Unlock()
		return fmt.Errorf("router: command %s not found", cmdID)
	}

	if a := r.active[agentID]; a != nil && a.cmdID == cmdID {
		if !a.interrupted {
			a.interrupted = true
			// A wrapper that never acknowledges the interrupt gets its
			// record force-failed when the grace runs out.
			a.graceTime = time.AfterFunc(interruptGrace, func() {
				r.finish(context.Background(), cmdID, protocol.CommandFailed, nil, "timeout")
			})
		}
		r.mu.Unlock()

		frame, err := protocol.NewFrame(protocol.TypeCommandInterrupt, protocol.CommandInterrupt{
			CommandID: cmdID.String(),
			Reason:    reason,
		})
		if err != nil {
			return err
		}
		if !r.conns.SendToAgent(agentID, frame) {
			// No session to deliver to; settle immediately.
			r.finish(ctx, cmdID, protocol.CommandInterrupted, nil, reason)
		}
		return nil
	}

	// Still queued: remove and cancel without involving the agent.
	removed := r.queueFor(agentID).remove(cmdID)
	delete(r.byCmd, cmdID)
	r.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("router: command %s not found", cmdID)
	}
	if err := r.repo.Finish(ctx, cmdID, string(protocol.CommandCancelled), nil, reason, 0); err != nil {
		r.logger.Warn("persist cancel", zap.Error(err))
	}
	r.broadcastStatus(cmdID, agentID, protocol.CommandCancelled, nil, reason, 0)
	r.broadcastQueue(agentID)
	return nil
}

// EmergencyStop cancels every queued command and interrupts every running
// one across the agents in scope. An empty scope means the whole fleet.
func (r *Router) EmergencyStop(ctx context.Context, scope []uuid.UUID, reason string) {
	if reason == "" {
		reason = "emergency stop"
	}

	r.mu.Lock()
	if len(scope) == 0 {
		seen := make(map[uuid.UUID]struct{})
		for agentID := range r.queues {
			seen[agentID] = struct{}{}
		}
		for agentID := range r.active {
			seen[agentID] = struct{}{}
		}
		for agentID := range seen {
			scope = append(scope, agentID)
		}
	}

	type cancelled struct {
		cmdID   uuid.UUID
		agentID uuid.UUID
	}
	var dropped []cancelled
	var interrupts []uuid.UUID
	for _, agentID := range scope {
		for _, p := range r.queueFor(agentID).drain() {
			delete(r.byCmd, p.cmdID)
			dropped = append(dropped, cancelled{cmdID: p.cmdID, agentID: agentID})
		}
		if a := r.active[agentID]; a != nil {
			interrupts = append(interrupts, a.cmdID)
		}
	}
	r.mu.Unlock()

	r.logger.Warn("emergency stop",
		zap.Int("agents", len(scope)),
		zap.Int("cancelled", len(dropped)),
		zap.Int("interrupted", len(interrupts)),
		zap.String("reason", reason),
	)
	_ = r.auditor.Record(audit.Event{
		ID:      uuid.New(),
		Kind:    audit.EventEmergencyStop,
		Details: map[string]any{"agents": len(scope), "reason": reason},
	})

	for _, c := range dropped {
		if err := r.repo.Finish(ctx, c.cmdID, string(protocol.CommandCancelled), nil, reason, 0); err != nil {
			r.logger.Warn("persist cancel", zap.Error(err))
		}
		r.broadcastStatus(c.cmdID, c.agentID, protocol.CommandCancelled, nil, reason, 0)
	}
	for _, cmdID := range interrupts {
		if err := r.Interrupt(ctx, cmdID, reason); err != nil {
			r.logger.Warn("emergency interrupt", zap.String("command_id", cmdID.String()), zap.Error(err))
		}
	}
	for _, agentID := range scope {
		// Every agent in scope is told to stop its child, whether or not it
		// had work in flight.
		if frame, err := protocol.NewFrame(protocol.TypeAgentControl, protocol.AgentControl{
			AgentID: agentID.String(),
			Action:  protocol.ControlStop,
			Reason:  reason,
		}); err == nil {
			r.conns.SendToAgent(agentID, frame)
		}
		r.broadcastQueue(agentID)
	}
}

// AgentGone settles the agent's dispatched command, if any. The wrapper had
// the command when the link dropped, so its fate is unknowable and the record
// is failed rather than silently re-run. Queued commands stay in their lanes
// and dispatch when the agent reconnects and reports ready.
func (r *Router) AgentGone(ctx context.Context, agentID uuid.UUID) {
	r.mu.Lock()
	a := r.active[agentID]
	if a == nil {
		r.mu.Unlock()
		return
	}
	cmdID := a.cmdID
	r.mu.Unlock()

	r.logger.Warn("dispatched command lost with its agent",
		zap.String("command_id", cmdID.String()),
		zap.String("agent_id", agentID.String()),
	)
	r.finish(ctx, cmdID, protocol.CommandFailed, nil, "transport")
}

// requeueUndelivered undoes a dispatch whose frame never left the server.
// Only TryDispatch calls this, for the window between the ready check and a
// failed send.
func (r *Router) requeueUndelivered(ctx context.Context, agentID uuid.UUID) {
	r.mu.Lock()
	a := r.active[agentID]
	if a == nil {
		r.mu.Unlock()
		return
	}
	a.timeout.Stop()
	if a.graceTime != nil {
		a.graceTime.Stop()
	}
	delete(r.active, agentID)
	r.queueFor(agentID).pushFront(&pending{req: a.req, cmdID: a.cmdID, priority: a.priority})
	r.mu.Unlock()

	if err := r.repo.Requeue(ctx, a.cmdID); err != nil {
		r.logger.Warn("persist requeue", zap.String("command_id", a.cmdID.String()), zap.Error(err))
	}
	r.broadcastStatus(a.cmdID, agentID, protocol.CommandQueued, nil, "", 0)
	r.broadcastQueue(agentID)
}

// Shutdown fails every queued and dispatched command so nothing is left
// non-terminal when the process exits cleanly.
func (r *Router) Shutdown(ctx context.Context) {
	r.mu.Lock()
	type open struct {
		cmdID   uuid.UUID
		agentID uuid.UUID
		lastSeq uint64
	}
	var all []open
	for agentID, q := range r.queues {
		for _, p := range q.drain() {
			delete(r.byCmd, p.cmdID)
			all = append(all, open{cmdID: p.cmdID, agentID: agentID})
		}
	}
	for agentID, a := range r.active {
		a.timeout.Stop()
		if a.graceTime != nil {
			a.graceTime.Stop()
		}
		delete(r.byCmd, a.cmdID)
		all = append(all, open{cmdID: a.cmdID, agentID: agentID, lastSeq: a.lastSeq})
	}
	r.active = make(map[uuid.UUID]*active)
	r.mu.Unlock()

	for _, o := range all {
		if err := r.repo.Finish(ctx, o.cmdID, string(protocol.CommandFailed), nil, "shutdown", 0); err != nil {
			r.logger.Warn("persist shutdown fail", zap.Error(err))
		}
		r.emitCause(o.cmdID, o.agentID, o.lastSeq+1, "shutdown")
		r.broadcastStatus(o.cmdID, o.agentID, protocol.CommandFailed, nil, "shutdown", 0)
	}
	if len(all) > 0 {
		r.logger.Info("open commands failed on shutdown", zap.Int("count", len(all)))
	}
}

// QueueSnapshot returns the wire view of an agent's queue.
func (r *Router) QueueSnapshot(agentID uuid.UUID) []protocol.QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queueFor(agentID).snapshot()
}

// onTimeout settles a command whose execution bound elapsed. The wrapper is
// asked to interrupt; the record is closed regardless of whether it obeys.
func (r *Router) onTimeout(cmdID uuid.UUID) {
	r.mu.Lock()
	agentID, known := r.byCmd[cmdID]
	r.mu.Unlock()
	if !known {
		return
	}

	r.logger.Warn("command timeout",
		zap.String("command_id", cmdID.String()),
		zap.String("agent_id", agentID.String()),
	)
	frame, err := protocol.NewFrame(protocol.TypeCommandInterrupt, protocol.CommandInterrupt{
		CommandID: cmdID.String(),
		Reason:    "timeout",
	})
	if err == nil {
		r.conns.SendToAgent(agentID, frame)
	}
	r.finish(context.Background(), cmdID, protocol.CommandFailed, nil, "timeout")
}

// queueFor returns the agent's queue, creating it on first use.
// Callers must hold r.mu.
func (r *Router) queueFor(agentID uuid.UUID) *agentQueue {
	q := r.queues[agentID]
	if q == nil {
		q = newAgentQueue(r.queueCap)
		r.queues[agentID] = q
	}
	return q
}

func (r *Router) timeoutFor(req *protocol.CommandRequest) time.Duration {
	if req.Options.TimeoutMs > 0 {
		return time.Duration(req.Options.TimeoutMs) * time.Millisecond
	}
	return r.defaultTimeout
}

func (r *Router) broadcastStatus(cmdID, agentID uuid.UUID, status protocol.CommandState, exitCode *int, errMsg string, execMs int64) {
	frame, err := protocol.NewFrame(protocol.TypeCommandStatus, protocol.CommandStatus{
		CommandID:       cmdID.String(),
		AgentID:         agentID.String(),
		Status:          status,
		ExitCode:        exitCode,
		Error:           errMsg,
		ExecutionTimeMs: execMs,
	})
	if err != nil {
		return
	}
	r.conns.BroadcastDashboards(frame)
}

func (r *Router) broadcastQueue(agentID uuid.UUID) {
	frame, err := protocol.NewFrame(protocol.TypeCommandQueue, protocol.CommandQueueUpdate{
		AgentID: agentID.String(),
		Queue:   r.QueueSnapshot(agentID),
	})
	if err != nil {
		return
	}
	r.conns.BroadcastDashboards(frame)
}

func commandRecord(cmdID, agentID uuid.UUID, requester string, req *protocol.CommandRequest) *db.Command {
	rec := &db.Command{
		AgentID:   agentID,
		Requester: requester,
		Text:      req.Command,
		Priority:  string(req.Priority),
		Status:    string(protocol.CommandQueued),
		QueuedAt:  time.Now().UTC(),
	}
	rec.ID = cmdID
	return rec
}
