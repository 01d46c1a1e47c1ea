// Package registry maintains the agent directory: the persistent identity of
// every agent that has ever connected, plus the in-memory live state (status,
// health, last heartbeat) of the ones connected right now.
//
// Persistent identity lives in the database and survives restarts so
// dashboards always see a stable agent list. Live state is intentionally
// non-persistent: after a server restart every agent is offline until its
// wrapper reconnects and re-registers.
//
// Status transitions follow the supervisor state machine
// (connecting → ready ↔ busy → stopping → stopped, error reachable from any
// state); illegal transitions are rejected so a buggy or malicious wrapper
// cannot corrupt the record. Every accepted transition is pushed to the
// observer registered at construction, which the server wires to the
// dashboard broadcast.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/server/internal/db"
	"github.com/onsembl/onsembl/server/internal/repositories"
	"github.com/onsembl/onsembl/shared/protocol"
)

// DefaultGraceWindow is how long after a wrapper disconnect the agent keeps
// its last status before flipping to offline. A reconnect inside the window
// is invisible to dashboards.
const DefaultGraceWindow = 15 * time.Second

// heartbeatMisses is how many expected heartbeat intervals may elapse before
// the monitor marks an agent offline regardless of socket state.
const heartbeatMisses = 3

// Agent is the merged view of one agent: directory fields plus live state.
type Agent struct {
	ID           uuid.UUID
	Name         string
	Kind         protocol.AgentKind
	Status       protocol.AgentState
	Capabilities protocol.Capabilities
	Hostname     string
	Platform     string
	Version      string
	PID          int
	LastSeen     time.Time
	RestartCount int
	Health       *protocol.HealthMetrics
}

// validTransitions encodes invariant 4 of the data model. offline is
// reachable from every state (socket loss ignores the machine), and
// connecting is the only way back in.
var validTransitions = map[protocol.AgentState][]protocol.AgentState{
	protocol.AgentConnecting: {protocol.AgentReady, protocol.AgentError, protocol.AgentOffline},
	protocol.AgentReady:      {protocol.AgentBusy, protocol.AgentStopping, protocol.AgentError, protocol.AgentOffline},
	protocol.AgentBusy:       {protocol.AgentReady, protocol.AgentStopping, protocol.AgentError, protocol.AgentOffline},
	protocol.AgentStopping:   {protocol.AgentStopped, protocol.AgentError, protocol.AgentOffline},
	protocol.AgentStopped:    {protocol.AgentConnecting, protocol.AgentOffline},
	protocol.AgentError:      {protocol.AgentConnecting, protocol.AgentOffline},
	protocol.AgentOffline:    {protocol.AgentConnecting},
}

func transitionAllowed(from, to protocol.AgentState) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusObserver receives every accepted status change. Implemented by the
// server wiring that broadcasts agent:status to subscribed dashboards.
type StatusObserver func(update protocol.AgentStatusUpdate)

// Registry is safe for concurrent use by the connection manager, the router,
// and the heartbeat monitor.
type Registry struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*Agent

	repo     repositories.AgentRepository
	observer StatusObserver
	logger   *zap.Logger

	heartbeatInterval time.Duration
	graceWindow       time.Duration

	// lastHeartbeat tracks application-level liveness separately from
	// LastSeen, which also moves on connect.
	lastHeartbeat map[uuid.UUID]time.Time

	// graceTimers holds the pending offline timers started on disconnect.
	graceTimers map[uuid.UUID]*time.Timer
}

// Config for a Registry. HeartbeatInterval is the expected agent:heartbeat
// cadence; the monitor flags agents silent for 3× this interval.
type Config struct {
	Repo              repositories.AgentRepository
	Observer          StatusObserver
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	GraceWindow       time.Duration
}

// New creates a Registry. Call Load before serving connections.
func New(cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Observer == nil {
		cfg.Observer = func(protocol.AgentStatusUpdate) {}
	}
	return &Registry{
		agents:            make(map[uuid.UUID]*Agent),
		repo:              cfg.Repo,
		observer:          cfg.Observer,
		logger:            cfg.Logger.Named("registry"),
		heartbeatInterval: cfg.HeartbeatInterval,
		graceWindow:       cfg.GraceWindow,
		lastHeartbeat:     make(map[uuid.UUID]time.Time),
		graceTimers:       make(map[uuid.UUID]*time.Timer),
	}
}

// Load populates the in-memory map from the persistent directory. Every
// loaded agent starts offline — live state never survives a restart.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("registry: load directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		agent := fromRecord(rec)
		agent.Status = protocol.AgentOffline
		r.agents[agent.ID] = agent
	}
	r.logger.Info("agent directory loaded", zap.Int("agents", len(records)))
	return nil
}

// Connect registers (or re-registers) an agent from its agent:connect frame.
// The directory row is upserted and the live status becomes connecting; the
// wrapper reports the ready transition itself once its child accepts input.
func (r *Registry) Connect(ctx context.Context, p *protocol.AgentConnect) (*Agent, error) {
	id, err := uuid.Parse(p.AgentID)
	if err != nil {
		return nil, fmt.Errorf("registry: agent id: %w", err)
	}

	now := time.Now().UTC()
	record := &db.Agent{
		Name:              agentName(p),
		AgentType:         string(p.AgentType),
		Hostname:          p.HostMachine.Hostname,
		Platform:          p.HostMachine.Platform,
		Version:           p.Version,
		PID:               p.HostMachine.PID,
		MaxTokens:         p.Capabilities.MaxTokens,
		SupportsInterrupt: p.Capabilities.SupportsInterrupt,
		SupportsTrace:     p.Capabilities.SupportsTrace,
		LastSeenAt:        &now,
	}
	record.ID = id
	if err := r.repo.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("registry: upsert directory: %w", err)
	}

	r.mu.Lock()
	if timer, pending := r.graceTimers[id]; pending {
		timer.Stop()
		delete(r.graceTimers, id)
	}

	agent, exists := r.agents[id]
	if !exists {
		agent = &Agent{ID: id}
		r.agents[id] = agent
	}
	agent.Name = record.Name
	agent.Kind = p.AgentType
	agent.Hostname = p.HostMachine.Hostname
	agent.Platform = p.HostMachine.Platform
	agent.Version = p.Version
	agent.PID = p.HostMachine.PID
	agent.Capabilities = p.Capabilities
	agent.Status = protocol.AgentConnecting
	agent.LastSeen = now
	snapshot := *agent
	r.lastHeartbeat[id] = now
	r.mu.Unlock()

	r.logger.Info("agent connected",
		zap.String("agent_id", id.String()),
		zap.String("agent_type", string(p.AgentType)),
		zap.String("hostname", p.HostMachine.Hostname),
	)
	r.observer(statusUpdate(&snapshot))
	return &snapshot, nil
}

// SetStatus applies one transition of the supervisor state machine.
// Illegal transitions are rejected with an error.
func (r *Registry) SetStatus(agentID uuid.UUID, to protocol.AgentState) error {
	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown agent %s", agentID)
	}
	from := agent.Status
	if !transitionAllowed(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("registry: illegal transition %s → %s for agent %s", from, to, agentID)
	}
	if from == to {
		r.mu.Unlock()
		return nil
	}
	agent.Status = to
	snapshot := *agent
	r.mu.Unlock()

	r.logger.Debug("agent status",
		zap.String("agent_id", agentID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	r.observer(statusUpdate(&snapshot))
	return nil
}

// Heartbeat records an application-level liveness signal with its health
// metrics and refreshes the persistent last-seen column.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID, health protocol.HealthMetrics) error {
	now := time.Now().UTC()

	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown agent %s", agentID)
	}
	h := health
	agent.Health = &h
	agent.LastSeen = now
	r.lastHeartbeat[agentID] = now
	snapshot := *agent
	r.mu.Unlock()

	if err := r.repo.TouchLastSeen(ctx, agentID, now); err != nil {
		r.logger.Warn("failed to persist last seen", zap.String("agent_id", agentID.String()), zap.Error(err))
	}
	r.observer(statusUpdate(&snapshot))
	return nil
}

// RecordRestart bumps the persistent restart counter for an agent whose
// wrapper reported a child restart.
func (r *Registry) RecordRestart(ctx context.Context, agentID uuid.UUID) {
	if err := r.repo.IncrementRestartCount(ctx, agentID); err != nil {
		r.logger.Warn("failed to persist restart count", zap.String("agent_id", agentID.String()), zap.Error(err))
	}
	r.mu.Lock()
	if agent, exists := r.agents[agentID]; exists {
		agent.RestartCount++
	}
	r.mu.Unlock()
}

// Disconnect is called when an agent's connection closes. The status is kept
// for the grace window; if no new session opens in time the agent flips to
// offline.
func (r *Registry) Disconnect(agentID uuid.UUID) {
	r.mu.Lock()
	if _, exists := r.agents[agentID]; !exists {
		r.mu.Unlock()
		return
	}
	if timer, pending := r.graceTimers[agentID]; pending {
		timer.Stop()
	}
	r.graceTimers[agentID] = time.AfterFunc(r.graceWindow, func() {
		r.expireGrace(agentID)
	})
	r.mu.Unlock()

	r.logger.Info("agent disconnected, grace window started",
		zap.String("agent_id", agentID.String()),
		zap.Duration("grace", r.graceWindow),
	)
}

// expireGrace marks the agent offline once the disconnect grace elapses.
func (r *Registry) expireGrace(agentID uuid.UUID) {
	r.mu.Lock()
	delete(r.graceTimers, agentID)
	agent, exists := r.agents[agentID]
	if !exists || agent.Status == protocol.AgentOffline {
		r.mu.Unlock()
		return
	}
	agent.Status = protocol.AgentOffline
	agent.Health = nil
	snapshot := *agent
	r.mu.Unlock()

	r.logger.Info("agent offline", zap.String("agent_id", agentID.String()))
	r.observer(statusUpdate(&snapshot))
}

// MonitorRun watches application heartbeats until ctx is cancelled. Agents
// silent for 3× the expected interval are marked offline regardless of
// socket state.
func (r *Registry) MonitorRun(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepSilent()
		}
	}
}

func (r *Registry) sweepSilent() {
	deadline := time.Now().Add(-heartbeatMisses * r.heartbeatInterval)

	r.mu.Lock()
	var silent []uuid.UUID
	for id, last := range r.lastHeartbeat {
		agent := r.agents[id]
		if agent == nil || agent.Status == protocol.AgentOffline {
			continue
		}
		if last.Before(deadline) {
			silent = append(silent, id)
		}
	}
	r.mu.Unlock()

	for _, id := range silent {
		r.logger.Warn("agent heartbeat missing, marking offline", zap.String("agent_id", id.String()))
		r.forceOffline(id)
	}
}

// forceOffline skips transition validation — offline is reachable from
// every state when liveness is lost.
func (r *Registry) forceOffline(agentID uuid.UUID) {
	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if !exists || agent.Status == protocol.AgentOffline {
		r.mu.Unlock()
		return
	}
	agent.Status = protocol.AgentOffline
	agent.Health = nil
	snapshot := *agent
	r.mu.Unlock()

	r.observer(statusUpdate(&snapshot))
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID uuid.UUID) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, exists := r.agents[agentID]
	if !exists {
		return nil, false
	}
	snapshot := *agent
	return &snapshot, true
}

// Known reports whether agentID exists in the directory.
func (r *Registry) Known(agentID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[agentID]
	return exists
}

// Status returns the live status of one agent, offline if unknown.
func (r *Registry) Status(agentID uuid.UUID) protocol.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agent, exists := r.agents[agentID]; exists {
		return agent.Status
	}
	return protocol.AgentOffline
}

// List returns a snapshot of every known agent for agent:list frames.
func (r *Registry) List() []protocol.AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.AgentSummary, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, protocol.AgentSummary{
			AgentID:      agent.ID.String(),
			Name:         agent.Name,
			AgentType:    agent.Kind,
			Status:       agent.Status,
			Capabilities: agent.Capabilities,
			Hostname:     agent.Hostname,
			LastSeen:     agent.LastSeen.UnixMilli(),
		})
	}
	return out
}

func statusUpdate(agent *Agent) protocol.AgentStatusUpdate {
	caps := agent.Capabilities
	return protocol.AgentStatusUpdate{
		AgentID:      agent.ID.String(),
		AgentType:    agent.Kind,
		Status:       agent.Status,
		Capabilities: &caps,
		Health:       agent.Health,
		Metadata: map[string]string{
			"hostname": agent.Hostname,
			"version":  agent.Version,
		},
	}
}

func fromRecord(rec db.Agent) *Agent {
	agent := &Agent{
		ID:       rec.ID,
		Name:     rec.Name,
		Kind:     protocol.AgentKind(rec.AgentType),
		Hostname: rec.Hostname,
		Platform: rec.Platform,
		Version:  rec.Version,
		PID:      rec.PID,
		Capabilities: protocol.Capabilities{
			MaxTokens:         rec.MaxTokens,
			SupportsInterrupt: rec.SupportsInterrupt,
			SupportsTrace:     rec.SupportsTrace,
		},
		RestartCount: rec.RestartCount,
	}
	if rec.LastSeenAt != nil {
		agent.LastSeen = *rec.LastSeenAt
	}
	return agent
}

// agentName derives the display name for the directory. The wrapper does not
// send one explicitly, so hostname/kind make a stable human label.
func agentName(p *protocol.AgentConnect) string {
	return fmt.Sprintf("%s@%s", p.AgentType, p.HostMachine.Hostname)
}
