// Package connections tracks every live WebSocket session and fans frames
// out to them. Each session runs a read pump and a write pump; the write
// pump is the sole wire writer and carries the transport heartbeat.
//
// The manager enforces one live session per agent id: a second agent:connect
// for the same id supersedes the first, which is closed with code 4001.
// Dashboards are unconstrained in number and receive broadcasts filtered by
// their per-connection subscription set.
//
// Back-pressure policy: every connection has a fixed outbound buffer. When a
// peer cannot drain it fast enough the connection is closed with code 4002
// instead of letting one slow dashboard stall the fan-out for everyone else.
package connections

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/shared/protocol"
)

// Manager owns the set of live connections. Safe for concurrent use.
type Manager struct {
	// mu protects the three maps. Sends never happen under the lock —
	// broadcast paths copy the target set first so a blocked channel cannot
	// stall registration.
	mu         sync.RWMutex
	conns      map[uuid.UUID]*Conn
	agents     map[uuid.UUID]*Conn // keyed by agent id, one live session each
	dashboards map[uuid.UUID]*Conn // keyed by connection id

	serverVersion string
	logger        *zap.Logger

	// onAgentGone is invoked after an agent's session leaves the table for
	// any reason except supersession (the replacement session is already
	// live, so the agent never actually went away).
	onAgentGone func(agentID uuid.UUID)
}

// NewManager creates an empty connection table.
func NewManager(serverVersion string, logger *zap.Logger) *Manager {
	m := &Manager{
		conns:         make(map[uuid.UUID]*Conn),
		agents:        make(map[uuid.UUID]*Conn),
		dashboards:    make(map[uuid.UUID]*Conn),
		serverVersion: serverVersion,
		logger:        logger.Named("connections"),
		onAgentGone:   func(uuid.UUID) {},
	}
	return m
}

// OnAgentGone registers the callback fired when an agent's session closes
// without a superseding session. Wired to the registry's disconnect grace.
// Must be called before the first RegisterAgent.
func (m *Manager) OnAgentGone(fn func(agentID uuid.UUID)) {
	m.onAgentGone = fn
}

// RegisterAgent binds a new session to an agent id and acknowledges it.
// An existing session for the same id is superseded: closed with code 4001
// after the new one is live, so the agent never appears to disconnect.
func (m *Manager) RegisterAgent(c *Conn, agentID uuid.UUID) error {
	c.AgentID = agentID

	m.mu.Lock()
	old := m.agents[agentID]
	m.agents[agentID] = c
	m.conns[c.ID] = c
	m.mu.Unlock()

	c.mgr = m
	go c.writePump()

	if old != nil {
		m.logger.Info("agent session superseded",
			zap.String("agent_id", agentID.String()),
			zap.String("old_conn", old.ID.String()),
			zap.String("new_conn", c.ID.String()),
		)
		old.Close(protocol.CloseSuperseded, "superseded by newer connection")
	}

	return m.sendAck(c)
}

// RegisterDashboard adds a dashboard session and acknowledges it.
func (m *Manager) RegisterDashboard(c *Conn) error {
	m.mu.Lock()
	m.dashboards[c.ID] = c
	m.conns[c.ID] = c
	m.mu.Unlock()

	c.mgr = m
	go c.writePump()
	return m.sendAck(c)
}

func (m *Manager) sendAck(c *Conn) error {
	ack, err := protocol.NewFrame(protocol.TypeConnectionAck, protocol.ConnectionAck{
		ConnectionID:  c.ID.String(),
		ServerVersion: m.serverVersion,
		Features:      []string{"terminal-streaming", "command-queue", "emergency-stop"},
	})
	if err != nil {
		return err
	}
	return c.Send(ack)
}

// unregister removes a session from the table. Called from the read pump's
// deferred cleanup, so it runs exactly once per session.
func (m *Manager) unregister(c *Conn) {
	agentGone := false

	m.mu.Lock()
	delete(m.conns, c.ID)
	delete(m.dashboards, c.ID)
	if c.Kind == KindAgent {
		// Only drop the agent binding if this session still owns it; a
		// superseded session must not evict its replacement.
		if current := m.agents[c.AgentID]; current == c {
			delete(m.agents, c.AgentID)
			agentGone = true
		}
	}
	m.mu.Unlock()

	m.logger.Debug("connection unregistered",
		zap.String("conn_id", c.ID.String()),
		zap.String("kind", string(c.Kind)),
	)
	if agentGone {
		m.onAgentGone(c.AgentID)
	}
}

// AgentConn returns the live session for an agent id, if any.
func (m *Manager) AgentConn(agentID uuid.UUID) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.agents[agentID]
	return c, ok
}

// SendToAgent delivers one frame to the agent's live session. Reports
// whether a session existed and accepted the frame.
func (m *Manager) SendToAgent(agentID uuid.UUID, frame *protocol.Frame) bool {
	c, ok := m.AgentConn(agentID)
	if !ok {
		return false
	}
	return c.Send(frame) == nil
}

// BroadcastAgentEvent fans a frame out to every dashboard subscribed to the
// agent. Sends happen outside the table lock; slow consumers disconnect
// themselves via Send.
func (m *Manager) BroadcastAgentEvent(agentID uuid.UUID, frame *protocol.Frame) {
	for _, c := range m.snapshotDashboards() {
		if c.SubscribedTo(agentID) {
			_ = c.Send(frame)
		}
	}
}

// BroadcastDashboards sends a frame to every dashboard regardless of
// subscriptions. Used for agent:status and agent:list level events that keep
// the fleet view accurate.
func (m *Manager) BroadcastDashboards(frame *protocol.Frame) {
	for _, c := range m.snapshotDashboards() {
		_ = c.Send(frame)
	}
}

func (m *Manager) snapshotDashboards() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.dashboards))
	for _, c := range m.dashboards {
		out = append(out, c)
	}
	return out
}

// AgentIDs returns the ids of every agent with a live session.
func (m *Manager) AgentIDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.agents))
	for id := range m.agents {
		out = append(out, id)
	}
	return out
}

// Counts returns the number of live agent and dashboard sessions, for the
// health endpoint and metrics.
func (m *Manager) Counts() (agents, dashboards int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents), len(m.dashboards)
}

// CloseAll closes every live session with a normal close. Used on graceful
// shutdown after in-flight commands have been drained.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	all := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c)
	}
	m.mu.Unlock()

	for _, c := range all {
		c.Close(protocol.CloseNormal, reason)
	}
}
