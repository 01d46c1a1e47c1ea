package protocol

import "encoding/json"

// ClientInfo describes the dashboard client for audit purposes.
type ClientInfo struct {
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// DashboardConnect is the first frame a dashboard sends after the upgrade.
type DashboardConnect struct {
	Token      string     `json:"token"`
	ClientInfo ClientInfo `json:"clientInfo"`
}

// DashboardSubscribe declares the set of agents a dashboard wants output and
// status updates for. Replace controls whether AgentIDs replaces the current
// subscription set or is added to it.
type DashboardSubscribe struct {
	AgentIDs []string `json:"agentIds"`
	Replace  bool     `json:"replace,omitempty"`
}

// Capabilities are declared once at agent:connect and cached in the agent
// directory so dashboards see them while the agent is offline.
type Capabilities struct {
	MaxTokens         int  `json:"maxTokens,omitempty"`
	SupportsInterrupt bool `json:"supportsInterrupt"`
	SupportsTrace     bool `json:"supportsTrace"`
}

// HostMachine carries where the wrapper runs, for display and audit.
type HostMachine struct {
	Hostname string `json:"hostname"`
	Platform string `json:"platform,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// AgentConnect is the first frame a wrapper sends after the upgrade.
type AgentConnect struct {
	AgentID      string       `json:"agentId"`
	AgentType    AgentKind    `json:"agentType"`
	Version      string       `json:"version"`
	HostMachine  HostMachine  `json:"hostMachine"`
	Capabilities Capabilities `json:"capabilities"`
}

// ConnectionAck confirms registration with the connection manager.
type ConnectionAck struct {
	ConnectionID  string   `json:"connectionId"`
	ServerVersion string   `json:"serverVersion"`
	Features      []string `json:"features"`
}

// CommandOptions are the optional execution constraints of a command.
type CommandOptions struct {
	// TimeoutMs bounds the command's run time. Zero means the server
	// default (5 minutes).
	TimeoutMs        int               `json:"timeout,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// CommandRequest submits a command to exactly one agent. The same payload is
// forwarded verbatim from the server to the target wrapper on dispatch.
type CommandRequest struct {
	CommandID string         `json:"commandId"`
	AgentID   string         `json:"agentId"`
	Command   string         `json:"command"`
	Args      []string       `json:"args,omitempty"`
	Options   CommandOptions `json:"options,omitempty"`
	Priority  Priority       `json:"priority"`
}

// CommandInterrupt asks the agent to stop the named command.
type CommandInterrupt struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason,omitempty"`
}

// CommandComplete is sent by the wrapper when the child finishes a command.
type CommandComplete struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	ExitCode  int    `json:"exitCode"`
	Error     string `json:"error,omitempty"`
	// Interrupted marks completions caused by a command:interrupt rather
	// than natural child exit.
	Interrupted bool `json:"interrupted,omitempty"`
}

// CommandStatus reports a command state transition to dashboards and the
// requester. ExecutionTimeMs is computed by the router from its own clock.
type CommandStatus struct {
	CommandID       string       `json:"commandId"`
	AgentID         string       `json:"agentId"`
	Status          CommandState `json:"status"`
	ExitCode        *int         `json:"exitCode,omitempty"`
	Error           string       `json:"error,omitempty"`
	ExecutionTimeMs int64        `json:"executionTime,omitempty"`
}

// TerminalOutput is one chunk of child process output. Sequence numbers are
// per-command, strictly increasing and contiguous from 1.
type TerminalOutput struct {
	CommandID    string `json:"commandId"`
	AgentID      string `json:"agentId"`
	Data         string `json:"data"`
	Stream       Stream `json:"stream"`
	Sequence     uint64 `json:"sequence"`
	ANSICodes    string `json:"ansiCodes,omitempty"`
	IsBlank      bool   `json:"isBlank,omitempty"`
	IsBinary     bool   `json:"isBinary,omitempty"`
	IsCompressed bool   `json:"isCompressed,omitempty"`

	// Extra preserves unknown optional fields on pass-through so newer
	// wrappers can carry data older servers do not understand.
	Extra map[string]json.RawMessage `json:"-"`
}

// AgentStatusUpdate is broadcast to dashboards whenever an agent's lifecycle
// state or health metrics change.
type AgentStatusUpdate struct {
	AgentID      string            `json:"agentId"`
	AgentType    AgentKind         `json:"agentType"`
	Status       AgentState        `json:"status"`
	Capabilities *Capabilities     `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Health       *HealthMetrics    `json:"healthMetrics,omitempty"`
}

// AgentSummary is one entry of an agent:list frame.
type AgentSummary struct {
	AgentID      string       `json:"agentId"`
	Name         string       `json:"name"`
	AgentType    AgentKind    `json:"agentType"`
	Status       AgentState   `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	Hostname     string       `json:"hostname,omitempty"`
	LastSeen     int64        `json:"lastSeen,omitempty"`
}

// AgentList is sent to a dashboard right after connection:ack.
type AgentList struct {
	Agents []AgentSummary `json:"agents"`
}

// AgentControlAction is a server-initiated lifecycle instruction.
type AgentControlAction string

const (
	ControlRestart AgentControlAction = "restart"
	ControlStop    AgentControlAction = "stop"
)

// AgentControl instructs a wrapper to restart or stop its child process.
type AgentControl struct {
	AgentID string             `json:"agentId"`
	Action  AgentControlAction `json:"action"`
	Reason  string             `json:"reason,omitempty"`
}

// AgentErrorReport is sent by the wrapper when the child fails
// (spawn failure, readiness timeout, health check failure).
type AgentErrorReport struct {
	AgentID     string `json:"agentId"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// QueueEntry is one element of a command:queue update.
type QueueEntry struct {
	CommandID string       `json:"commandId"`
	Position  int          `json:"position"`
	Priority  Priority     `json:"priority"`
	Status    CommandState `json:"status"`
}

// CommandQueueUpdate mirrors an agent's queue to subscribed dashboards.
type CommandQueueUpdate struct {
	AgentID string       `json:"agentId"`
	Queue   []QueueEntry `json:"queue"`
}

// EmergencyStopRequest cancels all queued and running commands on the agents
// in scope. An empty AgentIDs slice means every agent.
type EmergencyStopRequest struct {
	AgentIDs []string `json:"agentIds,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// HealthMetrics is the periodic health snapshot carried by agent:heartbeat.
type HealthMetrics struct {
	CPUPercent        float64 `json:"cpuPercent"`
	MemoryBytes       uint64  `json:"memoryBytes"`
	UptimeSeconds     int64   `json:"uptimeSeconds"`
	CommandsProcessed uint64  `json:"commandsProcessed"`
	AvgResponseTimeMs float64 `json:"averageResponseTime"`
}

// AgentHeartbeat is the application-level liveness signal. Missing heartbeats
// for 3× the expected interval mark the agent offline regardless of socket
// state.
type AgentHeartbeat struct {
	AgentID       string        `json:"agentId"`
	HealthMetrics HealthMetrics `json:"healthMetrics"`
}

// TokenRefresh delivers a replacement access token mid-session. The recipient
// swaps its stored token without reconnecting.
type TokenRefresh struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// ErrorPayload is the server's reply to a malformed or unprocessable frame.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// AckPayload acknowledges receipt of the frame named by MessageID.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// Error codes carried in ErrorPayload.Code.
const (
	ErrCodeProtocol    = "PROTOCOL"
	ErrCodeAuth        = "AUTH"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeOutOfOrder  = "OUT_OF_ORDER"
	ErrCodeQueueClosed = "QUEUE_CLOSED"
	ErrCodeInternal    = "INTERNAL"
)
