// Package protocol defines the wire format spoken between the Onsembl server,
// agent wrappers, and dashboards. Every WebSocket frame is a JSON envelope of
// shape {version, type, id, timestamp, payload}; the payload shape is
// determined by the type tag.
//
// The message catalogue is a closed enumeration partitioned into three
// directions: client→server, server→client, and bidirectional. The codec in
// this package is the only place that serialises or deserialises frames — the
// server and the wrapper both route on the typed result of Decode.
package protocol

// Version is the protocol version stamped on every authored frame.
// Frames carrying a different major version are rejected by Decode.
const Version = "1.0.0"

// MessageType identifies the kind of payload carried by a Frame.
type MessageType string

// Client → server.
const (
	TypeDashboardConnect   MessageType = "dashboard:connect"
	TypeDashboardSubscribe MessageType = "dashboard:subscribe"
	TypeAgentConnect       MessageType = "agent:connect"
	TypeAgentHeartbeat     MessageType = "agent:heartbeat"
	TypeCommandRequest     MessageType = "command:request"
	TypeCommandInterrupt   MessageType = "command:interrupt"
	TypeCommandComplete    MessageType = "command:complete"
	TypeEmergencyStop      MessageType = "emergency:stop"
)

// Server → client, except where the directions table below widens the type
// to bidirectional.
const (
	TypeConnectionAck  MessageType = "connection:ack"
	TypeAgentList      MessageType = "agent:list"
	TypeAgentStatus    MessageType = "agent:status"
	TypeAgentControl   MessageType = "agent:control"
	TypeAgentError     MessageType = "agent:error"
	TypeTerminalOutput MessageType = "terminal:output"
	TypeCommandStatus  MessageType = "command:status"
	TypeCommandQueue   MessageType = "command:queue"
	TypeTokenRefresh   MessageType = "token:refresh"
	TypeError          MessageType = "error"
)

// Bidirectional.
const (
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
	TypeAck  MessageType = "ack"
)

// Direction classifies who may author a message type.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionClientToServer
	DirectionServerToClient
	DirectionBidirectional
)

var directions = map[MessageType]Direction{
	TypeDashboardConnect:   DirectionClientToServer,
	TypeDashboardSubscribe: DirectionClientToServer,
	TypeAgentConnect:       DirectionClientToServer,
	TypeAgentHeartbeat:     DirectionClientToServer,
	TypeCommandRequest:     DirectionClientToServer,
	TypeCommandInterrupt:   DirectionClientToServer,
	TypeCommandComplete:    DirectionClientToServer,
	TypeEmergencyStop:      DirectionClientToServer,

	TypeConnectionAck: DirectionServerToClient,
	TypeAgentList:     DirectionServerToClient,
	// agent:status and agent:error travel both ways: the owning wrapper
	// reports its supervisor state machine upward, the server broadcasts
	// the resulting record to dashboards. agent:control is authored by a
	// dashboard and relayed by the server to the target wrapper.
	TypeAgentStatus:  DirectionBidirectional,
	TypeAgentError:   DirectionBidirectional,
	TypeAgentControl: DirectionBidirectional,
	TypeTerminalOutput: DirectionServerToClient,
	TypeCommandStatus:  DirectionServerToClient,
	TypeCommandQueue:   DirectionServerToClient,
	TypeTokenRefresh:   DirectionServerToClient,
	TypeError:          DirectionServerToClient,

	TypePing: DirectionBidirectional,
	TypePong: DirectionBidirectional,
	TypeAck:  DirectionBidirectional,
}

// DirectionOf returns the direction of t, or DirectionUnknown for types
// outside the catalogue.
func DirectionOf(t MessageType) Direction {
	return directions[t]
}

// Known reports whether t is part of the message catalogue.
func Known(t MessageType) bool {
	_, ok := directions[t]
	return ok
}

// WebSocket close codes used by the control plane. 1000 is the normal
// close; the 4xxx range is application-defined per the protocol contract.
const (
	CloseNormal           = 1000
	CloseHeartbeatTimeout = 4000
	CloseSuperseded       = 4001
	CloseSlowConsumer     = 4002
	CloseAuthFailed       = 4003
)

// AgentKind is the kind of child process an agent wrapper supervises.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentGemini AgentKind = "gemini"
	AgentCodex  AgentKind = "codex"
	AgentCustom AgentKind = "custom"
)

// ValidAgentKind reports whether k names a supported agent kind.
func ValidAgentKind(k AgentKind) bool {
	switch k {
	case AgentClaude, AgentGemini, AgentCodex, AgentCustom:
		return true
	}
	return false
}

// AgentState is the lifecycle status of an agent.
// Transitions: connecting → ready ↔ busy → (stopping → stopped) | error → connecting.
type AgentState string

const (
	AgentConnecting AgentState = "connecting"
	AgentReady      AgentState = "ready"
	AgentBusy       AgentState = "busy"
	AgentError      AgentState = "error"
	AgentStopping   AgentState = "stopping"
	AgentStopped    AgentState = "stopped"
	AgentOffline    AgentState = "offline"
)

// CommandState is the lifecycle status of a command. A command reaches
// exactly one terminal state.
type CommandState string

const (
	CommandQueued      CommandState = "queued"
	CommandDispatched  CommandState = "dispatched"
	CommandRunning     CommandState = "running"
	CommandCompleted   CommandState = "completed"
	CommandFailed      CommandState = "failed"
	CommandInterrupted CommandState = "interrupted"
	CommandCancelled   CommandState = "cancelled"
)

// Terminal reports whether s is one of the four terminal command states.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandInterrupted, CommandCancelled:
		return true
	}
	return false
}

// Priority orders commands within an agent's queue. The router polls the
// three FIFO sub-queues in strict high → normal → low order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ValidPriority reports whether p is a recognised priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Stream names the child process stream an output chunk was captured from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)
