package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame is the envelope for every wire message.
//
// JSON example:
//
//	{"version":"1.0.0","type":"ping","id":"<uuid>","timestamp":1735689600000,"payload":{}}
type Frame struct {
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload"`
}

// DecodeError describes why a frame was rejected. The server answers the
// offending connection with an error{PROTOCOL} frame; clients log a warning
// and drop the frame.
type DecodeError struct {
	Code   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Reason)
}

func decodeErr(code, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// NewFrame authors a frame of the given type around payload. The frame id is
// a fresh UUIDv4 and the timestamp is taken now. Unknown optional fields are
// never present on authored frames — Encode marshals only the typed struct.
func NewFrame(t MessageType, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return &Frame{
		Version:   Version,
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Encode serialises a frame to wire bytes.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses wire bytes into a Frame and checks the envelope invariants:
// known type, UUID-shaped id, positive timestamp, matching version. The
// payload is validated separately by DecodePayload so that pass-through paths
// (output fan-out) can skip the per-type unmarshal.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, decodeErr(ErrCodeProtocol, "malformed frame: %v", err)
	}

	if f.Version != Version {
		return nil, decodeErr(ErrCodeProtocol, "unsupported version %q", f.Version)
	}
	if !Known(f.Type) {
		return nil, decodeErr(ErrCodeProtocol, "unknown message type %q", f.Type)
	}
	if _, err := uuid.Parse(f.ID); err != nil {
		return nil, decodeErr(ErrCodeProtocol, "frame id %q is not a UUID", f.ID)
	}
	if f.Timestamp <= 0 {
		return nil, decodeErr(ErrCodeProtocol, "timestamp must be positive, got %d", f.Timestamp)
	}
	return &f, nil
}

// DecodePayload unmarshals and validates the frame's payload into its typed
// struct. The returned value is one of the concrete payload types declared in
// payloads.go — callers dispatch with a type switch.
func DecodePayload(f *Frame) (any, error) {
	switch f.Type {
	case TypeDashboardConnect:
		var p DashboardConnect
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.Token == "" {
			return nil, decodeErr(ErrCodeProtocol, "dashboard:connect requires token")
		}
		return &p, nil

	case TypeDashboardSubscribe:
		var p DashboardSubscribe
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		for _, id := range p.AgentIDs {
			if _, err := uuid.Parse(id); err != nil {
				return nil, decodeErr(ErrCodeProtocol, "dashboard:subscribe agent id %q is not a UUID", id)
			}
		}
		return &p, nil

	case TypeAgentConnect:
		var p AgentConnect
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if _, err := uuid.Parse(p.AgentID); err != nil {
			return nil, decodeErr(ErrCodeProtocol, "agent:connect agent id %q is not a UUID", p.AgentID)
		}
		if !ValidAgentKind(p.AgentType) {
			return nil, decodeErr(ErrCodeProtocol, "agent:connect unknown agent type %q", p.AgentType)
		}
		if p.HostMachine.Hostname == "" {
			return nil, decodeErr(ErrCodeProtocol, "agent:connect requires hostMachine.hostname")
		}
		return &p, nil

	case TypeAgentHeartbeat:
		var p AgentHeartbeat
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if _, err := uuid.Parse(p.AgentID); err != nil {
			return nil, decodeErr(ErrCodeProtocol, "agent:heartbeat agent id %q is not a UUID", p.AgentID)
		}
		return &p, nil

	case TypeCommandRequest:
		var p CommandRequest
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if _, err := uuid.Parse(p.CommandID); err != nil {
			return nil, decodeErr(ErrCodeProtocol, "command:request command id %q is not a UUID", p.CommandID)
		}
		if _, err := uuid.Parse(p.AgentID); err != nil {
			return nil, decodeErr(ErrCodeProtocol, "command:request agent id %q is not a UUID", p.AgentID)
		}
		if p.Command == "" {
			return nil, decodeErr(ErrCodeProtocol, "command:request requires command text")
		}
		if p.Priority == "" {
			p.Priority = PriorityNormal
		}
		if !ValidPriority(p.Priority) {
			return nil, decodeErr(ErrCodeProtocol, "command:request unknown priority %q", p.Priority)
		}
		if p.Options.TimeoutMs < 0 {
			return nil, decodeErr(ErrCodeProtocol, "command:request negative timeout")
		}
		return &p, nil

	case TypeCommandInterrupt:
		var p CommandInterrupt
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if _, err := uuid.Parse(p.CommandID); err != nil {
			return nil, decodeErr(ErrCodeProtocol, "command:interrupt command id %q is not a UUID", p.CommandID)
		}
		return &p, nil

	case TypeCommandComplete:
		var p CommandComplete
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if _, err := uuid.Parse(p.CommandID); err != nil {
			return nil, decodeErr(ErrCodeProtocol, "command:complete command id %q is not a UUID", p.CommandID)
		}
		return &p, nil

	case TypeEmergencyStop:
		var p EmergencyStopRequest
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		for _, id := range p.AgentIDs {
			if _, err := uuid.Parse(id); err != nil {
				return nil, decodeErr(ErrCodeProtocol, "emergency:stop agent id %q is not a UUID", id)
			}
		}
		return &p, nil

	case TypeConnectionAck:
		var p ConnectionAck
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case TypeAgentList:
		var p AgentList
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case TypeAgentStatus:
		var p AgentStatusUpdate
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case TypeAgentControl:
		var p AgentControl
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.Action != ControlRestart && p.Action != ControlStop {
			return nil, decodeErr(ErrCodeProtocol, "agent:control unknown action %q", p.Action)
		}
		return &p, nil

	case TypeAgentError:
		var p AgentErrorReport
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case TypeTerminalOutput:
		var p TerminalOutput
		if err := unmarshalOutput(f, &p); err != nil {
			return nil, err
		}
		if _, err := uuid.Parse(p.CommandID); err != nil {
			return nil, decodeErr(ErrCodeProtocol, "terminal:output command id %q is not a UUID", p.CommandID)
		}
		if p.Stream != StreamStdout && p.Stream != StreamStderr {
			return nil, decodeErr(ErrCodeProtocol, "terminal:output unknown stream %q", p.Stream)
		}
		if p.Sequence == 0 {
			return nil, decodeErr(ErrCodeProtocol, "terminal:output sequence must start at 1")
		}
		return &p, nil

	case TypeCommandStatus:
		var p CommandStatus
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case TypeCommandQueue:
		var p CommandQueueUpdate
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case TypeTokenRefresh:
		var p TokenRefresh
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.AccessToken == "" {
			return nil, decodeErr(ErrCodeProtocol, "token:refresh requires accessToken")
		}
		return &p, nil

	case TypeError:
		var p ErrorPayload
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case TypePing, TypePong:
		return struct{}{}, nil

	case TypeAck:
		var p AckPayload
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}

	return nil, decodeErr(ErrCodeProtocol, "unknown message type %q", f.Type)
}

func unmarshal(f *Frame, dst any) error {
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return decodeErr(ErrCodeProtocol, "malformed %s payload: %v", f.Type, err)
	}
	return nil
}

// knownOutputFields are the declared fields of TerminalOutput. Anything else
// found in a decoded terminal:output payload is preserved in Extra so the
// server can forward it untouched during fan-out.
var knownOutputFields = map[string]struct{}{
	"commandId": {}, "agentId": {}, "data": {}, "stream": {}, "sequence": {},
	"ansiCodes": {}, "isBlank": {}, "isBinary": {}, "isCompressed": {},
}

func unmarshalOutput(f *Frame, p *TerminalOutput) error {
	if err := json.Unmarshal(f.Payload, p); err != nil {
		return decodeErr(ErrCodeProtocol, "malformed terminal:output payload: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Payload, &fields); err != nil {
		return decodeErr(ErrCodeProtocol, "malformed terminal:output payload: %v", err)
	}
	for k, v := range fields {
		if _, known := knownOutputFields[k]; known {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

// MarshalJSON re-serialises a TerminalOutput including any preserved unknown
// fields. Declared fields always win on key collision.
func (p TerminalOutput) MarshalJSON() ([]byte, error) {
	type alias TerminalOutput
	declared, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return declared, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(declared, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
