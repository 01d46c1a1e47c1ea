package protocol_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/onsembl/onsembl/shared/protocol"
)

// TestFrameRoundTrip verifies that an authored frame decodes back to the same
// typed payload.
func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	req := protocol.CommandRequest{
		CommandID: uuid.NewString(),
		AgentID:   uuid.NewString(),
		Command:   "echo hi",
		Priority:  protocol.PriorityNormal,
	}

	f, err := protocol.NewFrame(protocol.TypeCommandRequest, req)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if f.Version != protocol.Version {
		t.Errorf("got version %q, want %q", f.Version, protocol.Version)
	}
	if _, err := uuid.Parse(f.ID); err != nil {
		t.Errorf("frame id %q is not a UUID: %v", f.ID, err)
	}

	wire, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := protocol.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	payload, err := protocol.DecodePayload(decoded)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}

	got, ok := payload.(*protocol.CommandRequest)
	if !ok {
		t.Fatalf("payload type %T, want *CommandRequest", payload)
	}
	if got.Command != "echo hi" || got.CommandID != req.CommandID {
		t.Errorf("payload mismatch: got %+v, want %+v", got, req)
	}
}

// TestDecodeRejectsBadEnvelopes exercises the envelope invariants: version,
// type membership, UUID id shape, and positive timestamp.
func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	t.Parallel()

	valid, err := protocol.NewFrame(protocol.TypePing, struct{}{})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(f *protocol.Frame)
		reason string
	}{
		{"wrong version", func(f *protocol.Frame) { f.Version = "2.0.0" }, "version"},
		{"unknown type", func(f *protocol.Frame) { f.Type = "bogus:type" }, "unknown message type"},
		{"bad id", func(f *protocol.Frame) { f.ID = "not-a-uuid" }, "not a UUID"},
		{"zero timestamp", func(f *protocol.Frame) { f.Timestamp = 0 }, "timestamp"},
		{"negative timestamp", func(f *protocol.Frame) { f.Timestamp = -5 }, "timestamp"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := *valid
			tc.mutate(&f)
			wire, err := protocol.Encode(&f)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			_, err = protocol.Decode(wire)
			if err == nil {
				t.Fatal("expected decode error, got nil")
			}
			var de *protocol.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error type %T, want *DecodeError", err)
			}
			if !strings.Contains(de.Reason, tc.reason) {
				t.Errorf("reason %q does not mention %q", de.Reason, tc.reason)
			}
		})
	}
}

// TestDecodePayloadValidation checks the per-type field validators.
func TestDecodePayloadValidation(t *testing.T) {
	t.Parallel()

	agentID := uuid.NewString()

	tests := []struct {
		name    string
		typ     protocol.MessageType
		payload any
		wantErr bool
	}{
		{
			name: "valid agent connect",
			typ:  protocol.TypeAgentConnect,
			payload: protocol.AgentConnect{
				AgentID:     agentID,
				AgentType:   protocol.AgentClaude,
				Version:     "1.0.0",
				HostMachine: protocol.HostMachine{Hostname: "box-1"},
			},
		},
		{
			name: "agent connect bad kind",
			typ:  protocol.TypeAgentConnect,
			payload: protocol.AgentConnect{
				AgentID:     agentID,
				AgentType:   "chatgpt",
				HostMachine: protocol.HostMachine{Hostname: "box-1"},
			},
			wantErr: true,
		},
		{
			name: "agent connect missing hostname",
			typ:  protocol.TypeAgentConnect,
			payload: protocol.AgentConnect{
				AgentID:   agentID,
				AgentType: protocol.AgentCodex,
			},
			wantErr: true,
		},
		{
			name: "command request bad priority",
			typ:  protocol.TypeCommandRequest,
			payload: protocol.CommandRequest{
				CommandID: uuid.NewString(),
				AgentID:   agentID,
				Command:   "ls",
				Priority:  "urgent",
			},
			wantErr: true,
		},
		{
			name: "command request non-uuid agent",
			typ:  protocol.TypeCommandRequest,
			payload: protocol.CommandRequest{
				CommandID: uuid.NewString(),
				AgentID:   "agent-7",
				Command:   "ls",
				Priority:  protocol.PriorityLow,
			},
			wantErr: true,
		},
		{
			name: "terminal output zero sequence",
			typ:  protocol.TypeTerminalOutput,
			payload: protocol.TerminalOutput{
				CommandID: uuid.NewString(),
				AgentID:   agentID,
				Data:      "hi",
				Stream:    protocol.StreamStdout,
				Sequence:  0,
			},
			wantErr: true,
		},
		{
			name:    "token refresh empty token",
			typ:     protocol.TypeTokenRefresh,
			payload: protocol.TokenRefresh{ExpiresIn: 900},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := protocol.NewFrame(tc.typ, tc.payload)
			if err != nil {
				t.Fatalf("NewFrame: %v", err)
			}
			_, err = protocol.DecodePayload(f)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestCommandRequestDefaultPriority verifies that an omitted priority is
// normalised to "normal" rather than rejected.
func TestCommandRequestDefaultPriority(t *testing.T) {
	t.Parallel()

	f, err := protocol.NewFrame(protocol.TypeCommandRequest, protocol.CommandRequest{
		CommandID: uuid.NewString(),
		AgentID:   uuid.NewString(),
		Command:   "ls",
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	payload, err := protocol.DecodePayload(f)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got := payload.(*protocol.CommandRequest).Priority; got != protocol.PriorityNormal {
		t.Errorf("default priority %q, want %q", got, protocol.PriorityNormal)
	}
}

// TestTerminalOutputPreservesUnknownFields verifies the forward-compatibility
// rule: unknown optional fields survive a decode → re-marshal round trip on
// the fan-out path.
func TestTerminalOutputPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	commandID := uuid.NewString()
	raw := []byte(`{
		"commandId": "` + commandID + `",
		"agentId": "` + uuid.NewString() + `",
		"data": "hello",
		"stream": "stdout",
		"sequence": 3,
		"traceId": "abc-123",
		"tokensUsed": 42
	}`)

	f := &protocol.Frame{
		Version:   protocol.Version,
		Type:      protocol.TypeTerminalOutput,
		ID:        uuid.NewString(),
		Timestamp: 1,
		Payload:   raw,
	}

	payload, err := protocol.DecodePayload(f)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	out := payload.(*protocol.TerminalOutput)
	if len(out.Extra) != 2 {
		t.Fatalf("expected 2 preserved fields, got %d: %v", len(out.Extra), out.Extra)
	}

	remarshalled, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(remarshalled, &round); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if round["traceId"] != "abc-123" {
		t.Errorf("traceId not preserved: %v", round["traceId"])
	}
	if round["tokensUsed"] != float64(42) {
		t.Errorf("tokensUsed not preserved: %v", round["tokensUsed"])
	}
	if round["data"] != "hello" {
		t.Errorf("declared field clobbered: %v", round["data"])
	}
}

// TestCommandStateTerminal pins the terminal-state set: a command reaches
// exactly one of these.
func TestCommandStateTerminal(t *testing.T) {
	t.Parallel()

	terminal := []protocol.CommandState{
		protocol.CommandCompleted, protocol.CommandFailed,
		protocol.CommandInterrupted, protocol.CommandCancelled,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []protocol.CommandState{
		protocol.CommandQueued, protocol.CommandDispatched, protocol.CommandRunning,
	} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

// TestDirections spot-checks the catalogue partition.
func TestDirections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  protocol.MessageType
		want protocol.Direction
	}{
		{protocol.TypeCommandRequest, protocol.DirectionClientToServer},
		{protocol.TypeDashboardConnect, protocol.DirectionClientToServer},
		{protocol.TypeTerminalOutput, protocol.DirectionServerToClient},
		{protocol.TypeTokenRefresh, protocol.DirectionServerToClient},
		{protocol.TypePing, protocol.DirectionBidirectional},
		{protocol.TypeAck, protocol.DirectionBidirectional},
		{"made:up", protocol.DirectionUnknown},
	}
	for _, tc := range tests {
		if got := protocol.DirectionOf(tc.typ); got != tc.want {
			t.Errorf("DirectionOf(%s) = %v, want %v", tc.typ, got, tc.want)
		}
	}
}
