package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/server/internal/audit"
	"github.com/onsembl/onsembl/server/internal/auth"
	"github.com/onsembl/onsembl/server/internal/connections"
	"github.com/onsembl/onsembl/server/internal/registry"
	"github.com/onsembl/onsembl/server/internal/router"
	"github.com/onsembl/onsembl/shared/protocol"
)

// wsAgentHandler upgrades wrapper connections on /ws/agent.
//
// Auth happens before the upgrade: the token (header or query parameter)
// must carry the agent audience and its principal must equal the agentId
// query parameter, so a leaked dashboard token can never impersonate an
// agent. The session is not live until the wrapper's first frame, which
// must be agent:connect.
type wsAgentHandler struct {
	jwt      *auth.JWTManager
	conns    *connections.Manager
	registry *registry.Registry
	router   *router.Router
	audit    *audit.Service
	logger   *zap.Logger
}

func (h *wsAgentHandler) serve(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		ErrUnauthorized(w)
		return
	}
	claims, err := h.jwt.ValidateAccessToken(token, auth.KindAgent)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	agentID, err := uuid.Parse(r.URL.Query().Get("agentId"))
	if err != nil {
		ErrBadRequest(w, "agentId must be a UUID")
		return
	}
	if claims.Principal != agentID.String() {
		errJSON(w, http.StatusForbidden, "token principal does not match agentId", "forbidden")
		return
	}

	c, err := connections.Upgrade(w, r, connections.KindAgent, claims.Principal, h.logger)
	if err != nil {
		h.logger.Warn("agent upgrade failed", zap.Error(err))
		return
	}

	s := &agentSession{handler: h, conn: c, agentID: agentID}
	c.ReadLoop(s.handle)
}

// agentSession is the per-connection state of one wrapper session.
type agentSession struct {
	handler    *wsAgentHandler
	conn       *connections.Conn
	agentID    uuid.UUID
	registered bool
}

func (s *agentSession) handle(frame *protocol.Frame) {
	h := s.handler

	if !s.registered {
		// No writePump runs before registration, so failures carry their
		// reason in the close frame instead of an error frame.
		if frame.Type != protocol.TypeAgentConnect {
			s.conn.Close(protocol.CloseAuthFailed, "first frame must be agent:connect")
			return
		}
		s.register(frame)
		return
	}

	switch frame.Type {
	case protocol.TypeAgentConnect:
		// Re-registration on an open session refreshes directory metadata.
		s.register(frame)

	case protocol.TypeAgentHeartbeat:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error(), true)
			return
		}
		hb := payload.(*protocol.AgentHeartbeat)
		if err := h.registry.Heartbeat(context.Background(), s.agentID, hb.HealthMetrics); err != nil {
			h.logger.Warn("heartbeat", zap.Error(err))
		}

	case protocol.TypeAgentStatus:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error(), true)
			return
		}
		update := payload.(*protocol.AgentStatusUpdate)
		if err := h.registry.SetStatus(s.agentID, update.Status); err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error(), true)
			return
		}
		if update.Status == protocol.AgentReady {
			h.router.TryDispatch(context.Background(), s.agentID)
		}

	case protocol.TypeAgentError:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error(), true)
			return
		}
		report := payload.(*protocol.AgentErrorReport)
		h.logger.Warn("agent error report",
			zap.String("agent_id", s.agentID.String()),
			zap.String("code", report.Code),
			zap.Bool("recoverable", report.Recoverable),
		)
		agentID := s.agentID
		_ = h.audit.Record(audit.Event{
			ID:      uuid.New(),
			Kind:    audit.EventAgentError,
			AgentID: &agentID,
			Details: map[string]any{"code": report.Code, "message": report.Message},
		})
		h.conns.BroadcastAgentEvent(s.agentID, frame)

	case protocol.TypeTerminalOutput:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error(), true)
			return
		}
		h.router.OnOutput(frame, payload.(*protocol.TerminalOutput))

	case protocol.TypeCommandComplete:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error(), true)
			return
		}
		h.router.OnComplete(context.Background(), s.agentID, payload.(*protocol.CommandComplete))

	default:
		s.sendError(protocol.ErrCodeProtocol, "unexpected frame type "+string(frame.Type), true)
	}
}

// register processes agent:connect: directory upsert, connection binding,
// and the audit trail. Shared by the first frame and later re-registrations.
func (s *agentSession) register(frame *protocol.Frame) {
	h := s.handler

	payload, err := protocol.DecodePayload(frame)
	if err != nil {
		if s.registered {
			s.sendError(protocol.ErrCodeProtocol, err.Error(), true)
		} else {
			s.conn.Close(protocol.CloseAuthFailed, "invalid agent:connect")
		}
		return
	}
	connect := payload.(*protocol.AgentConnect)
	if connect.AgentID != s.agentID.String() {
		s.conn.Close(protocol.CloseAuthFailed, "agent id mismatch")
		return
	}

	if _, err := h.registry.Connect(context.Background(), connect); err != nil {
		h.logger.Error("agent registration", zap.Error(err))
		s.conn.Close(protocol.CloseNormal, "registration failed")
		return
	}

	if !s.registered {
		if err := h.conns.RegisterAgent(s.conn, s.agentID); err != nil {
			h.logger.Error("agent session bind", zap.Error(err))
			return
		}
		s.registered = true

		agentID := s.agentID
		_ = h.audit.Record(audit.Event{
			ID:        uuid.New(),
			Kind:      audit.EventAgentConnect,
			AgentID:   &agentID,
			SourceIP:  s.conn.RemoteAddr,
			UserAgent: s.conn.UserAgent,
			Details:   map[string]any{"agentType": string(connect.AgentType), "version": connect.Version},
		})
	}
}

func (s *agentSession) sendError(code, message string, recoverable bool) {
	frame, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	})
	if err != nil {
		return
	}
	_ = s.conn.Send(frame)
}
