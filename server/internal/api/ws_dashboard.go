package api

import (
	"context"
	"errors"
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

// wsDashboardHandler upgrades dashboard connections on /ws/dashboard.
// The token is validated before the upgrade; after the ack the dashboard
// immediately receives the full agent list so its fleet view starts
// populated.
type wsDashboardHandler struct {
	jwt      *auth.JWTManager
	conns    *connections.Manager
	registry *registry.Registry
	router   *router.Router
	audit    *audit.Service
	logger   *zap.Logger
}

func (h *wsDashboardHandler) serve(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		ErrUnauthorized(w)
		return
	}
	claims, err := h.jwt.ValidateAccessToken(token, auth.KindDashboard)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	c, err := connections.Upgrade(w, r, connections.KindDashboard, claims.Principal, h.logger)
	if err != nil {
		h.logger.Warn("dashboard upgrade failed", zap.Error(err))
		return
	}
	if err := h.conns.RegisterDashboard(c); err != nil {
		h.logger.Error("dashboard session bind", zap.Error(err))
		return
	}

	_ = h.audit.Record(audit.Event{
		ID:        uuid.New(),
		Kind:      audit.EventUserLogin,
		SourceIP:  c.RemoteAddr,
		UserAgent: c.UserAgent,
		Details:   map[string]any{"principal": claims.Principal},
	})
	h.sendAgentList(c)

	s := &dashboardSession{handler: h, conn: c, principal: claims.Principal}
	c.ReadLoop(s.handle)

	_ = h.audit.Record(audit.Event{
		ID:       uuid.New(),
		Kind:     audit.EventUserLogout,
		SourceIP: c.RemoteAddr,
		Details:  map[string]any{"principal": claims.Principal},
	})
}

func (h *wsDashboardHandler) sendAgentList(c *connections.Conn) {
	frame, err := protocol.NewFrame(protocol.TypeAgentList, protocol.AgentList{
		Agents: h.registry.List(),
	})
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

// dashboardSession is the per-connection state of one dashboard session.
type dashboardSession struct {
	handler   *wsDashboardHandler
	conn      *connections.Conn
	principal string
}

func (s *dashboardSession) handle(frame *protocol.Frame) {
	h := s.handler

	switch frame.Type {
	case protocol.TypeDashboardConnect:
		// Authentication already happened at the upgrade; the in-band
		// connect is acknowledged for protocol symmetry.
		s.ack(frame)

	case protocol.TypeDashboardSubscribe:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error())
			return
		}
		sub := payload.(*protocol.DashboardSubscribe)
		ids := make([]uuid.UUID, 0, len(sub.AgentIDs))
		for _, raw := range sub.AgentIDs {
			ids = append(ids, uuid.MustParse(raw)) // validated by DecodePayload
		}
		s.conn.Subscribe(ids, sub.Replace)
		s.ack(frame)
		// Prime the dashboard with the current queue of each agent it now
		// watches.
		for _, agentID := range ids {
			s.sendQueue(agentID)
		}

	case protocol.TypeCommandRequest:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error())
			return
		}
		req := payload.(*protocol.CommandRequest)
		switch err := h.router.Submit(context.Background(), s.principal, req); {
		case errors.Is(err, router.ErrQueueFull):
			s.sendError(protocol.ErrCodeQueueClosed, "agent queue is full")
		case errors.Is(err, router.ErrUnknownAgent):
			s.sendError(protocol.ErrCodeNotFound, "unknown agent")
		case errors.Is(err, router.ErrAgentStopping):
			s.sendError(protocol.ErrCodeQueueClosed, "agent is stopping")
		case err != nil:
			h.logger.Error("submit", zap.Error(err))
			s.sendError(protocol.ErrCodeInternal, "submission failed")
		}

	case protocol.TypeCommandInterrupt:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error())
			return
		}
		intr := payload.(*protocol.CommandInterrupt)
		cmdID := uuid.MustParse(intr.CommandID)
		if err := h.router.Interrupt(context.Background(), cmdID, intr.Reason); err != nil {
			s.sendError(protocol.ErrCodeNotFound, "unknown command")
		}

	case protocol.TypeEmergencyStop:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error())
			return
		}
		stop := payload.(*protocol.EmergencyStopRequest)
		scope := make([]uuid.UUID, 0, len(stop.AgentIDs))
		for _, raw := range stop.AgentIDs {
			scope = append(scope, uuid.MustParse(raw))
		}
		h.router.EmergencyStop(context.Background(), scope, stop.Reason)

	case protocol.TypeAgentControl:
		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, err.Error())
			return
		}
		ctl := payload.(*protocol.AgentControl)
		agentID, err := uuid.Parse(ctl.AgentID)
		if err != nil {
			s.sendError(protocol.ErrCodeProtocol, "agentId must be a UUID")
			return
		}
		_ = h.audit.Record(audit.Event{
			ID:      uuid.New(),
			Kind:    audit.EventConfigChange,
			AgentID: &agentID,
			Details: map[string]any{"action": string(ctl.Action), "reason": ctl.Reason, "principal": s.principal},
		})
		if !h.conns.SendToAgent(agentID, frame) {
			s.sendError(protocol.ErrCodeNotFound, "agent is not connected")
		}

	default:
		s.sendError(protocol.ErrCodeProtocol, "unexpected frame type "+string(frame.Type))
	}
}

func (s *dashboardSession) sendQueue(agentID uuid.UUID) {
	frame, err := protocol.NewFrame(protocol.TypeCommandQueue, protocol.CommandQueueUpdate{
		AgentID: agentID.String(),
		Queue:   s.handler.router.QueueSnapshot(agentID),
	})
	if err != nil {
		return
	}
	_ = s.conn.Send(frame)
}

func (s *dashboardSession) ack(frame *protocol.Frame) {
	reply, err := protocol.NewFrame(protocol.TypeAck, protocol.AckPayload{MessageID: frame.ID})
	if err != nil {
		return
	}
	_ = s.conn.Send(reply)
}

func (s *dashboardSession) sendError(code, message string) {
	frame, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: true,
	})
	if err != nil {
		return
	}
	_ = s.conn.Send(frame)
}
