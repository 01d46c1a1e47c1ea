package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/server/internal/audit"
	"github.com/onsembl/onsembl/server/internal/registry"
	"github.com/onsembl/onsembl/server/internal/repositories"
)

// restHandler serves the read-only REST endpoints. All writes in the system
// flow over WebSocket; REST exists for dashboards and operators to inspect
// state without holding a socket open.
type restHandler struct {
	registry *registry.Registry
	commands repositories.CommandRepository
	audit    *audit.Service
	logger   *zap.Logger
}

// listAgents returns the full agent directory with live status merged in.
func (h *restHandler) listAgents(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.registry.List())
}

// getCommand returns one command's durable record.
func (h *restHandler) getCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "command id must be a UUID")
		return
	}

	cmd, err := h.commands.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get command", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, cmd)
}

// queryAudit returns audit entries matching the query parameters. Entries
// past the retention window are never returned.
func (h *restHandler) queryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterFromQuery(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	entries, err := h.audit.Query(r.Context(), f)
	if err != nil {
		h.logger.Error("audit query", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, entries)
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	var f audit.Filter
	q := r.URL.Query()

	if kind := q.Get("kind"); kind != "" {
		if !audit.ValidKind(audit.EventKind(kind)) {
			return f, errors.New("unknown audit event kind")
		}
		f.Kind = audit.EventKind(kind)
	}
	for param, dst := range map[string]**uuid.UUID{
		"userId":    &f.UserID,
		"agentId":   &f.AgentID,
		"commandId": &f.CommandID,
	} {
		if raw := q.Get(param); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return f, errors.New(param + " must be a UUID")
			}
			*dst = &id
		}
	}
	for param, dst := range map[string]*time.Time{
		"from": &f.From,
		"to":   &f.To,
	} {
		if raw := q.Get(param); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, errors.New(param + " must be RFC3339")
			}
			*dst = ts
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	return f, nil
}
