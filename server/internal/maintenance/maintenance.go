// Package maintenance runs the server's periodic background work on a gocron
// scheduler: the audit retention sweep and mid-session token refresh for
// connected agent wrappers.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/server/internal/audit"
	"github.com/onsembl/onsembl/server/internal/auth"
	"github.com/onsembl/onsembl/server/internal/connections"
	"github.com/onsembl/onsembl/shared/protocol"
)

const (
	// sweepInterval is how often expired audit entries are hard-deleted.
	// Query-time filtering already hides them, so a daily sweep is enough.
	sweepInterval = 24 * time.Hour

	// refreshInterval must be comfortably below the access token TTL so a
	// wrapper always holds a valid token for its next reconnect attempt.
	refreshInterval = 10 * time.Minute
)

// Scheduler wraps gocron and owns the server's recurring jobs.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	audit  *audit.Service
	conns  *connections.Manager
	jwt    *auth.JWTManager
	logger *zap.Logger
}

// New creates the maintenance scheduler. Call Start to register and run the
// jobs, Stop on shutdown.
func New(auditSvc *audit.Service, conns *connections.Manager, jwt *auth.JWTManager, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("maintenance: create scheduler: %w", err)
	}
	return &Scheduler{
		cron:   cron,
		audit:  auditSvc,
		conns:  conns,
		jwt:    jwt,
		logger: logger.Named("maintenance"),
	}, nil
}

// Start registers the recurring jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(s.sweepAudit),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("maintenance: schedule audit sweep: %w", err)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(refreshInterval),
		gocron.NewTask(s.refreshAgentTokens),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("maintenance: schedule token refresh: %w", err)
	}

	s.cron.Start()
	s.logger.Info("maintenance jobs scheduled",
		zap.Duration("audit_sweep", sweepInterval),
		zap.Duration("token_refresh", refreshInterval),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

func (s *Scheduler) sweepAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.audit.Sweep(ctx); err != nil {
		s.logger.Error("audit sweep failed", zap.Error(err))
	}
}

// refreshAgentTokens mints a replacement access token for every connected
// wrapper and delivers it in-band, so sessions outlive the 15-minute token
// TTL without reconnecting.
func (s *Scheduler) refreshAgentTokens() {
	for _, agentID := range s.conns.AgentIDs() {
		token, err := s.jwt.GenerateAccessToken(agentID.String(), auth.KindAgent)
		if err != nil {
			s.logger.Error("mint refresh token", zap.String("agent_id", agentID.String()), zap.Error(err))
			continue
		}
		frame, err := protocol.NewFrame(protocol.TypeTokenRefresh, protocol.TokenRefresh{
			AccessToken: token,
			ExpiresIn:   int64(s.jwt.AccessTokenTTL().Seconds()),
		})
		if err != nil {
			continue
		}
		if !s.conns.SendToAgent(agentID, frame) {
			s.logger.Debug("token refresh skipped, agent gone", zap.String("agent_id", agentID.String()))
		}
	}
}
