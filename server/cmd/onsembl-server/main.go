// Command onsembl-server runs the Onsembl control plane: the WebSocket
// endpoints for agent wrappers and dashboards, the command router, and the
// REST/observability surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onsembl/onsembl/server/internal/api"
	"github.com/onsembl/onsembl/server/internal/audit"
	"github.com/onsembl/onsembl/server/internal/auth"
	"github.com/onsembl/onsembl/server/internal/connections"
	"github.com/onsembl/onsembl/server/internal/db"
	"github.com/onsembl/onsembl/server/internal/maintenance"
	"github.com/onsembl/onsembl/server/internal/registry"
	"github.com/onsembl/onsembl/server/internal/repositories"
	"github.com/onsembl/onsembl/server/internal/router"
	"github.com/onsembl/onsembl/shared/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	jwtPrivateKey     string
	jwtPublicKey      string
	jwtIssuer         string
	logLevel          string
	heartbeatInterval time.Duration
	retentionDays     int
	queueCap          int
	commandTimeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "onsembl-server",
		Short: "Onsembl server — real-time control plane for AI coding agents",
		Long: `Onsembl server conducts a fleet of agent wrappers over WebSocket:
it queues and dispatches commands, streams terminal output to dashboards,
and keeps an append-only audit trail of everything the fleet does.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTokenCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ONSEMBL_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ONSEMBL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ONSEMBL_DB_DSN", "./onsembl.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("ONSEMBL_JWT_PRIVATE_KEY", ""), "Path to the RSA private key PEM (empty generates an ephemeral pair)")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("ONSEMBL_JWT_PUBLIC_KEY", ""), "Path to the RSA public key PEM")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("ONSEMBL_JWT_ISSUER", "onsembl"), "Issuer claim stamped on minted tokens")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ONSEMBL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envDurationOrDefault("ONSEMBL_HEARTBEAT_INTERVAL", 30*time.Second), "Expected agent heartbeat cadence")
	root.PersistentFlags().IntVar(&cfg.retentionDays, "audit-retention-days", envIntOrDefault("ONSEMBL_AUDIT_RETENTION_DAYS", 30), "Audit entry retention window in days")
	root.PersistentFlags().IntVar(&cfg.queueCap, "queue-cap", envIntOrDefault("ONSEMBL_QUEUE_CAP", router.DefaultQueueCap), "Per-agent command queue capacity")
	root.PersistentFlags().DurationVar(&cfg.commandTimeout, "command-timeout", envDurationOrDefault("ONSEMBL_COMMAND_TIMEOUT", router.DefaultCommandTimeout), "Default command execution timeout")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("onsembl-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newTokenCmd mints access tokens from the server's signing key. Operators
// use it to provision agent wrappers and dashboards.
func newTokenCmd(cfg *config) *cobra.Command {
	var principal, kind string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for an agent or dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.jwtPrivateKey == "" || cfg.jwtPublicKey == "" {
				return fmt.Errorf("token minting requires --jwt-private-key and --jwt-public-key")
			}
			pk := auth.PrincipalKind(kind)
			if pk != auth.KindAgent && pk != auth.KindDashboard {
				return fmt.Errorf("--kind must be agent or dashboard")
			}
			if pk == auth.KindAgent {
				if _, err := uuid.Parse(principal); err != nil {
					return fmt.Errorf("agent principal must be the agent's UUID: %w", err)
				}
			}

			mgr, err := auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
			if err != nil {
				return err
			}
			token, err := mgr.GenerateAccessToken(principal, pk)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&principal, "principal", "", "Token principal: agent UUID or dashboard user id")
	cmd.Flags().StringVar(&kind, "kind", "dashboard", "Principal kind (agent or dashboard)")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting onsembl server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	agentRepo := repositories.NewAgentRepository(database)
	commandRepo := repositories.NewCommandRepository(database)

	jwtMgr, err := buildJWTManager(cfg, logger)
	if err != nil {
		return err
	}

	auditSvc := audit.New(database, time.Duration(cfg.retentionDays)*24*time.Hour, logger)
	auditCtx, auditCancel := context.WithCancel(context.Background())
	defer auditCancel()
	go auditSvc.Run(auditCtx)

	conns := connections.NewManager(version, logger)

	// Every accepted status transition reaches all dashboards so their
	// fleet view tracks the registry exactly.
	reg := registry.New(registry.Config{
		Repo:   agentRepo,
		Logger: logger,
		Observer: func(update protocol.AgentStatusUpdate) {
			frame, err := protocol.NewFrame(protocol.TypeAgentStatus, update)
			if err != nil {
				return
			}
			conns.BroadcastDashboards(frame)
		},
		HeartbeatInterval: cfg.heartbeatInterval,
	})
	if err := reg.Load(ctx); err != nil {
		return err
	}

	cmdRouter := router.New(router.Config{
		Repo:           commandRepo,
		Agents:         reg,
		Conns:          conns,
		Auditor:        auditSvc,
		Logger:         logger,
		QueueCap:       cfg.queueCap,
		DefaultTimeout: cfg.commandTimeout,
	})

	conns.OnAgentGone(func(agentID uuid.UUID) {
		reg.Disconnect(agentID)
		cmdRouter.AgentGone(context.Background(), agentID)
		id := agentID
		_ = auditSvc.Record(audit.Event{
			ID:      uuid.New(),
			Kind:    audit.EventAgentDisconnect,
			AgentID: &id,
		})
	})

	// Commands left non-terminal by a crash are failed once, up front, so
	// the history never shows a command as running forever.
	if failed, err := commandRepo.FailInFlight(ctx, "shutdown"); err != nil {
		return fmt.Errorf("startup command sweep: %w", err)
	} else if len(failed) > 0 {
		logger.Warn("failed commands left in flight by previous run", zap.Int("count", len(failed)))
	}

	go reg.MonitorRun(ctx)

	sched, err := maintenance.New(auditSvc, conns, jwtMgr, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	handler := api.NewRouter(api.RouterConfig{
		JWT:      jwtMgr,
		Registry: reg,
		Router:   cmdRouter,
		Conns:    conns,
		Audit:    auditSvc,
		Commands: commandRepo,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		auditCancel()
		auditSvc.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down onsembl server")

	// Order matters: settle open commands first so their terminal
	// broadcasts still reach connected dashboards, then close sessions,
	// then stop the HTTP listener and flush the audit funnel.
	cmdRouter.Shutdown(context.Background())
	conns.CloseAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}

	auditCancel()
	auditSvc.Wait()
	return nil
}

func buildJWTManager(cfg *config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.jwtPrivateKey != "" && cfg.jwtPublicKey != "" {
		return auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
	}
	logger.Warn("no JWT key pair configured, generating an ephemeral one; tokens will not survive restarts")
	return auth.NewJWTManagerGenerated(cfg.jwtIssuer)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
