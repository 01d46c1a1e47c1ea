// Command onsembl-agent wraps an AI coding agent process (claude, gemini,
// codex, or a custom command) and connects it to the Onsembl control plane.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 authentication
// required, 3 server unreachable, 4 child process failed fatally.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/agent/internal/config"
	"github.com/onsembl/onsembl/agent/internal/credentials"
	"github.com/onsembl/onsembl/agent/internal/metrics"
	"github.com/onsembl/onsembl/agent/internal/session"
	"github.com/onsembl/onsembl/agent/internal/supervisor"
	"github.com/onsembl/onsembl/shared/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitConfig       = 1
	exitAuthRequired = 2
	exitTransport    = 3
	exitChildFatal   = 4
)

// flags are the CLI overrides applied on top of file and environment config.
type flags struct {
	configPath   string
	serverURL    string
	apiKey       string
	agentID      string
	agentType    string
	agentCommand string
	stateDir     string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the wrapper's sentinel errors to documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, session.ErrAuthFailed), errors.Is(err, credentials.ErrNoCredential):
		return exitAuthRequired
	case errors.Is(err, session.ErrTransportFailed):
		return exitTransport
	case errors.Is(err, supervisor.ErrChildFatal):
		return exitChildFatal
	default:
		return exitConfig
	}
}

func newRootCmd() *cobra.Command {
	fl := &flags{}

	root := &cobra.Command{
		Use:   "onsembl-agent",
		Short: "Onsembl agent wrapper — connect a coding agent to the control plane",
		Long: `onsembl-agent spawns and supervises an AI coding agent process and
bridges it to the Onsembl server over WebSocket: commands in, terminal
output and status out.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), fl)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newAuthCmd(fl))

	root.PersistentFlags().StringVarP(&fl.configPath, "config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&fl.stateDir, "state-dir", "", "Directory for agent state and credentials")
	root.PersistentFlags().StringVar(&fl.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.Flags().StringVar(&fl.serverURL, "server-url", "", "Control plane base URL")
	root.Flags().StringVar(&fl.apiKey, "api-key", "", "Bootstrap access token (stored in the credential store)")
	root.Flags().StringVar(&fl.agentID, "agent-id", "", "Stable agent identity (UUID)")
	root.Flags().StringVar(&fl.agentType, "agent-type", "", "Agent kind (claude, gemini, codex, custom)")
	root.Flags().StringVar(&fl.agentCommand, "agent-command", "", "Child process to supervise")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("onsembl-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newAuthCmd manages the encrypted credential store without starting the
// wrapper: login stores a token, status shows its expiry, logout removes it.
func newAuthCmd(fl *flags) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
	}

	var token string
	login := &cobra.Command{
		Use:   "login",
		Short: "Store an access token in the credential store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("ONSEMBL_API_KEY")
			}
			if token == "" {
				return fmt.Errorf("provide a token via --token or ONSEMBL_API_KEY")
			}
			store, err := openStore(fl)
			if err != nil {
				return err
			}
			if err := store.SetToken(token, 0); err != nil {
				return err
			}
			fmt.Println("credential stored")
			return nil
		},
	}
	login.Flags().StringVar(&token, "token", "", "Access token minted by the server")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether a credential is stored and when it expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(fl)
			if err != nil {
				return err
			}
			if _, err := store.Token(); err != nil {
				if errors.Is(err, credentials.ErrNoCredential) {
					fmt.Println("no credential stored")
					return nil
				}
				return err
			}
			expires, err := store.ExpiresAt()
			if err != nil {
				return err
			}
			if expires.IsZero() {
				fmt.Println("credential stored (no expiry recorded)")
			} else {
				fmt.Printf("credential stored, expires %s\n", expires.Format(time.RFC3339))
			}
			return nil
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(fl)
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("credential removed")
			return nil
		},
	}

	auth.AddCommand(login, status, logout)
	return auth
}

func openStore(fl *flags) (*credentials.FileStore, error) {
	cfg, err := loadConfig(fl, false)
	if err != nil {
		return nil, err
	}
	return credentials.NewFileStore(cfg.StateDir)
}

// loadConfig parses the config file, overlays the CLI flags, and applies
// defaults. validate is false for auth subcommands, which only need the
// state directory.
func loadConfig(fl *flags, validate bool) (*config.Config, error) {
	cfg, err := config.LoadFile(fl.configPath)
	if err != nil {
		return nil, err
	}

	if fl.serverURL != "" {
		cfg.ServerURL = fl.serverURL
	}
	if fl.apiKey != "" {
		cfg.APIKey = fl.apiKey
	}
	if fl.agentID != "" {
		cfg.AgentID = fl.agentID
	}
	if fl.agentType != "" {
		cfg.AgentType = protocol.AgentKind(fl.agentType)
	}
	if fl.agentCommand != "" {
		cfg.AgentCommand = fl.agentCommand
	}
	if fl.stateDir != "" {
		cfg.StateDir = fl.stateDir
	}
	if fl.logLevel != "" {
		cfg.LogLevel = fl.logLevel
	}

	config.ApplyDefaults(cfg)

	if validate {
		if errs := config.Validate(cfg); len(errs) > 0 {
			return nil, fmt.Errorf("invalid configuration: %v", errors.Join(errs...))
		}
	}
	return cfg, nil
}

func run(ctx context.Context, fl *flags) error {
	cfg, err := loadConfig(fl, true)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := credentials.NewFileStore(cfg.StateDir)
	if err != nil {
		return err
	}
	// A token given on the command line or in the file refreshes the store
	// before anything else reads it.
	if cfg.APIKey != "" {
		if err := store.SetToken(cfg.APIKey, 0); err != nil {
			return err
		}
	}
	token, err := store.Token()
	if err != nil {
		return fmt.Errorf("no access token: run 'onsembl-agent auth login' first: %w", err)
	}

	agentID, err := session.ResolveAgentID(cfg.AgentID, cfg.StateDir, token)
	if err != nil {
		return err
	}

	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return err
	}

	logger.Info("starting onsembl agent wrapper",
		zap.String("version", version),
		zap.String("agent_id", agentID.String()),
		zap.String("agent_type", string(cfg.AgentType)),
		zap.String("agent_command", cfg.AgentCommand),
		zap.String("server_url", cfg.ServerURL),
	)

	collector := metrics.NewCollector()

	sup := supervisor.New(supervisor.Config{
		Command:          cfg.AgentCommand,
		Args:             cfg.AgentArgs,
		WorkingDirectory: cfg.WorkingDirectory,
		Env:              cfg.ChildEnv(),
		ReadySentinels:   cfg.ReadySentinels,
		InterruptSignal:  cfg.InterruptSignal,
		OutputBufferSize: cfg.OutputBufferSize,
		FlushInterval:    cfg.OutputFlushInterval(),
		MaxMemoryMB:      cfg.MaxMemoryMB,
		MaxCPUPercent:    cfg.MaxCPUPercent,
	}, collector, logger)

	mgr := session.New(session.Config{
		URL:                wsURL,
		AgentID:            agentID,
		AgentType:          cfg.AgentType,
		Version:            version,
		HeartbeatInterval:  cfg.HeartbeatInterval(),
		ReconnectAttempts:  cfg.ReconnectAttempts,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay(),
		Capabilities: protocol.Capabilities{
			MaxTokens:         cfg.KindOpts().MaxTokens,
			SupportsInterrupt: true,
		},
	}, sup, store, collector, logger)

	// The supervisor and the session run side by side: the session reports
	// the supervisor's events upstream, and either one failing terminally
	// brings the wrapper down.
	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx, mgr) }()
	go func() { errCh <- mgr.Run(ctx) }()

	err = <-errCh
	interrupted := ctx.Err() != nil
	cancel()
	if second := <-errCh; err == nil {
		err = second
	}
	if interrupted {
		// Operator shutdown; both sides wound down on the cancellation.
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("onsembl agent wrapper stopped")
	return nil
}

// buildLogger builds the wrapper's zap logger, adding a file sink when
// logFile is set.
func buildLogger(level, logFile string) (*zap.Logger, error) {
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

	cfg.OutputPaths = []string{"stderr"}
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}

	return cfg.Build()
}
