// Package session manages the persistent WebSocket connection between the
// wrapper and the Onsembl server. It handles:
//   - Dialing /ws/agent with the stored access token and sending the
//     agent:connect registration frame
//   - The heartbeat loop (periodic liveness signals with health metrics)
//   - Frame dispatch: command:request / command:interrupt to the supervisor,
//     agent:control for restart/stop, token:refresh into the credential store
//   - Automatic reconnection with exponential backoff + jitter behind a
//     circuit breaker
//
// The Manager implements supervisor.Reporter so the supervisor can report
// state, output, and completions without knowing about WebSockets.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/agent/internal/credentials"
	"github.com/onsembl/onsembl/agent/internal/metrics"
	"github.com/onsembl/onsembl/agent/internal/stream"
	"github.com/onsembl/onsembl/agent/internal/supervisor"
	"github.com/onsembl/onsembl/shared/protocol"
	"github.com/onsembl/onsembl/shared/reconnect"
)

const dialTimeout = 10 * time.Second

// ErrTransportFailed is returned by Run when the reconnect budget is
// exhausted or the circuit breaker gives up. The CLI maps it to exit code 3.
var ErrTransportFailed = errors.New("session: unable to reach the server")

// ErrAuthFailed is returned when the server rejects the stored credential
// and a refresh attempt did not help. The CLI maps it to exit code 2.
var ErrAuthFailed = errors.New("session: authentication rejected")

// errStopRequested ends the session loop after an agent:control{stop}.
var errStopRequested = errors.New("session: stop requested")

// Config holds the session parameters derived from the wrapper config.
type Config struct {
	// URL is the full /ws/agent endpoint (ws:// or wss://).
	URL       string
	AgentID   uuid.UUID
	AgentType protocol.AgentKind
	Version   string

	HeartbeatInterval  time.Duration
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration

	Capabilities protocol.Capabilities
}

// Manager owns the control-plane connection. Create with New, then call Run.
type Manager struct {
	cfg       Config
	sup       *supervisor.Supervisor
	creds     credentials.Store
	collector *metrics.Collector
	logger    *zap.Logger

	breaker *reconnect.CircuitBreaker

	// mu guards conn, replaced on every reconnect. writeMu serialises
	// writes to the current conn — gorilla allows one concurrent writer.
	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stopped chan struct{}
	once    sync.Once
}

// New creates a session Manager.
func New(cfg Config, sup *supervisor.Supervisor, creds credentials.Store, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		sup:       sup,
		creds:     creds,
		collector: collector,
		logger:    logger.Named("session"),
		breaker: reconnect.NewBreaker(reconnect.BreakerConfig{
			OnStateChange: func(from, to reconnect.BreakerState) {
				logger.Warn("reconnect breaker state change",
					zap.String("from", string(from)),
					zap.String("to", string(to)),
				)
			},
		}),
		stopped: make(chan struct{}),
	}
}

// Run connects to the server and keeps the session alive until ctx is
// cancelled, a stop is requested, or reconnection gives up.
func (m *Manager) Run(ctx context.Context) error {
	backoff := reconnect.NewBackoff(reconnect.BackoffConfig{
		Base:        m.cfg.ReconnectBaseDelay,
		MaxAttempts: m.cfg.ReconnectAttempts,
	})
	authRetried := false

	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-m.stopped:
			return nil
		default:
		}

		if !m.breaker.CanAttempt() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		m.logger.Info("connecting to server", zap.String("url", m.cfg.URL))

		err := m.connect(ctx)
		switch {
		case err == nil:
			// Session ended cleanly (ctx cancelled or server closed
			// normally); a full session resets the retry budget.
			m.breaker.RecordSuccess()
			backoff.Reset()
			authRetried = false
			if ctx.Err() != nil {
				return nil
			}

		case errors.Is(err, errStopRequested):
			return nil

		case errors.Is(err, credentials.ErrNoCredential):
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)

		case errors.Is(err, ErrAuthFailed):
			// One immediate retry: the credential store may hold a newer
			// token delivered by token:refresh before the drop.
			if authRetried {
				return err
			}
			authRetried = true
			continue

		default:
			m.breaker.RecordFailure()
		}

		delay, ok := backoff.Next()
		if !ok {
			return fmt.Errorf("%w: %d attempts exhausted", ErrTransportFailed, backoff.Attempt())
		}
		m.logger.Warn("connection lost, retrying",
			zap.Error(err),
			zap.Duration("backoff", delay),
			zap.Int("attempt", backoff.Attempt()),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// connect establishes one session: dial → agent:connect → read and
// heartbeat loops. Returns when the session ends.
func (m *Manager) connect(ctx context.Context) error {
	token, err := m.creds.Token()
	if err != nil {
		return err
	}

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("session: endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("agentId", m.cfg.AgentID.String())
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{"Authorization": {"Bearer " + token}}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: server replied %d", ErrAuthFailed, resp.StatusCode)
		}
		return fmt.Errorf("session: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()
	}()

	if err := m.register(); err != nil {
		return fmt.Errorf("session: registration: %w", err)
	}
	m.logger.Info("registered with server", zap.String("agent_id", m.cfg.AgentID.String()))

	// Heartbeat and read loops run until either fails; the session is then
	// torn down and the outer Run loop reconnects.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(sessionCtx) }()
	go func() { errCh <- m.readLoop() }()

	err = <-errCh
	cancel()
	if ctx.Err() != nil {
		// Graceful shutdown, not a session failure.
		return nil
	}
	if closeErr := (&websocket.CloseError{}); errors.As(err, &closeErr) && closeErr.Code == protocol.CloseAuthFailed {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return err
}

// register sends the agent:connect frame carrying identity and capabilities.
func (m *Manager) register() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	frame, err := protocol.NewFrame(protocol.TypeAgentConnect, protocol.AgentConnect{
		AgentID:   m.cfg.AgentID.String(),
		AgentType: m.cfg.AgentType,
		Version:   m.cfg.Version,
		HostMachine: protocol.HostMachine{
			Hostname: hostname,
			Platform: runtime.GOOS,
			PID:      os.Getpid(),
		},
		Capabilities: m.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	return m.send(frame)
}

// heartbeatLoop sends agent:heartbeat frames on the configured cadence.
func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			frame, err := protocol.NewFrame(protocol.TypeAgentHeartbeat, protocol.AgentHeartbeat{
				AgentID:       m.cfg.AgentID.String(),
				HealthMetrics: m.collector.Snapshot(),
			})
			if err != nil {
				return err
			}
			if err := m.send(frame); err != nil {
				return fmt.Errorf("session: heartbeat: %w", err)
			}
			m.logger.Debug("heartbeat sent")
		}
	}
}

// readLoop decodes and dispatches inbound frames until the socket closes.
func (m *Manager) readLoop() error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return errors.New("session: no connection")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("undecodable frame from server", zap.Error(err))
			continue
		}

		if err := m.handle(frame); err != nil {
			if errors.Is(err, errStopRequested) {
				return err
			}
			m.logger.Warn("frame handling failed",
				zap.String("type", string(frame.Type)),
				zap.Error(err),
			)
		}
	}
}

// handle dispatches one inbound frame.
func (m *Manager) handle(frame *protocol.Frame) error {
	payload, err := protocol.DecodePayload(frame)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *protocol.CommandRequest:
		if err := m.sup.Submit(*p); err != nil {
			// The server settles the command from this completion rather
			// than leaving it dispatched forever.
			m.ReportComplete(p.CommandID, 1, err.Error(), false)
		}
		return nil

	case *protocol.CommandInterrupt:
		return m.sup.Interrupt(p.CommandID, p.Reason)

	case *protocol.AgentControl:
		switch p.Action {
		case protocol.ControlRestart:
			m.sup.Restart(p.Reason)
			return nil
		case protocol.ControlStop:
			m.sup.Stop(p.Reason)
			m.once.Do(func() { close(m.stopped) })
			return errStopRequested
		default:
			return fmt.Errorf("session: unknown control action %q", p.Action)
		}

	case *protocol.TokenRefresh:
		if err := m.creds.SetToken(p.AccessToken, time.Duration(p.ExpiresIn)*time.Second); err != nil {
			return err
		}
		m.logger.Info("access token refreshed",
			zap.Int64("expires_in_s", p.ExpiresIn),
		)
		return nil

	case *protocol.ConnectionAck:
		m.logger.Info("connection acknowledged",
			zap.String("connection_id", p.ConnectionID),
			zap.String("server_version", p.ServerVersion),
			zap.Strings("features", p.Features),
		)
		return nil

	case *protocol.ErrorPayload:
		m.logger.Warn("server error frame",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
			zap.Bool("recoverable", p.Recoverable),
		)
		return nil

	default:
		switch frame.Type {
		case protocol.TypePing:
			pong, err := protocol.NewFrame(protocol.TypePong, struct{}{})
			if err != nil {
				return err
			}
			return m.send(pong)
		case protocol.TypePong, protocol.TypeAck:
			return nil
		}
		return fmt.Errorf("session: unexpected frame type %q", frame.Type)
	}
}

// send encodes and writes one frame on the current connection.
func (m *Manager) send(frame *protocol.Frame) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return errors.New("session: not connected")
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendBestEffort drops the frame with a debug log when disconnected —
// supervisor reports must never block on the network.
func (m *Manager) sendBestEffort(frame *protocol.Frame) {
	if err := m.send(frame); err != nil {
		m.logger.Debug("frame dropped while disconnected",
			zap.String("type", string(frame.Type)),
		)
	}
}

// --- supervisor.Reporter ---

// ReportState forwards a supervisor state transition as agent:status.
func (m *Manager) ReportState(state protocol.AgentState, reason string) {
	update := protocol.AgentStatusUpdate{
		AgentID:   m.cfg.AgentID.String(),
		AgentType: m.cfg.AgentType,
		Status:    state,
	}
	if reason != "" {
		update.Metadata = map[string]string{"reason": reason}
	}
	frame, err := protocol.NewFrame(protocol.TypeAgentStatus, update)
	if err != nil {
		return
	}
	m.sendBestEffort(frame)
}

// ReportOutput forwards one output chunk as terminal:output.
func (m *Manager) ReportOutput(commandID string, sequence uint64, c stream.Chunk) {
	frame, err := protocol.NewFrame(protocol.TypeTerminalOutput, protocol.TerminalOutput{
		CommandID: commandID,
		AgentID:   m.cfg.AgentID.String(),
		Data:      c.Data,
		Stream:    c.Stream,
		Sequence:  sequence,
		ANSICodes: c.ANSICodes,
		IsBlank:   c.IsBlank,
		IsBinary:  c.IsBinary,
	})
	if err != nil {
		return
	}
	m.sendBestEffort(frame)
}

// ReportComplete forwards a command completion as command:complete.
func (m *Manager) ReportComplete(commandID string, exitCode int, errMsg string, interrupted bool) {
	frame, err := protocol.NewFrame(protocol.TypeCommandComplete, protocol.CommandComplete{
		CommandID:   commandID,
		AgentID:     m.cfg.AgentID.String(),
		ExitCode:    exitCode,
		Error:       errMsg,
		Interrupted: interrupted,
	})
	if err != nil {
		return
	}
	m.sendBestEffort(frame)
}

// ReportError forwards a supervisor failure as agent:error.
func (m *Manager) ReportError(code, message string, recoverable bool) {
	frame, err := protocol.NewFrame(protocol.TypeAgentError, protocol.AgentErrorReport{
		AgentID:     m.cfg.AgentID.String(),
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	})
	if err != nil {
		return
	}
	m.sendBestEffort(frame)
}
