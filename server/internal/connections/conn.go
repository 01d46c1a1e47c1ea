package connections

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/shared/protocol"
)

const (
	// writeWait bounds a single wire write so a stalled peer cannot block
	// the writePump.
	writeWait = 10 * time.Second

	// pingInterval is how often the server sends a ping control frame.
	pingInterval = 30 * time.Second

	// pongWait is the read deadline: pingInterval plus the grace the peer
	// has to answer. A connection silent this long is closed with the
	// heartbeat-timeout code.
	pongWait = pingInterval + 10*time.Second

	// maxFrameSize caps inbound frames. Terminal output chunks are clamped
	// to 10000 bytes by the wrapper, so 64KiB leaves ample envelope room.
	maxFrameSize = 64 * 1024

	// sendBufferSize is the per-connection outbound high-watermark. A full
	// buffer means the peer cannot keep up with the output fan-out; it is
	// disconnected with the slow-consumer code rather than allowed to stall
	// the broadcast path.
	sendBufferSize = 256
)

// upgrader performs the HTTP → WebSocket upgrade. Origin validation is left
// to the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Kind distinguishes the two peer roles.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindDashboard Kind = "dashboard"
)

// Conn is one live WebSocket session. Each Conn runs two goroutines: a read
// pump (owned by the caller via ReadLoop) and a writePump started by the
// manager on registration. writePump is the only goroutine that touches the
// wire for writes.
type Conn struct {
	// ID is the connection id, distinct from the agent id: an agent that
	// reconnects gets a new Conn with the same AgentID.
	ID        uuid.UUID
	Kind      Kind
	Principal string

	// AgentID is set for agent connections only.
	AgentID uuid.UUID

	RemoteAddr string
	UserAgent  string

	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mgr *Manager

	closeOnce sync.Once
	closed    chan struct{}

	// subscriptions is the set of agent ids a dashboard wants output and
	// status for. Guarded by subMu; agents never use it.
	subMu         sync.RWMutex
	subscriptions map[uuid.UUID]struct{}
}

// Upgrade performs the WebSocket handshake and wraps the connection.
// The Conn is not live until the manager registers it.
func Upgrade(w http.ResponseWriter, r *http.Request, kind Kind, principal string, logger *zap.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("connections: upgrade: %w", err)
	}

	id := uuid.New()
	return &Conn{
		ID:            id,
		Kind:          kind,
		Principal:     principal,
		RemoteAddr:    r.RemoteAddr,
		UserAgent:     r.UserAgent(),
		conn:          ws,
		send:          make(chan []byte, sendBufferSize),
		logger:        logger.With(zap.String("conn_id", id.String()), zap.String("kind", string(kind))),
		closed:        make(chan struct{}),
		subscriptions: make(map[uuid.UUID]struct{}),
	}, nil
}

// Send encodes the frame and queues it for the writePump. A full buffer
// marks the peer as a slow consumer: the connection is closed with code 4002
// and Send reports the loss.
func (c *Conn) Send(frame *protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("connections: encode %s: %w", frame.Type, err)
	}

	select {
	case <-c.closed:
		return fmt.Errorf("connections: connection closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, disconnecting slow consumer",
			zap.String("type", string(frame.Type)),
		)
		c.Close(protocol.CloseSlowConsumer, "slow consumer")
		return fmt.Errorf("connections: slow consumer")
	}
}

// Close shuts the connection down with the given close code. Idempotent:
// only the first call writes the close frame.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Subscribe adds agent ids to the dashboard's subscription set. When replace
// is true the new set supersedes the old one.
func (c *Conn) Subscribe(agentIDs []uuid.UUID, replace bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if replace {
		c.subscriptions = make(map[uuid.UUID]struct{}, len(agentIDs))
	}
	for _, id := range agentIDs {
		c.subscriptions[id] = struct{}{}
	}
}

// SubscribedTo reports whether the dashboard wants events for agentID.
func (c *Conn) SubscribedTo(agentID uuid.UUID) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[agentID]
	return ok
}

// ReadLoop reads frames until the connection closes, decoding each and
// passing it to handler. Malformed frames get an error reply but do not end
// the session; a read error or missed pong deadline does. ReadLoop blocks —
// call it from the HTTP handler goroutine after registration.
func (c *Conn) ReadLoop(handler func(*protocol.Frame)) {
	defer func() {
		c.Close(protocol.CloseNormal, "")
		if c.mgr != nil {
			c.mgr.unregister(c)
		}
	}()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// A read-deadline expiry means the peer missed its pong; the
			// close frame names the heartbeat code so the peer can tell
			// this apart from a normal teardown.
			if isReadTimeout(err) {
				c.logger.Warn("pong deadline missed")
				c.Close(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("read closed", zap.Error(err))
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.replyDecodeError(err)
			continue
		}

		// Application-level ping answered in-band; the transport ping is
		// handled by gorilla control frames.
		if frame.Type == protocol.TypePing {
			pong, perr := protocol.NewFrame(protocol.TypePong, struct{}{})
			if perr == nil {
				_ = c.Send(pong)
			}
			continue
		}

		handler(frame)
	}
}

// isReadTimeout reports whether a read error came from the deadline rather
// than the peer. The websocket library may rewrap the deadline error, so the
// net.Error timeout flag is checked as well.
func isReadTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// replyDecodeError reports a malformed frame back to the peer. Protocol
// errors are recoverable — the session survives.
func (c *Conn) replyDecodeError(err error) {
	c.logger.Warn("malformed frame", zap.Error(err))
	reply, ferr := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
		Code:        protocol.ErrCodeProtocol,
		Message:     err.Error(),
		Recoverable: true,
	})
	if ferr != nil {
		return
	}
	_ = c.Send(reply)
}

// writePump forwards queued frames to the wire and keeps the transport
// heartbeat going. It is the sole writer on the connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				c.Close(protocol.CloseNormal, "")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}

		case <-c.closed:
			return
		}
	}
}
