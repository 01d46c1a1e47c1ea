package connections

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/shared/protocol"
)

// testServer upgrades every request, registers the connection according to
// the query parameters, and feeds decoded frames to handler.
func testServer(t *testing.T, m *Manager, handler func(*Conn, *protocol.Frame)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := Kind(r.URL.Query().Get("kind"))
		c, err := Upgrade(w, r, kind, "test", zap.NewNop())
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		switch kind {
		case KindAgent:
			agentID := uuid.MustParse(r.URL.Query().Get("agent"))
			if err := m.RegisterAgent(c, agentID); err != nil {
				t.Errorf("register agent: %v", err)
				return
			}
		default:
			if err := m.RegisterDashboard(c); err != nil {
				t.Errorf("register dashboard: %v", err)
				return
			}
		}

		c.ReadLoop(func(f *protocol.Frame) { handler(c, f) })
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readFrame reads and decodes the next frame with a deadline.
func readFrame(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

func TestRegisterSendsAck(t *testing.T) {
	t.Parallel()

	m := NewManager("1.0.0-test", zap.NewNop())
	srv := testServer(t, m, func(*Conn, *protocol.Frame) {})

	ws := dial(t, wsURL(srv, "kind=dashboard"))

	frame := readFrame(t, ws)
	if frame.Type != protocol.TypeConnectionAck {
		t.Fatalf("first frame type = %s, want connection:ack", frame.Type)
	}
	payload, err := protocol.DecodePayload(frame)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	ack := payload.(*protocol.ConnectionAck)
	if ack.ServerVersion != "1.0.0-test" {
		t.Errorf("server version = %q", ack.ServerVersion)
	}
	if ack.ConnectionID == "" {
		t.Error("connection id empty")
	}
}

func TestAgentSupersede(t *testing.T) {
	t.Parallel()

	m := NewManager("test", zap.NewNop())
	srv := testServer(t, m, func(*Conn, *protocol.Frame) {})

	agentID := uuid.New()
	first := dial(t, wsURL(srv, "kind=agent&agent="+agentID.String()))
	readFrame(t, first) // ack

	second := dial(t, wsURL(srv, "kind=agent&agent="+agentID.String()))
	readFrame(t, second) // ack

	// The first session must now receive a close with the superseded code.
	if err := first.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != protocol.CloseSuperseded {
		t.Errorf("close code = %d, want %d", closeErr.Code, protocol.CloseSuperseded)
	}

	// The replacement session still owns the binding.
	if _, ok := m.AgentConn(agentID); !ok {
		t.Error("agent binding lost after supersede")
	}
}

func TestMissedPongClosesWithHeartbeatCode(t *testing.T) {
	t.Parallel()

	m := NewManager("test", zap.NewNop())
	srv := testServer(t, m, func(*Conn, *protocol.Frame) {})

	agentID := uuid.New()
	ws := dial(t, wsURL(srv, "kind=agent&agent="+agentID.String()))
	readFrame(t, ws) // ack

	c, ok := m.AgentConn(agentID)
	if !ok {
		t.Fatal("agent connection not registered")
	}
	// Expire the read deadline as if the peer had gone silent past the pong
	// window; the read pump must name the heartbeat code in its close frame.
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != protocol.CloseHeartbeatTimeout {
		t.Errorf("close code = %d, want %d", closeErr.Code, protocol.CloseHeartbeatTimeout)
	}
}

func TestBroadcastRespectsSubscriptions(t *testing.T) {
	t.Parallel()

	m := NewManager("test", zap.NewNop())

	subscribed := make(chan *Conn, 1)
	srv := testServer(t, m, func(c *Conn, f *protocol.Frame) {
		if f.Type == protocol.TypeDashboardSubscribe {
			payload, err := protocol.DecodePayload(f)
			if err != nil {
				t.Errorf("decode subscribe: %v", err)
				return
			}
			sub := payload.(*protocol.DashboardSubscribe)
			ids := make([]uuid.UUID, 0, len(sub.AgentIDs))
			for _, raw := range sub.AgentIDs {
				ids = append(ids, uuid.MustParse(raw))
			}
			c.Subscribe(ids, sub.Replace)
			subscribed <- c
		}
	})

	watched := uuid.New()
	other := uuid.New()

	wsSub := dial(t, wsURL(srv, "kind=dashboard"))
	readFrame(t, wsSub) // ack
	wsIdle := dial(t, wsURL(srv, "kind=dashboard"))
	readFrame(t, wsIdle) // ack

	subFrame, err := protocol.NewFrame(protocol.TypeDashboardSubscribe, protocol.DashboardSubscribe{
		AgentIDs: []string{watched.String()},
	})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	data, err := protocol.Encode(subFrame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsSub.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never processed")
	}

	out, err := protocol.NewFrame(protocol.TypeTerminalOutput, protocol.TerminalOutput{
		CommandID: uuid.NewString(),
		AgentID:   watched.String(),
		Data:      "hello\n",
		Stream:    protocol.StreamStdout,
		Sequence:  1,
	})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	m.BroadcastAgentEvent(watched, out)
	m.BroadcastAgentEvent(other, out)

	got := readFrame(t, wsSub)
	if got.Type != protocol.TypeTerminalOutput {
		t.Fatalf("subscriber got %s, want terminal:output", got.Type)
	}

	// Exactly one delivery: the second broadcast targeted an agent the
	// dashboard never subscribed to, and the idle dashboard gets nothing.
	if err := wsIdle.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if _, _, err := wsIdle.ReadMessage(); err == nil {
		t.Error("unsubscribed dashboard received a broadcast")
	}
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	t.Parallel()

	m := NewManager("test", zap.NewNop())
	srv := testServer(t, m, func(*Conn, *protocol.Frame) {})

	ws := dial(t, wsURL(srv, "kind=dashboard"))
	readFrame(t, ws) // ack

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"not":"a frame"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, ws)
	if frame.Type != protocol.TypeError {
		t.Fatalf("reply type = %s, want error", frame.Type)
	}
	payload, err := protocol.DecodePayload(frame)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	ep := payload.(*protocol.ErrorPayload)
	if ep.Code != protocol.ErrCodeProtocol || !ep.Recoverable {
		t.Errorf("error payload = %+v, want recoverable PROTOCOL", ep)
	}
}

func TestUnregisterFiresAgentGone(t *testing.T) {
	t.Parallel()

	m := NewManager("test", zap.NewNop())
	gone := make(chan uuid.UUID, 1)
	m.OnAgentGone(func(id uuid.UUID) { gone <- id })

	srv := testServer(t, m, func(*Conn, *protocol.Frame) {})

	agentID := uuid.New()
	ws := dial(t, wsURL(srv, "kind=agent&agent="+agentID.String()))
	readFrame(t, ws) // ack
	ws.Close()

	select {
	case id := <-gone:
		if id != agentID {
			t.Errorf("gone agent = %s, want %s", id, agentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onAgentGone never fired")
	}

	agents, dashboards := m.Counts()
	if agents != 0 || dashboards != 0 {
		t.Errorf("counts = %d/%d after disconnect, want 0/0", agents, dashboards)
	}
}
