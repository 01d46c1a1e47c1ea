package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/agent/internal/credentials"
	"github.com/onsembl/onsembl/agent/internal/metrics"
	"github.com/onsembl/onsembl/agent/internal/session"
	"github.com/onsembl/onsembl/agent/internal/supervisor"
	"github.com/onsembl/onsembl/shared/protocol"
)

// memStore is an in-memory credentials.Store for tests.
type memStore struct {
	mu    sync.Mutex
	token string
}

func (s *memStore) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", credentials.ErrNoCredential
	}
	return s.token, nil
}

func (s *memStore) SetToken(token string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *memStore) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// fakeServer accepts one wrapper connection and exposes the frames it reads.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []*protocol.Frame

	connected chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{t: t, connected: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()

	// First frame must be the registration; ack it.
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil || frame.Type != protocol.TypeAgentConnect {
		fs.t.Errorf("first frame = %v (err %v), want agent:connect", frame, err)
		conn.Close()
		return
	}
	fs.record(frame)

	ack, _ := protocol.NewFrame(protocol.TypeConnectionAck, protocol.ConnectionAck{
		ConnectionID:  uuid.NewString(),
		ServerVersion: "test",
	})
	fs.write(ack)
	close(fs.connected)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if frame, err := protocol.Decode(data); err == nil {
			fs.record(frame)
		}
	}
}

func (fs *fakeServer) record(frame *protocol.Frame) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames = append(fs.frames, frame)
}

func (fs *fakeServer) write(frame *protocol.Frame) {
	data, err := protocol.Encode(frame)
	if err != nil {
		fs.t.Errorf("encode: %v", err)
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.conn != nil {
		fs.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (fs *fakeServer) received(typ protocol.MessageType) *protocol.Frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, f := range fs.frames {
		if f.Type == typ {
			return f
		}
	}
	return nil
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
}

func newManager(t *testing.T, url string, store credentials.Store, heartbeat time.Duration) (*session.Manager, context.CancelFunc, chan error) {
	t.Helper()

	sup := supervisor.New(supervisor.Config{Command: "/bin/true"}, metrics.NewCollector(), zap.NewNop())
	mgr := session.New(session.Config{
		URL:                url,
		AgentID:            uuid.New(),
		AgentType:          protocol.AgentCustom,
		Version:            "test",
		HeartbeatInterval:  heartbeat,
		ReconnectAttempts:  2,
		ReconnectBaseDelay: 20 * time.Millisecond,
	}, sup, store, metrics.NewCollector(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- mgr.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(10 * time.Second):
			t.Error("session did not stop")
		}
	})
	return mgr, cancel, done
}

func TestRegistersAndHeartbeats(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	store := &memStore{token: "tok-1"}
	newManager(t, wsURL(srv), store, 50*time.Millisecond)

	select {
	case <-fs.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("wrapper never registered")
	}

	connect := fs.received(protocol.TypeAgentConnect)
	decoded, err := protocol.DecodePayload(connect)
	if err != nil {
		t.Fatalf("decode agent:connect: %v", err)
	}
	payload, ok := decoded.(*protocol.AgentConnect)
	if !ok {
		t.Fatalf("payload type %T, want *AgentConnect", decoded)
	}
	if payload.AgentType != protocol.AgentCustom || payload.Version != "test" {
		t.Errorf("agent:connect = %+v", payload)
	}
	if payload.HostMachine.Hostname == "" || payload.HostMachine.PID == 0 {
		t.Errorf("host machine not populated: %+v", payload.HostMachine)
	}

	waitFor(t, 5*time.Second, func() bool {
		return fs.received(protocol.TypeAgentHeartbeat) != nil
	}, "no heartbeat received")

	decodedHB, err := protocol.DecodePayload(fs.received(protocol.TypeAgentHeartbeat))
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	hb, ok := decodedHB.(*protocol.AgentHeartbeat)
	if !ok {
		t.Fatalf("payload type %T, want *AgentHeartbeat", decodedHB)
	}
	if hb.AgentID != payload.AgentID {
		t.Errorf("heartbeat agent id %q, want %q", hb.AgentID, payload.AgentID)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	newManager(t, wsURL(srv), &memStore{token: "tok-1"}, time.Hour)

	select {
	case <-fs.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("wrapper never registered")
	}

	ping, _ := protocol.NewFrame(protocol.TypePing, nil)
	fs.write(ping)

	waitFor(t, 5*time.Second, func() bool {
		return fs.received(protocol.TypePong) != nil
	}, "ping was not answered")
}

func TestTokenRefreshUpdatesStore(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	store := &memStore{token: "tok-old"}
	newManager(t, wsURL(srv), store, time.Hour)

	select {
	case <-fs.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("wrapper never registered")
	}

	refresh, _ := protocol.NewFrame(protocol.TypeTokenRefresh, protocol.TokenRefresh{
		AccessToken: "tok-new",
		ExpiresIn:   900,
	})
	fs.write(refresh)

	waitFor(t, 5*time.Second, func() bool {
		return store.current() == "tok-new"
	}, "token was not refreshed")
}

func TestCommandRejectedWhenChildNotReady(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	newManager(t, wsURL(srv), &memStore{token: "tok-1"}, time.Hour)

	select {
	case <-fs.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("wrapper never registered")
	}

	// The supervisor was never started, so the dispatch must come back as a
	// failed completion instead of vanishing.
	commandID := uuid.NewString()
	req, _ := protocol.NewFrame(protocol.TypeCommandRequest, protocol.CommandRequest{
		CommandID: commandID,
		AgentID:   uuid.NewString(),
		Command:   "echo",
		Priority:  protocol.PriorityNormal,
	})
	fs.write(req)

	waitFor(t, 5*time.Second, func() bool {
		return fs.received(protocol.TypeCommandComplete) != nil
	}, "no completion for undeliverable command")

	decoded, err := protocol.DecodePayload(fs.received(protocol.TypeCommandComplete))
	if err != nil {
		t.Fatalf("decode command:complete: %v", err)
	}
	done, ok := decoded.(*protocol.CommandComplete)
	if !ok {
		t.Fatalf("payload type %T, want *CommandComplete", decoded)
	}
	if done.CommandID != commandID || done.ExitCode != 1 || done.Error == "" {
		t.Errorf("completion = %+v, want exit 1 with error", done)
	}
}

func TestRunFailsWithoutCredential(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t)
	_, _, done := newManager(t, wsURL(srv), &memStore{}, time.Hour)

	select {
	case err := <-done:
		if !errors.Is(err, session.ErrAuthFailed) {
			t.Errorf("Run = %v, want ErrAuthFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return without a credential")
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	t.Parallel()

	// Grab a port nobody listens on.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	_, _, done := newManager(t, url, &memStore{token: "tok-1"}, time.Hour)

	select {
	case err := <-done:
		if !errors.Is(err, session.ErrTransportFailed) {
			t.Errorf("Run = %v, want ErrTransportFailed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not give up")
	}
}
