package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"WProject/tools/errs"

	"github.com/gorilla/websocket"
)

// testServer accepts websocket connections and funnels every inbound frame
// into a channel.
type testServer struct {
	srv    *httptest.Server
	frames chan *Frame
	conns  chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := &testServer{
		frames: make(chan *Frame, 64),
		conns:  make(chan *websocket.Conn, 8),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- c
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if f, perr := ParseFrame(data); perr == nil {
				ts.frames <- f
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) waitFrame(t *testing.T) *Frame {
	t.Helper()
	select {
	case f := <-ts.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (ts *testServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func newTestManager(url string) *Manager {
	return NewManager(Conf{
		URL:        url,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	})
}

func TestQueuedHandshakeSentBeforeConnectedSignal(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())
	defer m.Disconnect()

	connected := make(chan struct{}, 1)
	m.On(EvtConnected, func(json.RawMessage) { connected <- struct{}{} })

	m.QueueHandshake(JoinHandshake(JoinPayload{Name: "Alex", Number: "v-7", Role: "client"}))
	m.Connect()

	f := ts.waitFrame(t)
	if f.Event != EvtJoin {
		t.Fatalf("first frame = %s, want %s", f.Event, EvtJoin)
	}
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("connected signal not emitted")
	}
}

func TestResumeTakesPriorityOverJoin(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())
	defer m.Disconnect()

	// Staging a join after a resume must not displace the resume.
	m.QueueHandshake(ResumeHandshake(ResumePayload{Token: "tok-1"}))
	m.QueueHandshake(JoinHandshake(JoinPayload{Name: "Alex", Number: "v-7"}))
	m.Connect()

	if f := ts.waitFrame(t); f.Event != EvtResume {
		t.Fatalf("first frame = %s, want %s", f.Event, EvtResume)
	}
}

func TestLaterJoinReplacesStagedJoin(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())
	defer m.Disconnect()

	m.QueueHandshake(JoinHandshake(JoinPayload{Name: "old", Number: "1"}))
	m.QueueHandshake(JoinHandshake(JoinPayload{Name: "new", Number: "2"}))
	m.Connect()

	f := ts.waitFrame(t)
	if f.Event != EvtJoin {
		t.Fatalf("frame = %s, want %s", f.Event, EvtJoin)
	}
	var p JoinPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Name != "new" {
		t.Fatalf("join name = %q, want new", p.Name)
	}
}

func TestSendFailsWhileDisconnected(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/ws")
	err := m.Send(EvtSendMessage, SendMessagePayload{MessageID: "local-1"})
	if !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

func TestInboundFramesReachSubscribers(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())
	defer m.Disconnect()

	got := make(chan json.RawMessage, 1)
	m.On(EvtMessage, func(data json.RawMessage) { got <- data })
	m.Connect()

	conn := ts.waitConn(t)
	b, _ := EncodeFrame(EvtMessage, map[string]any{"messages": []any{}}, 1)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
	// A malformed frame in between must be dropped without killing the loop.
	_ = conn.WriteMessage(websocket.TextMessage, []byte("garbage"))

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("inbound frame not dispatched")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())
	defer m.Disconnect()

	m.Connect()
	m.Connect()
	ts.waitConn(t)

	select {
	case <-ts.conns:
		t.Fatal("second Connect opened a second connection")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConnectRightAfterDisconnect(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())
	defer m.Disconnect()

	m.Connect()
	ts.waitConn(t)

	// No sleep between the two: the previous run loop may still be
	// unwinding when Connect is called again, and it must still reconnect.
	m.Disconnect()
	m.Connect()

	ts.waitConn(t)
	deadline := time.Now().Add(3 * time.Second)
	for !m.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("not connected after reopen")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedialAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())
	defer m.Disconnect()

	dropped := make(chan struct{}, 1)
	m.On(EvtDisconnected, func(json.RawMessage) { dropped <- struct{}{} })
	m.Connect()

	first := ts.waitConn(t)
	_ = first.Close()

	select {
	case <-dropped:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnected signal not emitted")
	}
	ts.waitConn(t) // automatic redial
}

func TestDisconnectStopsRedialing(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.url())

	m.Connect()
	ts.waitConn(t)
	m.Disconnect()

	deadline := time.Now().Add(3 * time.Second)
	for m.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("still connected after Disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-ts.conns:
		t.Fatal("manager redialed after Disconnect")
	case <-time.After(300 * time.Millisecond):
	}
}
