package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"WProject/module/session"
	"WProject/service/chat"
	"WProject/tools/decode"

	"github.com/gorilla/websocket"
)

func newTestGateway(t *testing.T) (*Server, string) {
	t.Helper()
	s := New(Conf{Secret: []byte("test-secret"), GraceMS: 100})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, url string) *testPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testPeer{t: t, conn: conn}
}

func (p *testPeer) send(event string, payload any) {
	p.t.Helper()
	b, err := chat.EncodeFrame(event, payload, time.Now().UnixMilli())
	if err != nil {
		p.t.Fatal(err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		p.t.Fatal(err)
	}
}

// waitFor reads frames until the wanted event arrives, skipping unrelated
// broadcasts (rosters, queue position updates).
func (p *testPeer) waitFor(event string) *chat.Frame {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", event, err)
		}
		f, perr := chat.ParseFrame(data)
		if perr != nil {
			continue
		}
		if f.Event == event {
			return f
		}
	}
}

func joinClient(t *testing.T, url, name, number string) (*testPeer, chat.SessionAckPayload) {
	t.Helper()
	p := dialPeer(t, url)
	p.send(chat.EvtJoin, chat.JoinPayload{Name: name, Number: number, Role: string(session.RoleClient)})
	ack, err := decode.FromRaw[chat.SessionAckPayload](p.waitFor(chat.EvtSessionAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	return p, *ack
}

func joinOperator(t *testing.T, url, name, number string) (*testPeer, chat.SessionAckPayload) {
	t.Helper()
	p := dialPeer(t, url)
	p.send(chat.EvtJoin, chat.JoinPayload{Name: name, Number: number, Role: string(session.RoleOperator)})
	ack, err := decode.FromRaw[chat.SessionAckPayload](p.waitFor(chat.EvtSessionAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	return p, *ack
}

func TestClientJoinIsQueuedWithToken(t *testing.T) {
	_, url := newTestGateway(t)
	_, ack := joinClient(t, url, "Alex", "v-7")

	if !ack.OK || ack.ID == "" || ack.RoomID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Status != string(session.StatusQueued) || ack.QueuePosition != 1 {
		t.Fatalf("status = %s pos = %d", ack.Status, ack.QueuePosition)
	}
	if ack.ResumeToken == "" {
		t.Fatal("join ack must carry a resume token")
	}
	if !session.TokenUsable(ack.ResumeToken, time.Now()) {
		t.Fatal("issued token should be usable")
	}
}

func TestQueuePositionsBroadcast(t *testing.T) {
	_, url := newTestGateway(t)
	first, _ := joinClient(t, url, "Alex", "v-7")
	_, secondAck := joinClient(t, url, "Blair", "v-8")

	if secondAck.QueuePosition != 2 {
		t.Fatalf("second client position = %d, want 2", secondAck.QueuePosition)
	}
	// The second join triggers a position broadcast to everyone waiting.
	q, err := decode.FromRaw[chat.QueuePayload](first.waitFor(chat.EvtQueue).Data)
	if err != nil {
		t.Fatal(err)
	}
	if q.Position != 1 {
		t.Fatalf("first client position = %d, want 1", q.Position)
	}
}

func TestJoinRequiresNameAndNumber(t *testing.T) {
	_, url := newTestGateway(t)
	p := dialPeer(t, url)
	p.send(chat.EvtJoin, chat.JoinPayload{Name: "Alex", Role: string(session.RoleClient)})
	ack, err := decode.FromRaw[chat.SessionAckPayload](p.waitFor(chat.EvtSessionAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	if ack.OK {
		t.Fatal("join without number must be rejected")
	}
}

func TestResumeWithBogusTokenRejected(t *testing.T) {
	_, url := newTestGateway(t)
	p := dialPeer(t, url)
	p.send(chat.EvtResume, chat.ResumePayload{Token: "not.a.token"})
	ack, err := decode.FromRaw[chat.SessionAckPayload](p.waitFor(chat.EvtSessionAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	if ack.OK || ack.Reason != "unknown_session" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestAcceptAndMessageRoundTrip(t *testing.T) {
	_, url := newTestGateway(t)
	op, _ := joinOperator(t, url, "Dana", "op-100")
	cl, clAck := joinClient(t, url, "Alex", "v-7")

	// Operator sees the queued room.
	var roomID string
	for {
		roster, err := decode.FromRaw[chat.RosterPayload](op.waitFor(chat.EvtRoster).Data)
		if err != nil {
			t.Fatal(err)
		}
		if len(roster.Pending) > 0 {
			roomID = roster.Pending[0].RoomID
			break
		}
	}
	if roomID != clAck.RoomID {
		t.Fatalf("roster room %s != client room %s", roomID, clAck.RoomID)
	}

	op.send(chat.EvtJoinRoom, chat.RoomPayload{RoomID: roomID})
	assigned, err := decode.FromRaw[chat.RoomAssignedPayload](op.waitFor(chat.EvtRoomAssigned).Data)
	if err != nil {
		t.Fatal(err)
	}
	if assigned.Client.Name != "Alex" {
		t.Fatalf("assigned = %+v", assigned)
	}

	// Client learns about the operator via a session update.
	for {
		upd, err := decode.FromRaw[chat.SessionAckPayload](cl.waitFor(chat.EvtSessionAck).Data)
		if err != nil {
			t.Fatal(err)
		}
		if upd.Status == string(session.StatusActive) {
			if upd.Counterpart == nil || upd.Counterpart.Name != "Dana" {
				t.Fatalf("update = %+v", upd)
			}
			break
		}
	}

	// Client sends; the ack echoes the client-chosen id and the operator
	// receives the same id, so both logs dedup to one entry.
	cl.send(chat.EvtSendMessage, chat.SendMessagePayload{
		MessageID: "local-42", Text: "hello", RoomID: roomID, SenderID: clAck.ID,
	})
	mack, err := decode.FromRaw[chat.MessageAckPayload](cl.waitFor(chat.EvtMessageAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	if !mack.OK || mack.MessageID != "local-42" || mack.Timestamp == 0 {
		t.Fatalf("message ack = %+v", mack)
	}
	mp, err := decode.FromRaw[chat.MessagePayload](op.waitFor(chat.EvtMessage).Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(mp.Messages) != 1 || mp.Messages[0].ID != "local-42" || mp.Messages[0].Text != "hello" {
		t.Fatalf("fanned-out message = %+v", mp.Messages)
	}
}

func TestResumeRestoresHistory(t *testing.T) {
	_, url := newTestGateway(t)
	op, _ := joinOperator(t, url, "Dana", "op-100")
	cl, clAck := joinClient(t, url, "Alex", "v-7")

	var roomID string
	for {
		roster, _ := decode.FromRaw[chat.RosterPayload](op.waitFor(chat.EvtRoster).Data)
		if len(roster.Pending) > 0 {
			roomID = roster.Pending[0].RoomID
			break
		}
	}
	op.send(chat.EvtJoinRoom, chat.RoomPayload{RoomID: roomID})
	op.waitFor(chat.EvtRoomAssigned)

	cl.send(chat.EvtSendMessage, chat.SendMessagePayload{
		MessageID: "local-1", Text: "before the drop", RoomID: roomID, SenderID: clAck.ID,
	})
	cl.waitFor(chat.EvtMessageAck)
	_ = cl.conn.Close()

	// Operator is told the client dropped.
	off, err := decode.FromRaw[chat.CounterpartPayload](op.waitFor(chat.EvtCounterpartOffline).Data)
	if err != nil {
		t.Fatal(err)
	}
	if off.RoomID != roomID || off.GraceMS != 100 {
		t.Fatalf("offline = %+v", off)
	}

	// Resume within the grace window restores room and history.
	cl2 := dialPeer(t, url)
	cl2.send(chat.EvtResume, chat.ResumePayload{Token: clAck.ResumeToken})
	ack, err := decode.FromRaw[chat.SessionAckPayload](cl2.waitFor(chat.EvtSessionAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	if !ack.OK || !ack.Resumed || ack.RoomID != roomID {
		t.Fatalf("resume ack = %+v", ack)
	}
	if len(ack.Messages) != 1 || ack.Messages[0].ID != "local-1" {
		t.Fatalf("resumed history = %+v", ack.Messages)
	}
	op.waitFor(chat.EvtCounterpartBack)
}

func TestResumeWhileOldConnStillOpen(t *testing.T) {
	_, url := newTestGateway(t)
	op, _ := joinOperator(t, url, "Dana", "op-100")
	_, clAck := joinClient(t, url, "Alex", "v-7")

	var roomID string
	for {
		roster, _ := decode.FromRaw[chat.RosterPayload](op.waitFor(chat.EvtRoster).Data)
		if len(roster.Pending) > 0 {
			roomID = roster.Pending[0].RoomID
			break
		}
	}
	op.send(chat.EvtJoinRoom, chat.RoomPayload{RoomID: roomID})
	op.waitFor(chat.EvtRoomAssigned)

	// Resume on a second socket without closing the first. The server
	// closes the old socket itself; its read loop exiting afterwards must
	// not detach the new connection or arm the grace timer.
	cl2 := dialPeer(t, url)
	cl2.send(chat.EvtResume, chat.ResumePayload{Token: clAck.ResumeToken})
	ack, err := decode.FromRaw[chat.SessionAckPayload](cl2.waitFor(chat.EvtSessionAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	if !ack.OK || !ack.Resumed {
		t.Fatalf("resume ack = %+v", ack)
	}

	// Give the evicted socket's read loop time to unwind, then verify
	// fan-out still reaches the resumed connection.
	time.Sleep(50 * time.Millisecond)
	op.send(chat.EvtSendMessage, chat.SendMessagePayload{
		MessageID: "m-1", Text: "still there?", RoomID: roomID, SenderID: "op-100",
	})
	mp, err := decode.FromRaw[chat.MessagePayload](cl2.waitFor(chat.EvtMessage).Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(mp.Messages) != 1 || mp.Messages[0].ID != "m-1" {
		t.Fatalf("message after resume = %+v", mp.Messages)
	}

	// The room survives past the grace window: the evicted loop must not
	// have marked the peer offline.
	time.Sleep(200 * time.Millisecond)
	op.send(chat.EvtSendMessage, chat.SendMessagePayload{
		MessageID: "m-2", Text: "and now?", RoomID: roomID, SenderID: "op-100",
	})
	mp, err = decode.FromRaw[chat.MessagePayload](cl2.waitFor(chat.EvtMessage).Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(mp.Messages) != 1 || mp.Messages[0].ID != "m-2" {
		t.Fatalf("message after grace window = %+v", mp.Messages)
	}
}

func TestGraceExpiryEndsRoom(t *testing.T) {
	_, url := newTestGateway(t)
	op, _ := joinOperator(t, url, "Dana", "op-100")
	cl, _ := joinClient(t, url, "Alex", "v-7")

	var roomID string
	for {
		roster, _ := decode.FromRaw[chat.RosterPayload](op.waitFor(chat.EvtRoster).Data)
		if len(roster.Pending) > 0 {
			roomID = roster.Pending[0].RoomID
			break
		}
	}
	op.send(chat.EvtJoinRoom, chat.RoomPayload{RoomID: roomID})
	op.waitFor(chat.EvtRoomAssigned)

	_ = cl.conn.Close()
	op.waitFor(chat.EvtCounterpartOffline)

	gone, err := decode.FromRaw[chat.CounterpartPayload](op.waitFor(chat.EvtCounterpartGone).Data)
	if err != nil {
		t.Fatal(err)
	}
	if gone.RoomID != roomID {
		t.Fatalf("gone = %+v", gone)
	}
}

func TestEndChatNotifiesBothAndAsksFeedback(t *testing.T) {
	_, url := newTestGateway(t)
	op, _ := joinOperator(t, url, "Dana", "op-100")
	cl, clAck := joinClient(t, url, "Alex", "v-7")

	var roomID string
	for {
		roster, _ := decode.FromRaw[chat.RosterPayload](op.waitFor(chat.EvtRoster).Data)
		if len(roster.Pending) > 0 {
			roomID = roster.Pending[0].RoomID
			break
		}
	}
	op.send(chat.EvtJoinRoom, chat.RoomPayload{RoomID: roomID})
	op.waitFor(chat.EvtRoomAssigned)

	cl.send(chat.EvtEndChat, chat.RoomPayload{RoomID: roomID})
	ended, err := decode.FromRaw[chat.ChatEndedPayload](cl.waitFor(chat.EvtChatEnded).Data)
	if err != nil {
		t.Fatal(err)
	}
	if ended.RoomID != roomID || ended.By != clAck.ID {
		t.Fatalf("ended = %+v", ended)
	}
	op.waitFor(chat.EvtChatEnded)
	cl.waitFor(chat.EvtFeedbackRequest)

	cl.send(chat.EvtFeedback, chat.FeedbackPayload{RoomID: roomID, Rating: 5})
	fack, err := decode.FromRaw[chat.FeedbackAckPayload](cl.waitFor(chat.EvtFeedbackAck).Data)
	if err != nil {
		t.Fatal(err)
	}
	if !fack.OK || fack.RoomID != roomID {
		t.Fatalf("feedback ack = %+v", fack)
	}
}
