// Package gateway is an in-process reference implementation of the chat
// backend's wire contract, used by the demo shell and the integration
// tests. It pairs one client to one operator per room and owns the
// presence grace period. It is not a production broker: no fan-out across
// nodes, no persistence beyond process memory.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"WProject/logger"
	"WProject/module/session"
	"WProject/service/chat"
	"WProject/tools/decode"
	"WProject/tools/ids"
	"WProject/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Conf struct {
	Secret     []byte
	GraceMS    int64
	TokenTTL   time.Duration
	WriteWait  time.Duration
	DisableLog bool
}

func (c *Conf) norm() {
	if c.GraceMS <= 0 {
		c.GraceMS = 30000
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
}

type peer struct {
	id     string
	name   string
	number string
	role   session.Role

	mu     sync.Mutex // guards conn writes; one frame at a time
	conn   *websocket.Conn
	online bool

	graceTimer *time.Timer
}

type room struct {
	id         string
	client     *peer
	operator   *peer // nil until accepted
	msgs       []session.Message
	ended      bool
}

type Server struct {
	conf   Conf
	engine *gin.Engine

	mu        sync.Mutex
	clients   map[string]*peer
	operators map[string]*peer
	rooms     map[string]*room
	queue     []string // pending room ids, FIFO
}

func New(conf Conf) *Server {
	conf.norm()
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		conf:      conf,
		clients:   make(map[string]*peer),
		operators: make(map[string]*peer),
		rooms:     make(map[string]*room),
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", s.HandleWS)
	engine.GET("/bot/questions/:id", s.handleQuestion)
	s.engine = engine
	return s
}

// Router exposes the gin engine (httptest mounts it directly).
func (s *Server) Router() *gin.Engine { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

// HandleWS upgrades and runs one connection's read loop.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade: %v", err)
		return
	}

	var p *peer
	defer func() {
		_ = ws.Close()
		if p != nil {
			s.peerGone(p, ws)
		}
	}()

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		f, perr := chat.ParseFrame(data)
		if perr != nil {
			logger.Warnf("[gateway] drop malformed frame: %v", perr)
			continue
		}

		switch f.Event {
		case chat.EvtJoin:
			p = s.handleJoin(ws, f)
		case chat.EvtResume:
			p = s.handleResume(ws, f)
		case chat.EvtAlive:
			s.handleAlive(p)
		case chat.EvtSendMessage:
			s.handleSendMessage(p, f)
		case chat.EvtTyping:
			s.handleTyping(p, f)
		case chat.EvtJoinRoom:
			s.handleJoinRoom(p, f)
		case chat.EvtLeaveRoom:
			s.handleLeaveRoom(p, f)
		case chat.EvtEndChat:
			s.handleEndChat(p, f)
		case chat.EvtFeedback:
			s.handleFeedback(p, f)
		default:
			logger.Debugf("[gateway] no handler for event=%s", f.Event)
		}
	}
}

func (s *Server) send(p *peer, event string, payload any) {
	if p == nil {
		return
	}
	b, err := chat.EncodeFrame(event, payload, time.Now().UnixMilli())
	if err != nil {
		logger.Errorf("[gateway] encode %s: %v", event, err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		logger.Debugf("[gateway] write %s to %s: %v", event, p.id, err)
	}
}

func (s *Server) issueToken(p *peer) string {
	claims := jwt.MapClaims{
		"sub":  p.id,
		"role": string(p.role),
		"exp":  time.Now().Add(s.conf.TokenTTL).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.conf.Secret)
	if err != nil {
		logger.Errorf("[gateway] sign token: %v", err)
		return ""
	}
	return tok
}

func (s *Server) parseToken(token string) (id string, role session.Role, ok bool) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.conf.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !t.Valid {
		return "", "", false
	}
	sub, _ := claims["sub"].(string)
	r, _ := claims["role"].(string)
	if sub == "" || (r != string(session.RoleClient) && r != string(session.RoleOperator)) {
		return "", "", false
	}
	return sub, session.Role(r), true
}

func (s *Server) handleJoin(ws *websocket.Conn, f *chat.Frame) *peer {
	req, err := decode.FromRaw[chat.JoinPayload](f.Data)
	if err != nil || req.Name == "" || req.Number == "" {
		s.writeRaw(ws, chat.EvtSessionAck, chat.SessionAckPayload{OK: false, Reason: "name and number required"})
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch session.Role(req.Role) {
	case session.RoleOperator:
		id := req.ID
		if id == "" {
			id = "op-" + ids.GenerateString()
		}
		p := s.operators[id]
		if p == nil {
			p = &peer{id: id, role: session.RoleOperator}
			s.operators[id] = p
		}
		p.name, p.number = req.Name, req.Number
		s.attachLocked(p, ws)
		s.send(p, chat.EvtSessionAck, chat.SessionAckPayload{
			OK: true, ID: p.id, Name: p.name, Number: p.number,
			Status:      string(session.StatusActive),
			ResumeToken: s.issueToken(p),
		})
		s.send(p, chat.EvtRoster, s.rosterLocked())
		return p

	default: // client
		id := req.ID
		if id == "" {
			id = "c-" + ids.GenerateString()
		}
		p := s.clients[id]
		if p == nil {
			p = &peer{id: id, role: session.RoleClient}
			s.clients[id] = p
		}
		p.name, p.number = req.Name, req.Number
		s.attachLocked(p, ws)

		r := s.roomOfClientLocked(id)
		if r == nil {
			r = &room{id: "r-" + ids.GenerateString(), client: p}
			s.rooms[r.id] = r
			s.queue = append(s.queue, r.id)
		}
		s.send(p, chat.EvtSessionAck, s.clientAckLocked(p, r, false))
		s.broadcastRosterLocked()
		s.updateQueuePositionsLocked()
		return p
	}
}

func (s *Server) handleResume(ws *websocket.Conn, f *chat.Frame) *peer {
	req, err := decode.FromRaw[chat.ResumePayload](f.Data)
	if err != nil || req.Token == "" {
		s.writeRaw(ws, chat.EvtSessionAck, chat.SessionAckPayload{OK: false, Reason: "missing token"})
		return nil
	}
	id, role, ok := s.parseToken(req.Token)
	if !ok {
		s.writeRaw(ws, chat.EvtSessionAck, chat.SessionAckPayload{OK: false, Reason: "unknown_session"})
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if role == session.RoleOperator {
		p := s.operators[id]
		if p == nil {
			s.writeRaw(ws, chat.EvtSessionAck, chat.SessionAckPayload{OK: false, Reason: "unknown_session"})
			return nil
		}
		s.attachLocked(p, ws)
		s.send(p, chat.EvtSessionAck, chat.SessionAckPayload{
			OK: true, Resumed: true, ID: p.id, Name: p.name, Number: p.number,
			Status:      string(session.StatusActive),
			ResumeToken: s.issueToken(p),
		})
		s.send(p, chat.EvtRoster, s.rosterLocked())
		for _, r := range s.rooms {
			if r.operator == p && !r.ended {
				s.send(p, chat.EvtRoomAssigned, chat.RoomAssignedPayload{
					RoomID:   r.id,
					Client:   session.Counterpart{ID: r.client.id, Name: r.client.name},
					Messages: r.msgs,
				})
			}
		}
		return p
	}

	p := s.clients[id]
	if p == nil {
		s.writeRaw(ws, chat.EvtSessionAck, chat.SessionAckPayload{OK: false, Reason: "unknown_session"})
		return nil
	}
	s.attachLocked(p, ws)
	r := s.roomOfClientLocked(id)
	if r == nil {
		s.writeRaw(ws, chat.EvtSessionAck, chat.SessionAckPayload{OK: false, Reason: "unknown_session"})
		return nil
	}
	s.send(p, chat.EvtSessionAck, s.clientAckLocked(p, r, true))
	return p
}

// handleAlive clears the counterpart's temporary-disconnect indicator. Not
// a handshake: no session state changes here.
func (s *Server) handleAlive(p *peer) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markOnlineLocked(p)
}

func (s *Server) handleSendMessage(p *peer, f *chat.Frame) {
	if p == nil {
		return
	}
	req, err := decode.FromRaw[chat.SendMessagePayload](f.Data)
	if err != nil || req.MessageID == "" || req.RoomID == "" {
		s.send(p, chat.EvtMessageAck, chat.MessageAckPayload{OK: false, Reason: "bad payload"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[req.RoomID]
	if r == nil || r.ended {
		s.send(p, chat.EvtMessageAck, chat.MessageAckPayload{OK: false, Reason: "no such room", MessageID: req.MessageID})
		return
	}

	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	// The client-supplied id is kept, so the sender's optimistic entry and
	// any echo dedup to one message.
	msg := session.Message{ID: req.MessageID, Text: req.Text, SenderID: p.id, RoomID: r.id, Timestamp: ts}
	r.msgs = append(r.msgs, msg)

	s.send(p, chat.EvtMessageAck, chat.MessageAckPayload{OK: true, MessageID: msg.ID, Timestamp: ts})
	s.send(s.counterpartOf(r, p), chat.EvtMessage, chat.MessagePayload{Messages: []session.Message{msg}})
}

func (s *Server) handleTyping(p *peer, f *chat.Frame) {
	if p == nil {
		return
	}
	req, err := decode.FromRaw[chat.TypingPayload](f.Data)
	if err != nil || req.RoomID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[req.RoomID]
	if r == nil || r.ended {
		return
	}
	req.From = p.id
	s.send(s.counterpartOf(r, p), chat.EvtTyping, req)
}

func (s *Server) handleJoinRoom(p *peer, f *chat.Frame) {
	if p == nil || p.role != session.RoleOperator {
		return
	}
	req, err := decode.FromRaw[chat.RoomPayload](f.Data)
	if err != nil || req.RoomID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[req.RoomID]
	if r == nil || r.ended || r.operator != nil {
		return
	}
	r.operator = p
	s.dequeueLocked(r.id)

	s.send(p, chat.EvtRoomAssigned, chat.RoomAssignedPayload{
		RoomID:   r.id,
		Client:   session.Counterpart{ID: r.client.id, Name: r.client.name},
		Messages: r.msgs,
	})
	s.send(r.client, chat.EvtSessionAck, chat.SessionAckPayload{
		OK: true, ID: r.client.id, RoomID: r.id,
		Status:      string(session.StatusActive),
		Counterpart: &session.Counterpart{ID: p.id, Name: p.name},
	})
	s.broadcastRosterLocked()
	s.updateQueuePositionsLocked()
}

func (s *Server) handleLeaveRoom(p *peer, f *chat.Frame) {
	if p == nil || p.role != session.RoleOperator {
		return
	}
	req, err := decode.FromRaw[chat.RoomPayload](f.Data)
	if err != nil || req.RoomID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[req.RoomID]
	if r == nil || r.ended || r.operator != p {
		return
	}
	r.operator = nil
	s.queue = append(s.queue, r.id)

	// Explicit null tells the widget to drop the counterpart; an absent key
	// would leave it untouched.
	s.send(r.client, chat.EvtSessionAck, map[string]any{
		"ok":          true,
		"id":          r.client.id,
		"room_id":     r.id,
		"status":      string(session.StatusQueued),
		"counterpart": nil,
	})
	s.broadcastRosterLocked()
	s.updateQueuePositionsLocked()
}

func (s *Server) handleEndChat(p *peer, f *chat.Frame) {
	if p == nil {
		return
	}
	req, err := decode.FromRaw[chat.RoomPayload](f.Data)
	if err != nil || req.RoomID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[req.RoomID]
	if r == nil || r.ended {
		return
	}
	r.ended = true
	s.dequeueLocked(r.id)

	ended := chat.ChatEndedPayload{RoomID: r.id, By: p.id}
	s.send(r.client, chat.EvtChatEnded, ended)
	s.send(r.operator, chat.EvtChatEnded, ended)
	s.send(r.client, chat.EvtFeedbackRequest, chat.RoomPayload{RoomID: r.id})
	s.broadcastRosterLocked()
}

func (s *Server) handleFeedback(p *peer, f *chat.Frame) {
	if p == nil {
		return
	}
	req, err := decode.FromRaw[chat.FeedbackPayload](f.Data)
	if err != nil || req.RoomID == "" {
		return
	}
	logger.Infof("[gateway] feedback room=%s rating=%d", req.RoomID, req.Rating)
	s.send(p, chat.EvtFeedbackAck, chat.FeedbackAckPayload{OK: true, RoomID: req.RoomID})
}

// ---- state helpers (s.mu held) ----

func (s *Server) attachLocked(p *peer, ws *websocket.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = ws
	p.mu.Unlock()
	if old != nil && old != ws {
		_ = old.Close()
	}
	s.markOnlineLocked(p)
}

func (s *Server) markOnlineLocked(p *peer) {
	wasOffline := !p.online
	p.online = true
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	if !wasOffline {
		return
	}
	for _, r := range s.rooms {
		if r.ended {
			continue
		}
		if cp := s.counterpartOf(r, p); cp != nil {
			s.send(cp, chat.EvtCounterpartBack, chat.CounterpartPayload{
				RoomID: r.id,
				Who:    &session.Counterpart{ID: p.id, Name: p.name},
			})
		}
	}
}

// peerGone runs when a connection's read loop exits. ws identifies the
// dying socket: when the peer already re-attached on a newer one (resume
// or rejoin while the old transport was still open), the old loop's exit
// must not touch peer state.
func (s *Server) peerGone(p *peer, ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.mu.Lock()
	if p.conn != ws {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.mu.Unlock()
	p.online = false

	for _, r := range s.rooms {
		if r.ended {
			continue
		}
		if cp := s.counterpartOf(r, p); cp != nil {
			s.send(cp, chat.EvtCounterpartOffline, chat.CounterpartPayload{
				RoomID:  r.id,
				GraceMS: s.conf.GraceMS,
				Who:     &session.Counterpart{ID: p.id, Name: p.name},
			})
		}
	}

	grace := time.Duration(s.conf.GraceMS) * time.Millisecond
	gone := p
	p.graceTimer = time.AfterFunc(grace, func() { s.graceExpired(gone) })
}

// graceExpired fires the permanent-disconnect events; the backend, not the
// widget, owns this timeout.
func (s *Server) graceExpired(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.online {
		return
	}
	for _, r := range s.rooms {
		if r.ended {
			continue
		}
		cp := s.counterpartOf(r, p)
		if cp == nil {
			continue
		}
		r.ended = true
		s.dequeueLocked(r.id)
		s.send(cp, chat.EvtCounterpartGone, chat.CounterpartPayload{
			RoomID: r.id,
			Who:    &session.Counterpart{ID: p.id, Name: p.name},
		})
	}
	s.broadcastRosterLocked()
}

func (s *Server) counterpartOf(r *room, p *peer) *peer {
	if r.client == p {
		return r.operator
	}
	if r.operator == p {
		return r.client
	}
	return nil
}

func (s *Server) roomOfClientLocked(clientID string) *room {
	for _, r := range s.rooms {
		if !r.ended && r.client != nil && r.client.id == clientID {
			return r
		}
	}
	return nil
}

func (s *Server) clientAckLocked(p *peer, r *room, resumed bool) chat.SessionAckPayload {
	ack := chat.SessionAckPayload{
		OK: true, Resumed: resumed,
		ID: p.id, Name: p.name, Number: p.number,
		RoomID:      r.id,
		ResumeToken: s.issueToken(p),
		Messages:    r.msgs,
	}
	if r.operator != nil {
		ack.Status = string(session.StatusActive)
		ack.Counterpart = &session.Counterpart{ID: r.operator.id, Name: r.operator.name}
	} else {
		ack.Status = string(session.StatusQueued)
		ack.QueuePosition = s.queuePositionLocked(r.id)
	}
	return ack
}

func (s *Server) queuePositionLocked(roomID string) int {
	for i, id := range s.queue {
		if id == roomID {
			return i + 1
		}
	}
	return 0
}

func (s *Server) dequeueLocked(roomID string) {
	for i, id := range s.queue {
		if id == roomID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Server) rosterLocked() chat.RosterPayload {
	roster := chat.RosterPayload{Pending: []session.RoomEntry{}, Active: []session.RoomEntry{}}
	for i, id := range s.queue {
		if r := s.rooms[id]; r != nil && !r.ended {
			roster.Pending = append(roster.Pending, session.RoomEntry{
				RoomID:        r.id,
				Client:        session.Counterpart{ID: r.client.id, Name: r.client.name},
				QueuePosition: i + 1,
			})
		}
	}
	for _, r := range s.rooms {
		if !r.ended && r.operator != nil {
			roster.Active = append(roster.Active, session.RoomEntry{
				RoomID: r.id,
				Client: session.Counterpart{ID: r.client.id, Name: r.client.name},
			})
		}
	}
	return roster
}

func (s *Server) broadcastRosterLocked() {
	roster := s.rosterLocked()
	for _, op := range s.operators {
		s.send(op, chat.EvtRoster, roster)
	}
}

func (s *Server) updateQueuePositionsLocked() {
	for i, id := range s.queue {
		r := s.rooms[id]
		if r == nil || r.ended {
			continue
		}
		s.send(r.client, chat.EvtQueue, chat.QueuePayload{RoomID: r.id, Position: i + 1})
	}
}

func (s *Server) writeRaw(ws *websocket.Conn, event string, payload any) {
	b, err := chat.EncodeFrame(event, payload, time.Now().UnixMilli())
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
	_ = ws.WriteMessage(websocket.TextMessage, b)
}

// RunBackground starts the server on addr without blocking the caller.
func (s *Server) RunBackground(addr string) {
	safe.Go(func() {
		if err := s.Run(addr); err != nil {
			logger.Errorf("[gateway] serve %s: %v", addr, err)
		}
	})
}
