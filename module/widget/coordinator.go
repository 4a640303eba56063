package widget

import (
	"encoding/json"
	"sync"
	"time"

	"WProject/logger"
	"WProject/module/session"
	"WProject/service/chat"
	"WProject/tools/decode"
	"WProject/tools/errs"
	"WProject/tools/safe"
)

// State is the coordinator's view of the logical session. It survives
// transport drops: losing the socket while Bound moves back through
// Connecting/AwaitingHandshakeAck on the automatic redial, and only backend
// events move the session to Degraded or Terminated.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAck
	StateBound
	StateDegraded
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateBound:
		return "bound"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Connector is the slice of chat.Manager the coordinator drives. Narrow on
// purpose: tests substitute a fake transport.
type Connector interface {
	QueueHandshake(chat.Handshake)
	Connect()
	Disconnect()
	Send(event string, payload any) error
	On(event string, fn chat.HandlerFunc) func()
	Connected() bool
}

// Coordinator decides, at every point where connectivity is established,
// whether to send a fresh join or a session resume, and recovers from a
// rejected resume by clearing the stale token and retrying once as a join.
type Coordinator struct {
	role  session.Role
	store *session.Store
	conn  Connector

	mu            sync.Mutex
	state         State
	hadDisconnect bool
	resumeRetried bool
	lastMode      chat.Mode
	join          chat.JoinPayload
	started       bool
	offs          []func()

	stateSubs []func(State)
	errSubs   []func(reason string)
}

func newCoordinator(role session.Role, store *session.Store, conn Connector) *Coordinator {
	safe.MustNotNil(store, "store")
	safe.MustNotNil(conn, "conn")
	return &Coordinator{role: role, store: store, conn: conn, state: StateDisconnected}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange subscribes to state transitions.
func (c *Coordinator) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.stateSubs = append(c.stateSubs, fn)
	c.mu.Unlock()
}

// OnLoginError subscribes to the user-visible login failure (resume and the
// fallback join both rejected).
func (c *Coordinator) OnLoginError(fn func(reason string)) {
	c.mu.Lock()
	c.errSubs = append(c.errSubs, fn)
	c.mu.Unlock()
}

// Start queues the initial handshake and opens the connection. join is the
// login-form input, kept for the resume-rejected fallback.
func (c *Coordinator) Start(join chat.JoinPayload) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.join = join
	c.offs = append(c.offs,
		c.conn.On(chat.EvtConnected, c.onConnected),
		c.conn.On(chat.EvtDisconnected, c.onDisconnected),
		c.conn.On(chat.EvtSessionAck, c.onSessionAck),
		c.conn.On(chat.EvtCounterpartOffline, c.onCounterpartOffline),
		c.conn.On(chat.EvtCounterpartBack, c.onCounterpartBack),
		c.conn.On(chat.EvtCounterpartGone, c.onTerminal),
		c.conn.On(chat.EvtChatEnded, c.onTerminal),
	)
	c.queueHandshakeLocked()
	subs := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	notify(subs, StateConnecting)
	c.conn.Connect()
}

// Stop detaches the coordinator's handlers and closes the transport
// (explicit logout/cleanup; Terminated -> Disconnected included).
func (c *Coordinator) Stop() {
	c.mu.Lock()
	offs := c.offs
	c.offs = nil
	c.started = false
	c.hadDisconnect = false
	c.resumeRetried = false
	subs := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	c.conn.Disconnect()
	notify(subs, StateDisconnected)
}

// VisibilityRestored handles the tab returning to the foreground. With a
// recorded disconnect and a live transport it re-emits the liveness ping so
// the counterpart's temporary-disconnect indicator clears.
func (c *Coordinator) VisibilityRestored() {
	c.mu.Lock()
	ping := c.hadDisconnect && c.state != StateTerminated && c.conn.Connected()
	if ping {
		c.hadDisconnect = false
	}
	c.mu.Unlock()

	if ping {
		c.sendAlive()
	}
}

// queueHandshakeLocked stages resume when a usable token exists, otherwise a
// fresh join. The resume request carries only the durable token.
func (c *Coordinator) queueHandshakeLocked() {
	tok := c.store.ResumeToken()
	if session.TokenUsable(tok, time.Now()) {
		c.lastMode = chat.ModeResume
		c.conn.QueueHandshake(chat.ResumeHandshake(chat.ResumePayload{Token: tok}))
		return
	}
	c.lastMode = chat.ModeJoin
	c.conn.QueueHandshake(chat.JoinHandshake(c.joinPayloadLocked()))
}

func (c *Coordinator) joinPayloadLocked() chat.JoinPayload {
	p := c.join
	if id := c.store.Identity().ID; id != "" {
		p.ID = id
	}
	p.Role = string(c.role)
	return p
}

func (c *Coordinator) onConnected(json.RawMessage) {
	c.mu.Lock()
	if c.state == StateTerminated || !c.started {
		c.mu.Unlock()
		return
	}
	ping := c.hadDisconnect
	c.hadDisconnect = false
	subs := c.setStateLocked(StateAwaitingAck)
	c.mu.Unlock()

	if ping {
		c.sendAlive()
	}
	notify(subs, StateAwaitingAck)
}

func (c *Coordinator) onDisconnected(json.RawMessage) {
	c.store.ClearTyping()

	c.mu.Lock()
	if c.state == StateTerminated || c.state == StateDisconnected || !c.started {
		c.mu.Unlock()
		return
	}
	c.hadDisconnect = true
	c.queueHandshakeLocked()
	subs := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	notify(subs, StateConnecting)
}

func (c *Coordinator) onSessionAck(data json.RawMessage) {
	ack, err := decode.FromRaw[chat.SessionAckPayload](data)
	if err != nil {
		logger.Warnf("[coordinator] %s malformed session ack: %v", c.role, err)
		return
	}

	if ack.OK {
		c.mu.Lock()
		c.resumeRetried = false
		subs := c.setStateLocked(StateBound)
		c.mu.Unlock()
		notify(subs, StateBound)
		return
	}

	c.mu.Lock()
	if c.lastMode == chat.ModeResume && !c.resumeRetried {
		// Stale token: clear it and retry once as a fresh join.
		c.resumeRetried = true
		c.lastMode = chat.ModeJoin
		join := c.joinPayloadLocked()
		c.mu.Unlock()

		logger.Infof("[coordinator] %s %v, retrying as join", c.role, errs.ErrResumeRejected.WithDetail(ack.Reason))
		c.store.ClearResumeToken()
		c.conn.QueueHandshake(chat.JoinHandshake(join))
		return
	}
	errSubs := append(([]func(string))(nil), c.errSubs...)
	subs := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	logger.Warnf("[coordinator] %s login failed: %s", c.role, ack.Reason)
	c.conn.Disconnect()
	notify(subs, StateDisconnected)
	for _, fn := range errSubs {
		fn(ack.Reason)
	}
}

// onCounterpartOffline: the grace period in the payload is a display hint;
// the backend alone decides when temporary becomes permanent.
func (c *Coordinator) onCounterpartOffline(json.RawMessage) {
	if c.role != session.RoleClient {
		// An operator handles many rooms; one absent client does not
		// degrade the operator session.
		return
	}
	c.mu.Lock()
	if c.state != StateBound {
		c.mu.Unlock()
		return
	}
	subs := c.setStateLocked(StateDegraded)
	c.mu.Unlock()
	notify(subs, StateDegraded)
}

func (c *Coordinator) onCounterpartBack(json.RawMessage) {
	if c.role != session.RoleClient {
		return
	}
	c.mu.Lock()
	if c.state != StateDegraded {
		c.mu.Unlock()
		return
	}
	subs := c.setStateLocked(StateBound)
	c.mu.Unlock()
	notify(subs, StateBound)
}

func (c *Coordinator) onTerminal(json.RawMessage) {
	if c.role != session.RoleClient {
		return
	}
	c.mu.Lock()
	if c.state != StateBound && c.state != StateDegraded {
		c.mu.Unlock()
		return
	}
	subs := c.setStateLocked(StateTerminated)
	c.mu.Unlock()
	notify(subs, StateTerminated)
}

func (c *Coordinator) sendAlive() {
	id := c.store.Identity().ID
	if id == "" {
		return
	}
	if err := c.conn.Send(chat.EvtAlive, chat.AlivePayload{ID: id}); err != nil {
		logger.Debugf("[coordinator] %s alive ping: %v", c.role, err)
	}
}

func (c *Coordinator) setStateLocked(s State) []func(State) {
	if c.state == s {
		return nil
	}
	c.state = s
	return append(([]func(State))(nil), c.stateSubs...)
}

func notify(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s)
	}
}
