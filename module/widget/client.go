package widget

import (
	"encoding/json"
	"sync"
	"time"

	"WProject/global"
	"WProject/logger"
	"WProject/module/session"
	"WProject/service/chat"
	"WProject/tools/decode"
	"WProject/tools/errs"
	"WProject/tools/ids"
)

// ClientContext is the end-user side of the widget: one store, one
// connection manager and one coordinator, constructed once by the
// application shell and passed by reference to the UI. No package-level
// singletons; lifecycle belongs to the shell.
type ClientContext struct {
	cfg   global.AppConfig
	store *session.Store
	mgr   *chat.Manager
	coord *Coordinator

	typingMu     sync.Mutex
	typingActive bool
	typingTimer  *time.Timer

	msgMu   sync.Mutex
	msgSubs []*messageSub

	fbMu   sync.Mutex
	fbRoom string
}

type messageSub struct {
	fn func([]session.Message)
}

// NewClientContext builds the client context. Storage failures degrade to
// in-memory state (no resume across restarts) instead of failing.
func NewClientContext(cfg global.AppConfig) *ClientContext {
	tab, shared := openStorageAreas(session.RoleClient, cfg.StorageDir)
	store := session.NewStore(session.RoleClient, tab, shared)
	mgr := chat.NewManager(chat.ConfFromApp(cfg.GatewayURL+"?role=client", cfg))

	c := &ClientContext{cfg: cfg, store: store, mgr: mgr}
	c.registerRouting()
	c.coord = newCoordinator(session.RoleClient, store, mgr)
	return c
}

// openStorageAreas returns the per-instance and shared areas, falling back
// to memory when the directory cannot be used.
func openStorageAreas(role session.Role, dir string) (session.Storage, session.Storage) {
	var tab session.Storage
	var shared session.Storage
	var err error
	if tab, err = session.NewInstanceStorage(dir); err != nil {
		logger.Warnf("[widget] %s instance storage unusable, running in-memory: %v", role, err)
		tab = session.NewMemoryStorage()
	}
	if shared, err = session.NewSharedStorage(dir); err != nil {
		logger.Warnf("[widget] %s shared storage unusable, running in-memory: %v", role, err)
		shared = session.NewMemoryStorage()
	}
	return tab, shared
}

// registerRouting wires inbound events into the store. These handlers are
// registered before any coordinator or UI subscriber, so store state is
// already reconciled when those run.
func (c *ClientContext) registerRouting() {
	c.mgr.On(chat.EvtSessionAck, func(data json.RawMessage) {
		m, err := chat.DecodeMap(data)
		if err != nil {
			logger.Warnf("[widget] client session ack: %v", err)
			return
		}
		if ok, err := decode.ReadBool(m, "ok"); err != nil || !ok {
			return
		}
		c.store.UpdateFromServerEvent(m)
		if ack, err := decode.FromRaw[chat.SessionAckPayload](data); err == nil && len(ack.Messages) > 0 {
			c.notifyMessages(c.store.RecordMessages(ack.Messages))
		}
	})
	c.mgr.On(chat.EvtMessage, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.MessagePayload](data)
		if err != nil {
			logger.Warnf("[widget] client message event: %v", err)
			return
		}
		c.notifyMessages(c.store.RecordMessages(p.Messages))
	})
	c.mgr.On(chat.EvtMessageAck, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.MessageAckPayload](data)
		if err != nil {
			logger.Warnf("[widget] client message ack: %v", err)
			return
		}
		if !p.OK {
			logger.Warnf("[widget] send rejected id=%s reason=%s", p.MessageID, p.Reason)
		}
	})
	c.mgr.On(chat.EvtTyping, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.TypingPayload](data)
		if err != nil {
			return
		}
		c.store.SetTyping(p.RoomID, p.IsTyping)
	})
	c.mgr.On(chat.EvtQueue, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.QueuePayload](data)
		if err != nil {
			return
		}
		c.store.UpdateFromServerEvent(map[string]any{"queue_position": p.Position})
	})
	c.mgr.On(chat.EvtCounterpartOffline, func(json.RawMessage) {
		c.store.UpdateFromServerEvent(map[string]any{"status": string(session.StatusPaused)})
	})
	c.mgr.On(chat.EvtCounterpartBack, func(json.RawMessage) {
		c.store.UpdateFromServerEvent(map[string]any{"status": string(session.StatusActive)})
	})
	c.mgr.On(chat.EvtCounterpartGone, func(json.RawMessage) {
		c.store.UpdateFromServerEvent(map[string]any{"status": string(session.StatusClosed), "counterpart": nil})
	})
	c.mgr.On(chat.EvtChatEnded, func(json.RawMessage) {
		c.store.UpdateFromServerEvent(map[string]any{"status": string(session.StatusClosed)})
	})
	c.mgr.On(chat.EvtFeedbackRequest, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.RoomPayload](data)
		if err != nil || p.RoomID == "" {
			return
		}
		c.fbMu.Lock()
		c.fbRoom = p.RoomID
		c.fbMu.Unlock()
	})
	c.mgr.On(chat.EvtFeedbackAck, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.FeedbackAckPayload](data)
		if err != nil || !p.OK {
			return
		}
		c.fbMu.Lock()
		c.fbRoom = ""
		c.fbMu.Unlock()
	})
}

// FeedbackPending reports the room whose post-chat survey has not been
// answered yet, or empty.
func (c *ClientContext) FeedbackPending() string {
	c.fbMu.Lock()
	defer c.fbMu.Unlock()
	return c.fbRoom
}

// Open loads persisted state and starts the session. Pass the login-form
// name/number on first use; with empty arguments a previously stored
// identity is reused (resume after restart).
func (c *ClientContext) Open(name, number string, meta map[string]string) error {
	found := c.store.Load()
	if name != "" {
		c.store.SetLocalIdentity(name, number, meta)
	} else if !found {
		return errs.ErrLoginFailed.WithDetail("no stored identity and no login input")
	}
	id := c.store.Identity()
	if !id.Usable() {
		return errs.ErrLoginFailed.WithDetail("name and contact number required")
	}

	c.coord.Start(chat.JoinPayload{
		Name:   id.Name,
		Number: id.Number,
		ID:     id.ID,
		Role:   string(session.RoleClient),
		Meta:   id.Meta,
	})
	return nil
}

// SendMessage performs the optimistic send: reject synchronously when the
// transport is down or no room is bound, otherwise emit and record a local
// copy under a local- id.
func (c *ClientContext) SendMessage(text string) (session.Message, error) {
	b := c.store.Binding()
	if b.RoomID == "" {
		return session.Message{}, errs.ErrSendNotReady.WithDetail("no room bound")
	}
	if !c.mgr.Connected() {
		return session.Message{}, errs.ErrSendNotReady.WithDetail("transport down")
	}

	msg := session.Message{
		ID:        ids.LocalMessageID(),
		Text:      text,
		SenderID:  c.store.Identity().ID,
		RoomID:    b.RoomID,
		Timestamp: time.Now().UnixMilli(),
	}
	err := c.mgr.Send(chat.EvtSendMessage, chat.SendMessagePayload{
		MessageID: msg.ID,
		Text:      msg.Text,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return session.Message{}, errs.ErrSendNotReady.WithDetail(err.Error())
	}
	c.notifyMessages(c.store.RecordMessage(msg))
	c.stopTyping(true)
	return msg, nil
}

// NotifyTyping is called on every input change. The first call emits
// typing=true; typing=false follows after the idle window or on send.
func (c *ClientContext) NotifyTyping() {
	b := c.store.Binding()
	if b.RoomID == "" || !c.mgr.Connected() {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if !c.typingActive {
		c.typingActive = true
		c.sendTyping(b.RoomID, true)
	}
	idle := time.Duration(c.cfg.TypingIdleMS) * time.Millisecond
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(idle, func() { c.stopTyping(false) })
}

func (c *ClientContext) stopTyping(onSend bool) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if !c.typingActive && !onSend {
		return
	}
	c.typingActive = false
	if room := c.store.Binding().RoomID; room != "" {
		c.sendTyping(room, false)
	}
}

func (c *ClientContext) sendTyping(roomID string, active bool) {
	err := c.mgr.Send(chat.EvtTyping, chat.TypingPayload{
		RoomID:   roomID,
		From:     c.store.Identity().ID,
		IsTyping: active,
	})
	if err != nil {
		logger.Debugf("[widget] typing send: %v", err)
	}
}

// EndChat ends the bound conversation.
func (c *ClientContext) EndChat() error {
	b := c.store.Binding()
	if b.RoomID == "" {
		return errs.ErrSendNotReady.WithDetail("no room bound")
	}
	return c.mgr.Send(chat.EvtEndChat, chat.RoomPayload{RoomID: b.RoomID})
}

// SubmitFeedback answers the post-chat survey.
func (c *ClientContext) SubmitFeedback(rating int, comment string) error {
	b := c.store.Binding()
	if b.RoomID == "" {
		return errs.ErrSendNotReady.WithDetail("no room bound")
	}
	return c.mgr.Send(chat.EvtFeedback, chat.FeedbackPayload{
		RoomID:  b.RoomID,
		Rating:  rating,
		Comment: comment,
	})
}

// VisibilityRestored is called by the shell when the tab returns to the
// foreground.
func (c *ClientContext) VisibilityRestored() {
	c.coord.VisibilityRestored()
}

func (c *ClientContext) Messages() []session.Message  { return c.store.Messages() }
func (c *ClientContext) Identity() session.Identity   { return c.store.Identity() }
func (c *ClientContext) Binding() session.Binding     { return c.store.Binding() }
func (c *ClientContext) OperatorTyping() bool         { return c.store.Typing(c.store.Binding().RoomID) }
func (c *ClientContext) State() State                 { return c.coord.State() }
func (c *ClientContext) OnStateChange(fn func(State)) { c.coord.OnStateChange(fn) }
func (c *ClientContext) OnLoginError(fn func(string)) { c.coord.OnLoginError(fn) }

// OnMessages subscribes the UI to log changes; fn receives the reconciled
// log, never raw wire data. It fires on any change regardless of source,
// so history batches from a session ack and the local optimistic insert
// reach the UI the same way inbound message events do.
func (c *ClientContext) OnMessages(fn func([]session.Message)) func() {
	sub := &messageSub{fn: fn}
	c.msgMu.Lock()
	c.msgSubs = append(c.msgSubs, sub)
	c.msgMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.msgMu.Lock()
			for i, s := range c.msgSubs {
				if s == sub {
					c.msgSubs = append(c.msgSubs[:i], c.msgSubs[i+1:]...)
					break
				}
			}
			c.msgMu.Unlock()
		})
	}
}

// notifyMessages fans the reconciled log out to OnMessages subscribers.
// changed gates it so dedup replays stay silent.
func (c *ClientContext) notifyMessages(changed bool) {
	if !changed {
		return
	}
	c.msgMu.Lock()
	subs := append([]*messageSub(nil), c.msgSubs...)
	c.msgMu.Unlock()
	if len(subs) == 0 {
		return
	}
	msgs := c.store.Messages()
	for _, s := range subs {
		s.fn(msgs)
	}
}

// OnFeedbackRequest subscribes the UI to the post-chat survey prompt sent
// after the conversation ends.
func (c *ClientContext) OnFeedbackRequest(fn func(roomID string)) func() {
	return c.mgr.On(chat.EvtFeedbackRequest, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.RoomPayload](data)
		if err != nil || p.RoomID == "" {
			return
		}
		fn(p.RoomID)
	})
}

// OnFeedbackAck subscribes the UI to the backend's answer to
// SubmitFeedback.
func (c *ClientContext) OnFeedbackAck(fn func(ok bool)) func() {
	return c.mgr.On(chat.EvtFeedbackAck, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.FeedbackAckPayload](data)
		if err != nil {
			return
		}
		fn(p.OK)
	})
}

// OnTyping subscribes the UI to counterpart typing changes.
func (c *ClientContext) OnTyping(fn func(active bool)) func() {
	return c.mgr.On(chat.EvtTyping, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.TypingPayload](data)
		if err != nil {
			return
		}
		fn(p.IsTyping)
	})
}

// Close detaches every handler and closes the transport. In-memory and
// persisted state survive for a later resume.
func (c *ClientContext) Close() {
	c.stopTypingTimer()
	c.mgr.ResetHandlers()
	c.coord.Stop()
}

// Logout closes the context and clears all persisted state, in that order:
// handlers first, transport second, store last, so no late event can
// resurrect cleared state.
func (c *ClientContext) Logout() {
	c.Close()
	c.store.Clear()
}

func (c *ClientContext) stopTypingTimer() {
	c.typingMu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingActive = false
	c.typingMu.Unlock()
}
