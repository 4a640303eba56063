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

// OperatorContext is the agent side of the widget. Unlike a client, an
// operator holds many simultaneous room bindings (roomID -> client), so
// per-room presence never degrades the operator's own session state.
type OperatorContext struct {
	cfg   global.AppConfig
	store *session.Store
	mgr   *chat.Manager
	coord *Coordinator

	typingMu sync.Mutex
	typing   map[string]*roomTyping // per accepted room
}

type roomTyping struct {
	active bool
	timer  *time.Timer
}

func NewOperatorContext(cfg global.AppConfig) *OperatorContext {
	tab, shared := openStorageAreas(session.RoleOperator, cfg.StorageDir)
	store := session.NewStore(session.RoleOperator, tab, shared)
	mgr := chat.NewManager(chat.ConfFromApp(cfg.GatewayURL+"?role=operator", cfg))

	o := &OperatorContext{
		cfg:    cfg,
		store:  store,
		mgr:    mgr,
		typing: make(map[string]*roomTyping),
	}
	o.registerRouting()
	o.coord = newCoordinator(session.RoleOperator, store, mgr)
	return o
}

func (o *OperatorContext) registerRouting() {
	o.mgr.On(chat.EvtSessionAck, func(data json.RawMessage) {
		m, err := chat.DecodeMap(data)
		if err != nil {
			logger.Warnf("[widget] operator session ack: %v", err)
			return
		}
		if ok, err := decode.ReadBool(m, "ok"); err != nil || !ok {
			return
		}
		o.store.UpdateFromServerEvent(m)
	})
	o.mgr.On(chat.EvtRoster, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.RosterPayload](data)
		if err != nil {
			logger.Warnf("[widget] operator roster: %v", err)
			return
		}
		o.store.ApplyRoster(p.Pending, p.Active)
	})
	o.mgr.On(chat.EvtRoomAssigned, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.RoomAssignedPayload](data)
		if err != nil || p.RoomID == "" {
			logger.Warnf("[widget] operator room assignment: %v", err)
			return
		}
		o.store.AddActiveRoom(session.RoomEntry{RoomID: p.RoomID, Client: p.Client})
		if len(p.Messages) > 0 {
			o.store.RecordMessages(p.Messages)
		}
	})
	o.mgr.On(chat.EvtMessage, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.MessagePayload](data)
		if err != nil {
			logger.Warnf("[widget] operator message event: %v", err)
			return
		}
		o.store.RecordMessages(p.Messages)
	})
	o.mgr.On(chat.EvtTyping, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.TypingPayload](data)
		if err != nil {
			return
		}
		o.store.SetTyping(p.RoomID, p.IsTyping)
	})
	o.mgr.On(chat.EvtCounterpartOffline, func(data json.RawMessage) {
		if p, err := decode.FromRaw[chat.CounterpartPayload](data); err == nil {
			o.store.SetTyping(p.RoomID, false)
		}
	})
	o.mgr.On(chat.EvtChatEnded, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.ChatEndedPayload](data)
		if err != nil || p.RoomID == "" {
			return
		}
		o.store.RemoveRoom(p.RoomID)
	})
	o.mgr.On(chat.EvtCounterpartGone, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.CounterpartPayload](data)
		if err != nil || p.RoomID == "" {
			return
		}
		o.store.RemoveRoom(p.RoomID)
	})
}

// Open starts the operator session with login input or a stored identity.
func (o *OperatorContext) Open(name, number string) error {
	found := o.store.Load()
	if name != "" {
		o.store.SetLocalIdentity(name, number, nil)
	} else if !found {
		return errs.ErrLoginFailed.WithDetail("no stored identity and no login input")
	}
	id := o.store.Identity()
	if !id.Usable() {
		return errs.ErrLoginFailed.WithDetail("name and contact number required")
	}

	o.coord.Start(chat.JoinPayload{
		Name:   id.Name,
		Number: id.Number,
		ID:     id.ID,
		Role:   string(session.RoleOperator),
	})
	return nil
}

// AcceptRoom takes a pending conversation.
func (o *OperatorContext) AcceptRoom(roomID string) error {
	if !o.mgr.Connected() {
		return errs.ErrSendNotReady.WithDetail("transport down")
	}
	return o.mgr.Send(chat.EvtJoinRoom, chat.RoomPayload{RoomID: roomID})
}

// LeaveRoom detaches from an active conversation without ending it.
func (o *OperatorContext) LeaveRoom(roomID string) error {
	if err := o.mgr.Send(chat.EvtLeaveRoom, chat.RoomPayload{RoomID: roomID}); err != nil {
		return err
	}
	o.store.RemoveRoom(roomID)
	return nil
}

// SendMessage sends into one accepted room, with the same optimistic-local
// policy as the client side.
func (o *OperatorContext) SendMessage(roomID, text string) (session.Message, error) {
	if _, ok := o.store.RoomClient(roomID); !ok {
		return session.Message{}, errs.ErrSendNotReady.WithDetail("room not accepted")
	}
	if !o.mgr.Connected() {
		return session.Message{}, errs.ErrSendNotReady.WithDetail("transport down")
	}

	msg := session.Message{
		ID:        ids.LocalMessageID(),
		Text:      text,
		SenderID:  o.store.Identity().ID,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	err := o.mgr.Send(chat.EvtSendMessage, chat.SendMessagePayload{
		MessageID: msg.ID,
		Text:      msg.Text,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return session.Message{}, errs.ErrSendNotReady.WithDetail(err.Error())
	}
	o.store.RecordMessage(msg)
	o.stopTyping(roomID, true)
	return msg, nil
}

// NotifyTyping is called on input changes for one room's composer.
func (o *OperatorContext) NotifyTyping(roomID string) {
	if _, ok := o.store.RoomClient(roomID); !ok || !o.mgr.Connected() {
		return
	}

	o.typingMu.Lock()
	defer o.typingMu.Unlock()
	st := o.typing[roomID]
	if st == nil {
		st = &roomTyping{}
		o.typing[roomID] = st
	}
	if !st.active {
		st.active = true
		o.sendTyping(roomID, true)
	}
	idle := time.Duration(o.cfg.TypingIdleMS) * time.Millisecond
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(idle, func() { o.stopTyping(roomID, false) })
}

func (o *OperatorContext) stopTyping(roomID string, onSend bool) {
	o.typingMu.Lock()
	defer o.typingMu.Unlock()
	st := o.typing[roomID]
	if st == nil {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if !st.active && !onSend {
		return
	}
	st.active = false
	o.sendTyping(roomID, false)
}

func (o *OperatorContext) sendTyping(roomID string, active bool) {
	err := o.mgr.Send(chat.EvtTyping, chat.TypingPayload{
		RoomID:   roomID,
		From:     o.store.Identity().ID,
		IsTyping: active,
	})
	if err != nil {
		logger.Debugf("[widget] operator typing send: %v", err)
	}
}

// EndChat ends one conversation.
func (o *OperatorContext) EndChat(roomID string) error {
	if _, ok := o.store.RoomClient(roomID); !ok {
		return errs.ErrSendNotReady.WithDetail("room not accepted")
	}
	return o.mgr.Send(chat.EvtEndChat, chat.RoomPayload{RoomID: roomID})
}

func (o *OperatorContext) Identity() session.Identity       { return o.store.Identity() }
func (o *OperatorContext) ActiveRooms() []session.RoomEntry { return o.store.ActiveRooms() }
func (o *OperatorContext) PendingRooms() []session.RoomEntry {
	return o.store.PendingRooms()
}
func (o *OperatorContext) MessagesInRoom(roomID string) []session.Message {
	return o.store.MessagesInRoom(roomID)
}
func (o *OperatorContext) RoomClient(roomID string) (session.Counterpart, bool) {
	return o.store.RoomClient(roomID)
}
func (o *OperatorContext) ClientTyping(roomID string) bool { return o.store.Typing(roomID) }
func (o *OperatorContext) State() State                    { return o.coord.State() }
func (o *OperatorContext) OnStateChange(fn func(State))    { o.coord.OnStateChange(fn) }
func (o *OperatorContext) OnLoginError(fn func(string))    { o.coord.OnLoginError(fn) }

// VisibilityRestored mirrors the client-side hook.
func (o *OperatorContext) VisibilityRestored() {
	o.coord.VisibilityRestored()
}

// OnRoster subscribes the UI to roster snapshot changes.
func (o *OperatorContext) OnRoster(fn func(pending, active []session.RoomEntry)) func() {
	return o.mgr.On(chat.EvtRoster, func(json.RawMessage) {
		fn(o.store.PendingRooms(), o.store.ActiveRooms())
	})
}

// OnRoomAssigned subscribes the UI to new assignments.
func (o *OperatorContext) OnRoomAssigned(fn func(entry session.RoomEntry)) func() {
	return o.mgr.On(chat.EvtRoomAssigned, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.RoomAssignedPayload](data)
		if err != nil || p.RoomID == "" {
			return
		}
		fn(session.RoomEntry{RoomID: p.RoomID, Client: p.Client})
	})
}

// OnMessages subscribes the UI to log changes of one room.
func (o *OperatorContext) OnMessages(fn func(roomID string, msgs []session.Message)) func() {
	return o.mgr.On(chat.EvtMessage, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.MessagePayload](data)
		if err != nil || len(p.Messages) == 0 {
			return
		}
		room := p.Messages[0].RoomID
		fn(room, o.store.MessagesInRoom(room))
	})
}

// OnTyping subscribes the UI to client typing changes per room.
func (o *OperatorContext) OnTyping(fn func(roomID string, active bool)) func() {
	return o.mgr.On(chat.EvtTyping, func(data json.RawMessage) {
		p, err := decode.FromRaw[chat.TypingPayload](data)
		if err != nil {
			return
		}
		fn(p.RoomID, p.IsTyping)
	})
}

// Close detaches handlers and closes the transport, keeping state for a
// later resume.
func (o *OperatorContext) Close() {
	o.typingMu.Lock()
	for _, st := range o.typing {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	o.typing = make(map[string]*roomTyping)
	o.typingMu.Unlock()

	o.mgr.ResetHandlers()
	o.coord.Stop()
}

// Logout closes the context and clears persisted operator state.
func (o *OperatorContext) Logout() {
	o.Close()
	o.store.Clear()
}
