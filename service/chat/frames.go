package chat

import (
	"encoding/json"
	"fmt"

	"WProject/module/session"
)

// Wire events. The channel carries JSON frames {event, data, ts}; these
// names are the contract with the gateway.
const (
	// outbound
	EvtJoin        = "join"
	EvtResume      = "resume"
	EvtAlive       = "alive" // liveness ping, not a handshake
	EvtSendMessage = "send_message"
	EvtTyping      = "typing"
	EvtJoinRoom    = "join_room"
	EvtLeaveRoom   = "leave_room"
	EvtEndChat     = "end_chat"
	EvtFeedback    = "feedback"

	// inbound
	EvtSessionAck         = "session_ack"
	EvtQueue              = "queue"
	EvtMessage            = "message"
	EvtMessageAck         = "message_ack"
	EvtRoomAssigned       = "room_assigned"
	EvtRoster             = "roster"
	EvtCounterpartOffline = "counterpart_offline"
	EvtCounterpartBack    = "counterpart_back"
	EvtCounterpartGone    = "counterpart_gone"
	EvtChatEnded          = "chat_ended"
	EvtFeedbackRequest    = "feedback_request"
	EvtFeedbackAck        = "feedback_ack"
)

// Internal notifications emitted by the Manager itself. The underscore
// prefix keeps them out of the wire namespace.
const (
	EvtConnected    = "_connected"
	EvtDisconnected = "_disconnected"
)

// Frame is the envelope of every channel message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    int64           `json:"ts,omitempty"`
}

// ParseFrame decodes a raw channel message. Frames without an event name
// are malformed.
func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("frame missing event")
	}
	return f, nil
}

// EncodeFrame builds the wire bytes for an event and payload.
func EncodeFrame(event string, payload any, ts int64) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(&Frame{Event: event, Data: data, TS: ts})
}

// ---- outbound payloads ----

type JoinPayload struct {
	Name   string            `json:"name"`
	Number string            `json:"number"`
	ID     string            `json:"id,omitempty"` // generated-or-stored id
	Role   string            `json:"role"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type ResumePayload struct {
	Token string `json:"token"`
}

type AlivePayload struct {
	ID string `json:"id"`
}

type SendMessagePayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

type TypingPayload struct {
	RoomID   string `json:"room_id"`
	From     string `json:"from,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

type RoomPayload struct {
	RoomID string `json:"room_id"`
}

type FeedbackPayload struct {
	RoomID  string `json:"room_id"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// ---- inbound payloads ----

// SessionAckPayload acknowledges a join or resume handshake. On success it
// carries the confirmed identity and, for resume, the rebound session state.
type SessionAckPayload struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Resumed bool   `json:"resumed,omitempty"`

	ID            string               `json:"id,omitempty"`
	Name          string               `json:"name,omitempty"`
	Number        string               `json:"number,omitempty"`
	RoomID        string               `json:"room_id,omitempty"`
	Status        string               `json:"status,omitempty"`
	QueuePosition int                  `json:"queue_position,omitempty"`
	ResumeToken   string               `json:"resume_token,omitempty"`
	Counterpart   *session.Counterpart `json:"counterpart,omitempty"`
	Messages      []session.Message    `json:"messages,omitempty"`
}

// MessagePayload delivers one or more messages; singles arrive as a
// one-element batch.
type MessagePayload struct {
	Messages []session.Message `json:"messages"`
}

// QueuePayload updates a waiting client's position.
type QueuePayload struct {
	RoomID   string `json:"room_id"`
	Position int    `json:"position"`
}

type MessageAckPayload struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// RoomAssignedPayload tells an operator a conversation was bound to them.
type RoomAssignedPayload struct {
	RoomID   string              `json:"room_id"`
	Client   session.Counterpart `json:"client"`
	Messages []session.Message   `json:"messages,omitempty"`
}

// RosterPayload is the operator's queue/roster snapshot.
type RosterPayload struct {
	Pending []session.RoomEntry `json:"pending"`
	Active  []session.RoomEntry `json:"active"`
}

// CounterpartPayload accompanies presence transitions. GraceMS on the
// offline event is a display hint only; the backend owns the timeout.
type CounterpartPayload struct {
	RoomID  string               `json:"room_id"`
	GraceMS int64                `json:"grace_ms,omitempty"`
	Who     *session.Counterpart `json:"who,omitempty"`
}

type ChatEndedPayload struct {
	RoomID string `json:"room_id"`
	By     string `json:"by,omitempty"`
}

type FeedbackAckPayload struct {
	OK     bool   `json:"ok"`
	RoomID string `json:"room_id"`
}
