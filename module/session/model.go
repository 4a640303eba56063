package session

// Role selects which side of a conversation this process plays.
type Role string

const (
	RoleClient   Role = "client"
	RoleOperator Role = "operator"
)

// BindingStatus is the lifecycle of the room binding.
type BindingStatus string

const (
	StatusUnbound BindingStatus = "unbound"
	StatusQueued  BindingStatus = "queued"
	StatusActive  BindingStatus = "active"
	StatusPaused  BindingStatus = "paused"
	StatusClosed  BindingStatus = "closed"
)

// Identity is the durable logical identity of this side. ID starts empty (or
// as a transport-session approximation) and is confirmed by the backend's
// first session acknowledgement.
type Identity struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Number string            `json:"number"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Usable reports whether the identity is complete enough to log in with.
func (i Identity) Usable() bool {
	return i.Name != "" && i.Number != ""
}

// Counterpart is the other side of a room: the assigned operator for a
// client, or the connected client for an operator.
type Counterpart struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Binding ties the identity to at most one conversation (client side).
type Binding struct {
	RoomID        string        `json:"room_id,omitempty"`
	Counterpart   *Counterpart  `json:"counterpart,omitempty"`
	Status        BindingStatus `json:"status"`
	QueuePosition int           `json:"queue_position,omitempty"`
}

// Message is one entry of the conversation log. Timestamp is unix
// milliseconds assigned by the sender or the backend.
type Message struct {
	ID        string `json:"message_id"`
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	RoomID    string `json:"room_id"`
	Timestamp int64  `json:"timestamp"`
}

// SentBy reports whether the message originated from the given identity.
func (m Message) SentBy(selfID string) bool {
	return selfID != "" && m.SenderID == selfID
}

// RoomEntry is one row of the operator's roster caches.
type RoomEntry struct {
	RoomID        string      `json:"room_id"`
	Client        Counterpart `json:"client"`
	QueuePosition int         `json:"queue_position,omitempty"`
}

// snapshot is the persisted form of a store. Typing state is deliberately
// absent: presence is ephemeral and cleared on disconnect.
type snapshot struct {
	Identity    Identity    `json:"identity"`
	Binding     Binding     `json:"binding"`
	Messages    []Message   `json:"messages,omitempty"`
	ResumeToken string      `json:"resume_token,omitempty"`
	Active      []RoomEntry `json:"active,omitempty"`
	Pending     []RoomEntry `json:"pending,omitempty"`
}

// sharedIdentity is the small cross-instance record that survives a full
// restart and enables resume without re-entering the login form.
type sharedIdentity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Role   Role   `json:"role"`
}
