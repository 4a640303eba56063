package session

import "sort"

// MessageLog merges inbound messages with deduplication and ordering.
// Within one log a message id appears exactly once; entries are kept in
// non-decreasing timestamp order, stable across insertion order.
//
// Optimistic local messages carry an ids.LocalPrefix id. No content-based
// correlation with server echoes is attempted: an echo that arrives under a
// different id is a distinct entry.
type MessageLog struct {
	msgs  []Message
	index map[string]struct{}
}

func NewMessageLog() *MessageLog {
	return &MessageLog{index: make(map[string]struct{})}
}

// Record merges one message. Returns whether the log changed; a duplicate
// id or an empty id is a no-op.
func (l *MessageLog) Record(m Message) bool {
	return l.RecordBatch([]Message{m})
}

// RecordBatch merges an ordered batch, then restores timestamp order with a
// stable sort so ties keep their relative insertion order.
func (l *MessageLog) RecordBatch(batch []Message) bool {
	changed := false
	for _, m := range batch {
		if m.ID == "" {
			continue
		}
		if _, dup := l.index[m.ID]; dup {
			continue
		}
		l.index[m.ID] = struct{}{}
		l.msgs = append(l.msgs, m)
		changed = true
	}
	if changed {
		sort.SliceStable(l.msgs, func(i, j int) bool {
			return l.msgs[i].Timestamp < l.msgs[j].Timestamp
		})
	}
	return changed
}

// Contains reports whether a message id is already in the log.
func (l *MessageLog) Contains(id string) bool {
	_, ok := l.index[id]
	return ok
}

func (l *MessageLog) Len() int { return len(l.msgs) }

// Messages returns a copy of the ordered log.
func (l *MessageLog) Messages() []Message {
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// InRoom returns the ordered entries belonging to one room.
func (l *MessageLog) InRoom(roomID string) []Message {
	var out []Message
	for _, m := range l.msgs {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out
}

// restore reloads persisted entries through the same merge path, so a
// corrupted snapshot cannot introduce duplicates or misordering.
func (l *MessageLog) restore(msgs []Message) {
	l.msgs = l.msgs[:0]
	l.index = make(map[string]struct{}, len(msgs))
	l.RecordBatch(msgs)
}
