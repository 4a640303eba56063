package decode

import (
	"encoding/json"
	"testing"
)

type ackShape struct {
	OK            bool   `json:"ok"`
	RoomID        string `json:"room_id"`
	QueuePosition int    `json:"queue_position"`
	Timestamp     int64  `json:"timestamp"`
}

func TestDecodeMatchesJSONTags(t *testing.T) {
	m := map[string]any{
		"ok": true, "room_id": "r-1",
		// JSON numbers always arrive as float64.
		"queue_position": float64(3),
		"timestamp":      float64(1700000000000),
	}
	out, err := Decode[ackShape](m)
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.RoomID != "r-1" || out.QueuePosition != 3 || out.Timestamp != 1700000000000 {
		t.Fatalf("decoded = %+v", out)
	}
}

func TestDecodeWeakTyping(t *testing.T) {
	out, err := Decode[ackShape](map[string]any{"queue_position": "7"})
	if err != nil {
		t.Fatal(err)
	}
	if out.QueuePosition != 7 {
		t.Fatalf("queue_position = %d, want 7", out.QueuePosition)
	}
}

func TestDecodeNilMap(t *testing.T) {
	if _, err := Decode[ackShape](nil); err == nil {
		t.Fatal("nil payload should error")
	}
}

func TestFromRaw(t *testing.T) {
	out, err := FromRaw[ackShape](json.RawMessage(`{"ok":true,"room_id":"r-9"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.RoomID != "r-9" {
		t.Fatalf("decoded = %+v", out)
	}
	if _, err := FromRaw[ackShape](json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("non-object payload should error")
	}
}

func TestToMapPreservesNullPresence(t *testing.T) {
	m, err := ToMap(json.RawMessage(`{"counterpart":null}`))
	if err != nil {
		t.Fatal(err)
	}
	v, present := m["counterpart"]
	if !present || v != nil {
		t.Fatalf("counterpart presence lost: %+v", m)
	}
	if _, present := m["room_id"]; present {
		t.Fatal("absent key must stay absent")
	}
}

func TestReadHelpers(t *testing.T) {
	m := map[string]any{"s": "x", "n": float64(5), "ns": "12", "b": true, "null": nil}

	if v, err := ReadString(m, "s"); err != nil || v != "x" {
		t.Fatalf("ReadString = %q, %v", v, err)
	}
	if _, err := ReadString(m, "missing"); err == nil {
		t.Fatal("missing key should error")
	}
	if _, err := ReadString(m, "null"); err == nil {
		t.Fatal("null value should error")
	}
	if v, err := ReadInt64(m, "n"); err != nil || v != 5 {
		t.Fatalf("ReadInt64 = %d, %v", v, err)
	}
	if v, err := ReadInt64(m, "ns"); err != nil || v != 12 {
		t.Fatalf("ReadInt64 string = %d, %v", v, err)
	}
	if v, err := ReadBool(m, "b"); err != nil || !v {
		t.Fatalf("ReadBool = %v, %v", v, err)
	}
	if _, err := ReadBool(m, "s"); err == nil {
		t.Fatal("wrong type should error")
	}
}
