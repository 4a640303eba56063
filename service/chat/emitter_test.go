package chat

import (
	"encoding/json"
	"testing"
)

func TestEmitRunsInRegistrationOrder(t *testing.T) {
	e := NewEmitter()
	var got []string
	e.On("ev", func(json.RawMessage) { got = append(got, "first") })
	e.On("ev", func(json.RawMessage) { got = append(got, "second") })
	e.On("ev", func(json.RawMessage) { got = append(got, "third") })

	if n := e.Emit("ev", nil); n != 3 {
		t.Fatalf("Emit = %d, want 3", n)
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i] != want {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestDetachRemovesOnlyItsHandler(t *testing.T) {
	e := NewEmitter()
	var a, b int
	offA := e.On("ev", func(json.RawMessage) { a++ })
	e.On("ev", func(json.RawMessage) { b++ })

	offA()
	offA() // second call is a no-op
	if n := e.Emit("ev", nil); n != 1 {
		t.Fatalf("Emit = %d, want 1", n)
	}
	if a != 0 || b != 1 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

func TestOffAndReset(t *testing.T) {
	e := NewEmitter()
	e.On("ev1", func(json.RawMessage) {})
	e.On("ev1", func(json.RawMessage) {})
	e.On("ev2", func(json.RawMessage) {})

	e.Off("ev1")
	if n := e.Emit("ev1", nil); n != 0 {
		t.Fatalf("Emit after Off = %d, want 0", n)
	}
	if n := e.Emit("ev2", nil); n != 1 {
		t.Fatalf("ev2 untouched by Off: %d, want 1", n)
	}

	e.Reset()
	if n := e.Emit("ev2", nil); n != 0 {
		t.Fatalf("Emit after Reset = %d, want 0", n)
	}
}

func TestEmitWithoutSubscribers(t *testing.T) {
	e := NewEmitter()
	if n := e.Emit("nothing", nil); n != 0 {
		t.Fatalf("Emit = %d, want 0", n)
	}
}
