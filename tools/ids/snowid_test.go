package ids

import "testing"

func TestGenerateMonotonicAndUnique(t *testing.T) {
	seen := make(map[int64]struct{}, 1000)
	last := int64(0)
	for i := 0; i < 1000; i++ {
		id := Generate()
		if id <= last {
			t.Fatalf("id %d not increasing after %d", id, last)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		last = id
	}
}

func TestLocalMessageID(t *testing.T) {
	id := LocalMessageID()
	if !IsLocalMessageID(id) {
		t.Fatalf("id %q should carry the local prefix", id)
	}
	if IsLocalMessageID("srv-123") {
		t.Fatal("backend ids are not local")
	}
}
