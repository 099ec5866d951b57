package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestNewConnectionID_UniqueAndOrdered(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewConnectionID()
		if _, err := ulid.ParseStrict(id); err != nil {
			t.Fatalf("invalid ulid %q: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %q after %q", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestNewInstanceID(t *testing.T) {
	if _, err := uuid.Parse(NewInstanceID()); err != nil {
		t.Fatalf("invalid uuid: %v", err)
	}
}
