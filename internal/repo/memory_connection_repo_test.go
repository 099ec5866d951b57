package repo

import "testing"

func TestMemoryConnectionRepo_Lifecycle(t *testing.T) {
	r := NewMemoryConnectionRepo()

	c := r.Register("A", t0)
	if c.InRoom() || c.PeerId != "" || !c.ConnectedAt.Equal(t0) {
		t.Fatalf("registered = %+v", c)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}

	if !r.SetRoomAndPeer("A", "movie1", "alice") {
		t.Fatalf("set on registered connection failed")
	}
	// 同じ値での再設定は冪等
	if !r.SetRoomAndPeer("A", "movie1", "alice") {
		t.Fatalf("repeat set failed")
	}
	got, ok := r.Lookup("A")
	if !ok || got.RoomId != "movie1" || got.PeerId != "alice" {
		t.Fatalf("lookup = %+v, %v", got, ok)
	}

	if r.SetRoomAndPeer("ghost", "movie1", "x") {
		t.Fatalf("set on unknown connection should report false")
	}
	if _, ok := r.Lookup("ghost"); ok {
		t.Fatalf("set created a connection")
	}

	removed, ok := r.Unregister("A")
	if !ok || removed.RoomId != "movie1" {
		t.Fatalf("unregister = %+v, %v", removed, ok)
	}
	if _, ok := r.Unregister("A"); ok {
		t.Fatalf("double unregister reported present")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d", r.Count())
	}
}
