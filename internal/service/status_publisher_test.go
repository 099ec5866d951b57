package service

import (
	"context"
	"testing"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/Fldicoahkiin/cineflow/internal/repo"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestStatusPublisher_PublishAndCleanup(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	f := newFixture(t)
	f.connect("A", "B")
	f.send(t, "A", EventCreateRoom, RoomRequest{RoomId: "R", PeerId: "alice"})

	p := NewStatusPublisher(repo.NewRedisStatusRepo(rdb), f.svc, "instance-1", time.Hour, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	want := models.ClusterStatus{Instances: 1, ActiveRooms: 1, ActivePeers: 2}
	deadline := time.After(2 * time.Second)
	for {
		got, err := p.Cluster(context.Background())
		if err == nil && got == want {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("cluster = %+v, err = %v, want %+v", got, err, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if ttl := mr.TTL("signaling:instance:instance-1"); ttl != 3*time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}

	cancel()
	<-done
	got, err := p.Cluster(context.Background())
	if err != nil || got != (models.ClusterStatus{}) {
		t.Fatalf("after shutdown cluster = %+v, err = %v", got, err)
	}
}
