package session

import (
	"context"
	"testing"
	"time"

	"palaver/internal/models"
)

func TestSweeper_DeletesAbandonedRooms(t *testing.T) {
	ctx := context.Background()
	bolt := newTestBolt(t)
	threshold := 3 * time.Minute

	room, err := bolt.CreateRoom(ctx, "abandoned", "ghost", false)
	if err != nil {
		t.Fatal(err)
	}
	occupied, err := bolt.CreateRoom(ctx, "occupied", "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bolt.AddMember(ctx, occupied.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := bolt.AddMember(ctx, room.ID, "ghost"); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := bolt.UpsertPresence(ctx, models.PresenceRecord{UserID: "alice", LastSeenAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := bolt.UpsertPresence(ctx, models.PresenceRecord{UserID: "ghost", LastSeenAt: now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(bolt, time.Minute, threshold)
	// Rooms were just created; move the clock past the grace period.
	sw.now = func() time.Time { return now.Add(threshold + time.Second) }
	if err := bolt.UpsertPresence(ctx, models.PresenceRecord{UserID: "alice", LastSeenAt: sw.now()}); err != nil {
		t.Fatal(err)
	}

	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d rooms, want 1", n)
	}

	if _, err := bolt.Room(ctx, room.ID); err == nil {
		t.Error("abandoned room survived the sweep")
	}
	if _, err := bolt.Room(ctx, occupied.ID); err != nil {
		t.Errorf("occupied room was deleted: %v", err)
	}
}

func TestSweeper_SkipsWhenNobodyOnline(t *testing.T) {
	ctx := context.Background()
	bolt := newTestBolt(t)
	threshold := 3 * time.Minute

	room, err := bolt.CreateRoom(ctx, "quiet", "alice", false)
	if err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(bolt, time.Minute, threshold)
	sw.now = func() time.Time { return time.Now().Add(threshold + time.Second) }

	// An empty presence table looks exactly like a presence outage, so no
	// room may be touched.
	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("swept %d rooms with nobody online, want 0", n)
	}
	if _, err := bolt.Room(ctx, room.ID); err != nil {
		t.Errorf("room deleted during presence blackout: %v", err)
	}
}

func TestSweeper_GracePeriodForNewRooms(t *testing.T) {
	ctx := context.Background()
	bolt := newTestBolt(t)
	threshold := 3 * time.Minute

	room, err := bolt.CreateRoom(ctx, "brand-new", "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	// Someone else is online, so sweeping is armed, but the new empty room
	// must survive its grace period.
	if err := bolt.UpsertPresence(ctx, models.PresenceRecord{UserID: "bob", LastSeenAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(bolt, time.Minute, threshold)
	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("swept %d rooms, want 0", n)
	}
	if _, err := bolt.Room(ctx, room.ID); err != nil {
		t.Errorf("new room deleted inside grace period: %v", err)
	}
}
