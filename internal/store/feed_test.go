package store

import (
	"context"
	"testing"
	"time"

	"palaver/internal/models"
)

func TestFeed_RoomFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	roomA, _ := s.CreateRoom(ctx, "a", "alice", false)
	roomB, _ := s.CreateRoom(ctx, "b", "alice", false)

	sub, err := s.Subscribe([]Table{TableMessages}, []EventType{EventInsert}, Filter{RoomID: roomA.ID}, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, err := s.AppendMessage(ctx, models.Message{RoomID: roomB.ID, AuthorID: "alice", Body: "other room"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, models.Message{RoomID: roomA.ID, AuthorID: "alice", Body: "this room"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Message == nil || ev.Message.Body != "this room" {
			t.Errorf("expected the room A message, got %+v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for message event")
	}

	// Nothing else should be delivered.
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_TableAndTypeFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.Subscribe([]Table{TableMembers}, []EventType{EventInsert, EventDelete}, Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	room, _ := s.CreateRoom(ctx, "a", "alice", false)
	if _, err := s.AddMember(ctx, room.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveMember(ctx, room.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	for _, want := range []EventType{EventInsert, EventDelete} {
		select {
		case ev := <-sub.Events():
			if ev.Table != TableMembers || ev.Type != want {
				t.Errorf("expected %s membership event, got %+v", want, ev)
			}
			if ev.Membership == nil || ev.Membership.UserID != "alice" {
				t.Errorf("membership payload missing: %+v", ev)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for %s event", want)
		}
	}
}

func TestFeed_DropOnFull(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	room, _ := s.CreateRoom(ctx, "busy", "alice", false)

	sub, err := s.Subscribe([]Table{TableMessages}, nil, Filter{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, models.Message{RoomID: room.ID, AuthorID: "alice", Body: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	if got := sub.Dropped(); got != 2 {
		t.Errorf("expected 2 dropped events, got %d", got)
	}
}

func TestFeed_CloseIdempotent(t *testing.T) {
	s := newTestStore(t)

	sub, err := s.Subscribe(nil, nil, Filter{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("events channel should be closed")
	}

	// Publishing after close must not panic.
	s.feed.publish(ChangeEvent{Table: TableRooms, Type: EventInsert, Room: &models.Room{ID: "r"}})
}

func TestFeed_PresenceUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.Subscribe([]Table{TablePresence}, []EventType{EventUpdate}, Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	now := time.Now()
	if err := s.UpsertPresence(ctx, models.PresenceRecord{UserID: "alice", LastSeenAt: now}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Presence == nil || ev.Presence.UserID != "alice" {
			t.Errorf("expected alice presence event, got %+v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for presence event")
	}
}
