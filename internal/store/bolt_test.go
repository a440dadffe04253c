package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"palaver/internal/models"
)

func newTestStore(t *testing.T) *Bolt {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "store_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	s, err := NewBolt(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("Rooms", func(t *testing.T) {
		room, err := s.CreateRoom(ctx, "general", "alice", false)
		if err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		if room.ID == "" {
			t.Fatal("room has no ID")
		}

		got, err := s.Room(ctx, room.ID)
		if err != nil {
			t.Fatalf("Room failed: %v", err)
		}
		if got.Name != "general" || got.CreatedBy != "alice" {
			t.Errorf("unexpected room: %+v", got)
		}

		if _, err := s.Room(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Membership", func(t *testing.T) {
		room, err := s.CreateRoom(ctx, "members", "alice", false)
		if err != nil {
			t.Fatal(err)
		}

		m1, err := s.AddMember(ctx, room.ID, "alice")
		if err != nil {
			t.Fatalf("AddMember failed: %v", err)
		}

		// Second add is idempotent and returns the same membership.
		m2, err := s.AddMember(ctx, room.ID, "alice")
		if err != nil {
			t.Fatalf("second AddMember failed: %v", err)
		}
		if m1.ID != m2.ID {
			t.Errorf("expected same membership ID, got %s and %s", m1.ID, m2.ID)
		}

		ok, err := s.IsMember(ctx, room.ID, "alice")
		if err != nil || !ok {
			t.Errorf("expected alice to be a member, ok=%v err=%v", ok, err)
		}

		if err := s.RemoveMember(ctx, room.ID, "alice"); err != nil {
			t.Fatalf("RemoveMember failed: %v", err)
		}
		// Removing again is a no-op.
		if err := s.RemoveMember(ctx, room.ID, "alice"); err != nil {
			t.Fatalf("second RemoveMember failed: %v", err)
		}

		ok, _ = s.IsMember(ctx, room.ID, "alice")
		if ok {
			t.Error("alice should not be a member after removal")
		}
	})

	t.Run("PrivateRoomAccess", func(t *testing.T) {
		room, err := s.CreateRoom(ctx, "secret", "alice", true)
		if err != nil {
			t.Fatal(err)
		}

		// Creator may join their own private room.
		if _, err := s.AddMember(ctx, room.ID, "alice"); err != nil {
			t.Fatalf("creator join failed: %v", err)
		}

		// Others may not self-join.
		if _, err := s.AddMember(ctx, room.ID, "mallory"); !errors.Is(err, models.ErrAccessDenied) {
			t.Errorf("expected ErrAccessDenied, got %v", err)
		}

		// Non-members may not post.
		_, err = s.AppendMessage(ctx, models.Message{RoomID: room.ID, AuthorID: "mallory", Body: "hi"})
		if !errors.Is(err, models.ErrAccessDenied) {
			t.Errorf("expected ErrAccessDenied on send, got %v", err)
		}

		// Members may.
		if _, err := s.AppendMessage(ctx, models.Message{RoomID: room.ID, AuthorID: "alice", Body: "hi"}); err != nil {
			t.Errorf("member send failed: %v", err)
		}
	})

	t.Run("VisibleRooms", func(t *testing.T) {
		s := newTestStore(t)

		public, _ := s.CreateRoom(ctx, "lobby", "alice", false)
		private, _ := s.CreateRoom(ctx, "backroom", "alice", true)
		if _, err := s.AddMember(ctx, private.ID, "alice"); err != nil {
			t.Fatal(err)
		}

		visible, err := s.VisibleRooms(ctx, "alice")
		if err != nil {
			t.Fatalf("VisibleRooms failed: %v", err)
		}
		if len(visible) != 2 {
			t.Errorf("alice should see 2 rooms, got %d", len(visible))
		}

		visible, err = s.VisibleRooms(ctx, "bob")
		if err != nil {
			t.Fatal(err)
		}
		if len(visible) != 1 || visible[0].ID != public.ID {
			t.Errorf("bob should see only the public room, got %+v", visible)
		}
	})

	t.Run("Messages", func(t *testing.T) {
		room, err := s.CreateRoom(ctx, "msgs", "alice", false)
		if err != nil {
			t.Fatal(err)
		}

		first, err := s.AppendMessage(ctx, models.Message{
			ID:       models.ProvisionalPrefix + "abc",
			RoomID:   room.ID,
			AuthorID: "alice",
			Body:     "hello",
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if first.Provisional() {
			t.Errorf("store must assign a durable ID, got %s", first.ID)
		}
		if first.CreatedAt.IsZero() {
			t.Error("store must assign CreatedAt")
		}

		if _, err := s.AppendMessage(ctx, models.Message{RoomID: room.ID, AuthorID: "bob", Body: "world"}); err != nil {
			t.Fatal(err)
		}

		msgs, err := s.Messages(ctx, room.ID, 10)
		if err != nil {
			t.Fatalf("Messages failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Body != "hello" || msgs[1].Body != "world" {
			t.Errorf("expected oldest-first order, got %q then %q", msgs[0].Body, msgs[1].Body)
		}

		// Limit keeps the newest entries.
		msgs, err = s.Messages(ctx, room.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].Body != "world" {
			t.Errorf("expected only the newest message, got %+v", msgs)
		}
	})

	t.Run("Presence", func(t *testing.T) {
		now := time.Now()
		if err := s.UpsertPresence(ctx, models.PresenceRecord{UserID: "alice", LastSeenAt: now}); err != nil {
			t.Fatalf("UpsertPresence failed: %v", err)
		}
		if err := s.UpsertPresence(ctx, models.PresenceRecord{UserID: "bob", LastSeenAt: now.Add(-10 * time.Minute)}); err != nil {
			t.Fatal(err)
		}

		recent, err := s.PresenceSince(ctx, now.Add(-3*time.Minute))
		if err != nil {
			t.Fatalf("PresenceSince failed: %v", err)
		}
		if len(recent) != 1 || recent[0].UserID != "alice" {
			t.Errorf("expected only alice to be recent, got %+v", recent)
		}
	})

	t.Run("Users", func(t *testing.T) {
		u := models.User{ID: "alice", DisplayName: "Alice", AvatarURL: "http://example.com/a.png"}
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser failed: %v", err)
		}
		got, err := s.User(ctx, "alice")
		if err != nil {
			t.Fatalf("User failed: %v", err)
		}
		if got != u {
			t.Errorf("expected %+v, got %+v", u, got)
		}
	})

	t.Run("DeleteRoom", func(t *testing.T) {
		room, _ := s.CreateRoom(ctx, "doomed", "alice", false)
		if _, err := s.AddMember(ctx, room.ID, "alice"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendMessage(ctx, models.Message{RoomID: room.ID, AuthorID: "alice", Body: "bye"}); err != nil {
			t.Fatal(err)
		}

		if err := s.DeleteRoom(ctx, room.ID); err != nil {
			t.Fatalf("DeleteRoom failed: %v", err)
		}
		if _, err := s.Room(ctx, room.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.DeleteRoom(ctx, room.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("Attachments", func(t *testing.T) {
		room, _ := s.CreateRoom(ctx, "files", "alice", false)
		_, err := s.AppendMessage(ctx, models.Message{
			RoomID:   room.ID,
			AuthorID: "alice",
			Body:     "check out this image",
			Attachments: []models.Attachment{
				{Type: models.AttachmentTypeImage, Name: "test.png", MimeType: "image/png", FileID: "deadbeef"},
			},
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}

		msgs, err := s.Messages(ctx, room.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || len(msgs[0].Attachments) != 1 {
			t.Fatalf("expected 1 message with 1 attachment, got %+v", msgs)
		}
		att := msgs[0].Attachments[0]
		if att.Name != "test.png" || att.FileID != "deadbeef" {
			t.Errorf("unexpected attachment: %+v", att)
		}
	})
}

func TestStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.CreateRoom(ctx, "x", "alice", false); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := s.Messages(ctx, "room", 10); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
