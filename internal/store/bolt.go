package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"palaver/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketRooms    = []byte("rooms")
	bucketMembers  = []byte("room_members")
	bucketMessages = []byte("messages")
	bucketPresence = []byte("presence")
	bucketUsers    = []byte("users")
)

// Bolt is the embedded Store implementation: bbolt for durability, an
// in-process hub for the change feed. Events are published only after the
// transaction commits, so subscribers never observe rolled-back writes.
type Bolt struct {
	db   *bbolt.DB
	feed *feedHub
	now  func() time.Time
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRooms, bucketMembers, bucketMessages, bucketPresence, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Bolt{
		db:   db,
		feed: newFeedHub(),
		now:  time.Now,
	}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) Subscribe(tables []Table, types []EventType, filter Filter, buffer int) (*Subscription, error) {
	return s.feed.subscribe(tables, types, filter, buffer), nil
}

func (s *Bolt) CreateRoom(ctx context.Context, name, createdBy string, private bool) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}

	room := models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		IsPrivate: private,
		CreatedAt: s.now(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbRoom := DBRoom{
			ID:        room.ID,
			Name:      room.Name,
			CreatedBy: room.CreatedBy,
			IsPrivate: room.IsPrivate,
			CreatedAt: room.CreatedAt.UnixNano(),
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRooms).Put(dbRoom.Key(), data)
	})
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	s.feed.publish(ChangeEvent{Table: TableRooms, Type: EventInsert, Room: &room})
	return room, nil
}

func (s *Bolt) Room(ctx context.Context, id string) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}

	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = roomFromDB(dbRoom)
		return nil
	})
	return room, err
}

func (s *Bolt) Rooms(ctx context.Context) ([]models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, roomFromDB(dbRoom))
			return nil
		})
	})
	return rooms, err
}

func (s *Bolt) VisibleRooms(ctx context.Context, userID string) ([]models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		members := tx.Bucket(bucketMembers)
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbRoom.IsPrivate {
				roomMembers := members.Bucket([]byte(dbRoom.ID))
				if roomMembers == nil || roomMembers.Get([]byte(userID)) == nil {
					return nil
				}
			}
			rooms = append(rooms, roomFromDB(dbRoom))
			return nil
		})
	})
	return rooms, err
}

func (s *Bolt) DeleteRoom(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var room models.Room
	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomsBucket := tx.Bucket(bucketRooms)
		data := roomsBucket.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = roomFromDB(dbRoom)

		if err := roomsBucket.Delete([]byte(id)); err != nil {
			return err
		}
		if tx.Bucket(bucketMembers).Bucket([]byte(id)) != nil {
			if err := tx.Bucket(bucketMembers).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketMessages).Bucket([]byte(id)) != nil {
			if err := tx.Bucket(bucketMessages).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.feed.publish(ChangeEvent{Table: TableRooms, Type: EventDelete, Room: &room})
	return nil
}

func (s *Bolt) AddMember(ctx context.Context, roomID, userID string) (models.Membership, error) {
	if err := ctx.Err(); err != nil {
		return models.Membership{}, err
	}

	var (
		membership models.Membership
		existing   bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomData := tx.Bucket(bucketRooms).Get([]byte(roomID))
		if roomData == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(roomData); err != nil {
			return err
		}

		roomMembers, err := tx.Bucket(bucketMembers).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create members bucket: %w", err)
		}

		// Private rooms are invite-only: nobody self-joins except the creator.
		if dbRoom.IsPrivate && userID != dbRoom.CreatedBy && roomMembers.Get([]byte(userID)) == nil {
			return models.ErrAccessDenied
		}

		if data := roomMembers.Get([]byte(userID)); data != nil {
			var dbMember DBMembership
			if err := dbMember.UnmarshalBinary(data); err != nil {
				return err
			}
			membership = membershipFromDB(dbMember)
			existing = true
			return nil
		}

		dbMember := DBMembership{
			ID:       uuid.NewString(),
			RoomID:   roomID,
			UserID:   userID,
			JoinedAt: s.now().UnixNano(),
		}
		data, err := dbMember.MarshalBinary()
		if err != nil {
			return err
		}
		if err := roomMembers.Put(dbMember.Key(), data); err != nil {
			return err
		}
		membership = membershipFromDB(dbMember)
		return nil
	})
	if err != nil {
		return models.Membership{}, err
	}

	if !existing {
		m := membership
		s.feed.publish(ChangeEvent{Table: TableMembers, Type: EventInsert, Membership: &m})
	}
	return membership, nil
}

func (s *Bolt) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		membership models.Membership
		removed    bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomMembers := tx.Bucket(bucketMembers).Bucket([]byte(roomID))
		if roomMembers == nil {
			return nil
		}
		data := roomMembers.Get([]byte(userID))
		if data == nil {
			return nil
		}
		var dbMember DBMembership
		if err := dbMember.UnmarshalBinary(data); err != nil {
			return err
		}
		membership = membershipFromDB(dbMember)
		removed = true
		return roomMembers.Delete([]byte(userID))
	})
	if err != nil {
		return err
	}

	if removed {
		s.feed.publish(ChangeEvent{Table: TableMembers, Type: EventDelete, Membership: &membership})
	}
	return nil
}

func (s *Bolt) Members(ctx context.Context, roomID string) ([]models.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var members []models.Membership
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomMembers := tx.Bucket(bucketMembers).Bucket([]byte(roomID))
		if roomMembers == nil {
			return nil
		}
		return roomMembers.ForEach(func(k, v []byte) error {
			var dbMember DBMembership
			if err := dbMember.UnmarshalBinary(v); err != nil {
				return err
			}
			members = append(members, membershipFromDB(dbMember))
			return nil
		})
	})
	return members, err
}

func (s *Bolt) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var member bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomMembers := tx.Bucket(bucketMembers).Bucket([]byte(roomID))
		if roomMembers != nil && roomMembers.Get([]byte(userID)) != nil {
			member = true
		}
		return nil
	})
	return member, err
}

func (s *Bolt) AppendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if m.RoomID == "" {
		return models.Message{}, errors.New("message missing roomID")
	}

	durable := m
	durable.ID = uuid.NewString()
	durable.CreatedAt = s.now()
	durable.Failed = false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomData := tx.Bucket(bucketRooms).Get([]byte(m.RoomID))
		if roomData == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(roomData); err != nil {
			return err
		}

		if dbRoom.IsPrivate {
			roomMembers := tx.Bucket(bucketMembers).Bucket([]byte(m.RoomID))
			if roomMembers == nil || roomMembers.Get([]byte(m.AuthorID)) == nil {
				return models.ErrAccessDenied
			}
		}

		roomMessages, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(m.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create messages bucket: %w", err)
		}

		dbMessage := messageToDB(durable)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return roomMessages.Put(dbMessage.Key(), data)
	})
	if err != nil {
		return models.Message{}, err
	}

	echo := durable
	s.feed.publish(ChangeEvent{Table: TableMessages, Type: EventInsert, Message: &echo})
	return durable, nil
}

func (s *Bolt) Messages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomMessages := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomMessages == nil {
			return nil
		}

		// Walk backwards to collect the newest entries, then reverse so the
		// caller gets oldest-first.
		c := roomMessages.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Bolt) UpsertUser(ctx context.Context, u models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := DBUser{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

func (s *Bolt) User(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}

	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = models.User{
			ID:          dbUser.ID,
			DisplayName: dbUser.DisplayName,
			AvatarURL:   dbUser.AvatarURL,
		}
		return nil
	})
	return user, err
}

func (s *Bolt) UpsertPresence(ctx context.Context, rec models.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbPresence := DBPresence{
			UserID:     rec.UserID,
			LastSeenAt: rec.LastSeenAt.UnixNano(),
		}
		data, err := dbPresence.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPresence).Put(dbPresence.Key(), data)
	})
	if err != nil {
		return err
	}

	r := rec
	s.feed.publish(ChangeEvent{Table: TablePresence, Type: EventUpdate, Presence: &r})
	return nil
}

func (s *Bolt) PresenceSince(ctx context.Context, cutoff time.Time) ([]models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []models.PresenceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).ForEach(func(k, v []byte) error {
			var dbPresence DBPresence
			if err := dbPresence.UnmarshalBinary(v); err != nil {
				return err
			}
			lastSeen := time.Unix(0, dbPresence.LastSeenAt)
			if lastSeen.Before(cutoff) {
				return nil
			}
			records = append(records, models.PresenceRecord{
				UserID:     dbPresence.UserID,
				LastSeenAt: lastSeen,
			})
			return nil
		})
	})
	return records, err
}

func roomFromDB(r DBRoom) models.Room {
	return models.Room{
		ID:        r.ID,
		Name:      r.Name,
		CreatedBy: r.CreatedBy,
		IsPrivate: r.IsPrivate,
		CreatedAt: time.Unix(0, r.CreatedAt),
	}
}

func membershipFromDB(m DBMembership) models.Membership {
	return models.Membership{
		ID:       m.ID,
		RoomID:   m.RoomID,
		UserID:   m.UserID,
		JoinedAt: time.Unix(0, m.JoinedAt),
	}
}

func messageToDB(m models.Message) DBMessage {
	dbMsg := DBMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt.UnixNano(),
	}
	if len(m.Attachments) > 0 {
		dbMsg.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMsg.Attachments[i] = DBAttachment{
				Type:     string(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return dbMsg
}

func messageFromDB(m DBMessage) models.Message {
	msg := models.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Body:      m.Body,
		CreatedAt: time.Unix(0, m.CreatedAt),
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return msg
}
