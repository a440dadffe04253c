package store

import (
	"context"
	"time"

	"palaver/internal/models"
)

// Store is the persistence and pub/sub collaborator the session core is
// written against. The embedded bbolt implementation is the default; anything
// that can satisfy these shapes (a hosted Postgres with logical replication,
// a remote sync service) can be dropped in behind it.
//
// All write methods are safe to retry, and every committed write is echoed
// through the change feed, so callers must ingest idempotently.
type Store interface {
	CreateRoom(ctx context.Context, name, createdBy string, private bool) (models.Room, error)
	Room(ctx context.Context, id string) (models.Room, error)
	Rooms(ctx context.Context) ([]models.Room, error)
	// VisibleRooms returns public rooms plus private rooms the user belongs
	// to. This is the elevated "rooms visible to user" query that bypasses
	// the plain listing.
	VisibleRooms(ctx context.Context, userID string) ([]models.Room, error)
	DeleteRoom(ctx context.Context, id string) error

	AddMember(ctx context.Context, roomID, userID string) (models.Membership, error)
	RemoveMember(ctx context.Context, roomID, userID string) error
	Members(ctx context.Context, roomID string) ([]models.Membership, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)

	// AppendMessage persists a message, assigning the durable ID and
	// CreatedAt. The caller's provisional ID, if any, is discarded.
	AppendMessage(ctx context.Context, m models.Message) (models.Message, error)
	Messages(ctx context.Context, roomID string, limit int) ([]models.Message, error)

	UpsertUser(ctx context.Context, u models.User) error
	User(ctx context.Context, id string) (models.User, error)

	UpsertPresence(ctx context.Context, rec models.PresenceRecord) error
	PresenceSince(ctx context.Context, cutoff time.Time) ([]models.PresenceRecord, error)

	// Subscribe attaches to the change feed. Delivery is at-least-once with
	// no ordering guarantee across subscriptions.
	Subscribe(tables []Table, types []EventType, filter Filter, buffer int) (*Subscription, error)

	Close() error
}
