package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotJoined        = errors.New("not joined")
)

// ProvisionalPrefix marks message IDs assigned locally before the store
// confirms the write. A provisional entry is replaced by its durable echo
// during ingestion, never shown twice.
const ProvisionalPrefix = "pending-"

// User represents a chat participant as exposed by the identity provider.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Room represents a chat room.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	IsPrivate bool      `json:"isPrivate"`
	CreatedAt time.Time `json:"createdAt"`
}

// Membership associates a user with a room. Unique per (RoomID, UserID).
type Membership struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// PresenceRecord is a user's last-known liveness. One mutable row per user.
type PresenceRecord struct {
	UserID     string    `json:"userId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Message represents one chat utterance.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	AuthorID    string       `json:"authorId"`
	Body        string       `json:"body"`
	CreatedAt   time.Time    `json:"createdAt"`
	Author      *User        `json:"author,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Failed is set on a provisional message whose durable write failed.
	// The entry stays visible so the user can retry manually.
	Failed bool `json:"failed,omitempty"`
}

// Provisional reports whether the message is a locally created entry that
// has not yet been confirmed by the store.
func (m Message) Provisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	FileID   string         `json:"fileId"`
}
