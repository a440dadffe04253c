package store

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	CreatedBy string `msgpack:"createdBy"`
	IsPrivate bool   `msgpack:"isPrivate"`
	CreatedAt int64  `msgpack:"createdAt"` // Unix nanoseconds
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMembership struct {
	ID       string `msgpack:"id"`
	RoomID   string `msgpack:"roomId"`
	UserID   string `msgpack:"userId"`
	JoinedAt int64  `msgpack:"joinedAt"`
}

func (m *DBMembership) Key() []byte {
	return []byte(m.UserID)
}

func (m *DBMembership) MarshalBinary() (data []byte, err error) {
	type alias DBMembership
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMembership) UnmarshalBinary(data []byte) error {
	type alias DBMembership
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBMessage struct {
	ID          string         `msgpack:"id"`
	RoomID      string         `msgpack:"roomId"`
	AuthorID    string         `msgpack:"authorId"`
	Body        string         `msgpack:"body"`
	CreatedAt   int64          `msgpack:"createdAt"`
	Attachments []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

// Key orders messages chronologically within a room bucket. The ID suffix
// keeps two messages created in the same nanosecond from clobbering each other.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPresence struct {
	UserID     string `msgpack:"userId"`
	LastSeenAt int64  `msgpack:"lastSeenAt"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}
