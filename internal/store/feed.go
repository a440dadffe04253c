package store

import (
	"sync"
	"sync/atomic"

	"palaver/internal/models"
)

type Table string

const (
	TableRooms    Table = "rooms"
	TableMembers  Table = "room_members"
	TableMessages Table = "messages"
	TablePresence Table = "presence"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row-level change pushed to subscribers. Exactly one of
// the payload pointers is set, matching Table.
type ChangeEvent struct {
	Table Table     `json:"table"`
	Type  EventType `json:"type"`

	Room       *models.Room           `json:"room,omitempty"`
	Membership *models.Membership     `json:"membership,omitempty"`
	Message    *models.Message        `json:"message,omitempty"`
	Presence   *models.PresenceRecord `json:"presence,omitempty"`
}

// RoomID returns the room the event belongs to, or "" for global tables.
func (e ChangeEvent) RoomID() string {
	switch {
	case e.Message != nil:
		return e.Message.RoomID
	case e.Membership != nil:
		return e.Membership.RoomID
	case e.Room != nil:
		return e.Room.ID
	}
	return ""
}

// Filter narrows a subscription. Zero value matches everything.
type Filter struct {
	RoomID string
}

// Subscription is a live change-feed attachment. Delivery is at-least-once
// and unordered across subscriptions; a subscriber that falls behind loses
// events rather than backpressuring writers.
type Subscription struct {
	id      int
	hub     *feedHub
	events  chan ChangeEvent
	tables  map[Table]bool
	types   map[EventType]bool
	filter  Filter
	dropped atomic.Int64
	once    sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// Dropped returns how many events were discarded because the subscriber
// was not keeping up.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its event channel.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

func (s *Subscription) matches(ev ChangeEvent) bool {
	if len(s.tables) > 0 && !s.tables[ev.Table] {
		return false
	}
	if len(s.types) > 0 && !s.types[ev.Type] {
		return false
	}
	if s.filter.RoomID != "" && ev.RoomID() != s.filter.RoomID {
		return false
	}
	return true
}

type feedHub struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func newFeedHub() *feedHub {
	return &feedHub{subs: make(map[int]*Subscription)}
}

func (h *feedHub) subscribe(tables []Table, types []EventType, filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &Subscription{
		hub:    h,
		events: make(chan ChangeEvent, buffer),
		tables: make(map[Table]bool, len(tables)),
		types:  make(map[EventType]bool, len(types)),
		filter: filter,
	}
	for _, t := range tables {
		sub.tables[t] = true
	}
	for _, et := range types {
		sub.types[et] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

func (h *feedHub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.events)
	}
}

// publish fans an event out to all matching subscriptions. Sends happen
// under the read lock so a channel is never closed mid-send.
func (h *feedHub) publish(ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}
