package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"palaver/internal/store"
)

// Feed is the slice of the store the channel manager subscribes through.
type Feed interface {
	Subscribe(tables []store.Table, types []store.EventType, filter store.Filter, buffer int) (*store.Subscription, error)
}

// Announcer is what the heartbeat drives on every tick.
type Announcer interface {
	Announce(ctx context.Context)
}

// Channels owns the live change-feed subscriptions and the presence heartbeat
// for one room context at a time. Opening for a new room always tears down the
// previous handle first, so a room switch can never leave a dangling
// subscription or a second heartbeat timer behind.
type Channels struct {
	feed      Feed
	announcer Announcer
	heartbeat time.Duration
	buffer    int

	mu      sync.Mutex
	current *Handle
}

func NewChannels(feed Feed, announcer Announcer, heartbeat time.Duration, buffer int) *Channels {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channels{
		feed:      feed,
		announcer: announcer,
		heartbeat: heartbeat,
		buffer:    buffer,
	}
}

// Handle bundles the subscriptions opened for one room. All inbound changes
// are delivered on one unified channel; handlers receive events, they are
// never invoked as callbacks, so they always act on current state.
type Handle struct {
	roomID string
	events chan store.ChangeEvent
	subs   []*store.Subscription
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// RoomID returns the room this handle was opened for.
func (h *Handle) RoomID() string {
	return h.roomID
}

// Events returns the unified event stream. It is closed after Close.
func (h *Handle) Events() <-chan store.ChangeEvent {
	return h.events
}

// Close releases every resource owned by the handle: all subscriptions and
// the heartbeat ticker. Idempotent; safe on every exit path.
func (h *Handle) Close() {
	h.once.Do(func() {
		close(h.done)
		h.ticker.Stop()
		for _, sub := range h.subs {
			sub.Close()
		}
		h.wg.Wait()
		close(h.events)
	})
}

// Open establishes the room's subscriptions: message inserts and membership
// changes filtered to the room, presence updates globally, room deletions for
// the room itself, plus the recurring heartbeat. Any previously open handle is
// closed first; a failure mid-setup releases everything already acquired.
func (c *Channels) Open(ctx context.Context, roomID string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Close()
		c.current = nil
	}

	h := &Handle{
		roomID: roomID,
		events: make(chan store.ChangeEvent, c.buffer*2),
		done:   make(chan struct{}),
	}

	specs := []struct {
		tables []store.Table
		types  []store.EventType
		filter store.Filter
	}{
		{[]store.Table{store.TableMessages}, []store.EventType{store.EventInsert}, store.Filter{RoomID: roomID}},
		{[]store.Table{store.TableMembers}, []store.EventType{store.EventInsert, store.EventDelete}, store.Filter{RoomID: roomID}},
		{[]store.Table{store.TablePresence}, []store.EventType{store.EventInsert, store.EventUpdate}, store.Filter{}},
		{[]store.Table{store.TableRooms}, []store.EventType{store.EventDelete}, store.Filter{RoomID: roomID}},
	}

	for _, spec := range specs {
		sub, err := c.feed.Subscribe(spec.tables, spec.types, spec.filter, c.buffer)
		if err != nil {
			for _, opened := range h.subs {
				opened.Close()
			}
			return nil, fmt.Errorf("failed to open %v subscription: %w", spec.tables, err)
		}
		h.subs = append(h.subs, sub)
	}

	for _, sub := range h.subs {
		h.wg.Add(1)
		go h.pump(sub)
	}

	// Announce immediately so peers see us without waiting a full interval,
	// then keep the heartbeat going.
	c.announcer.Announce(ctx)
	h.ticker = time.NewTicker(c.heartbeat)
	h.wg.Add(1)
	go h.beat(c.announcer)

	c.current = h
	return h, nil
}

// Close tears down the currently open handle, if any. Idempotent.
func (c *Channels) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
}

func (h *Handle) pump(sub *store.Subscription) {
	defer h.wg.Done()
	for ev := range sub.Events() {
		select {
		case h.events <- ev:
		case <-h.done:
			return
		}
	}
}

func (h *Handle) beat(announcer Announcer) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ticker.C:
			announcer.Announce(context.Background())
		case <-h.done:
			return
		}
	}
}
