package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"palaver/internal/content"
	"palaver/internal/models"
	"palaver/internal/store"
)

// State describes where the session stands with respect to its room.
type State int

const (
	// StateIdle: no room selected.
	StateIdle State = iota
	// StateLoading: a room was selected, history and members are on their way.
	StateLoading
	// StateReady: the room is loaded and the session is serving it.
	StateReady
	// StateNotFound: the selected room does not exist, or was deleted while
	// viewed. Terminal for the room; only a new Select leaves it.
	StateNotFound
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateNotFound:
		return "not found"
	}
	return "unknown"
}

// MemberView is one row of the room's member list as the session renders it.
type MemberView struct {
	Membership models.Membership
	User       models.User
	Online     bool
}

// View is an immutable snapshot of the session for rendering.
type View struct {
	RoomID   string
	State    State
	Joined   bool
	Live     bool
	Messages []models.Message
	Members  []MemberView
}

// Session is the per-user controller for one room at a time. It owns the
// message log, the member list and the live subscriptions, and it serializes
// all state changes behind one mutex. Network calls happen outside the mutex;
// their results are applied under it, tagged with the epoch that issued them,
// so a room switch mid-flight silently discards stale results instead of
// bleeding them into the new room.
type Session struct {
	store    store.Store
	channels *Channels
	tracker  *Tracker
	user     models.User

	historyLimit int

	mu       sync.Mutex
	epoch    uint64
	roomID   string
	state    State
	joined   bool
	live     bool
	log      *MessageLog
	members  map[string]models.Membership
	lastSeen map[string]time.Time
	users    map[string]models.User

	wg sync.WaitGroup
}

const defaultHistoryLimit = 200

func NewSession(st store.Store, channels *Channels, tracker *Tracker, user models.User, dedupWindow time.Duration) *Session {
	return &Session{
		store:        st,
		channels:     channels,
		tracker:      tracker,
		user:         user,
		historyLimit: defaultHistoryLimit,
		state:        StateIdle,
		log:          NewMessageLog(dedupWindow),
		members:      make(map[string]models.Membership),
		lastSeen:     make(map[string]time.Time),
		users:        map[string]models.User{user.ID: user},
	}
}

// User returns the authenticated local user.
func (s *Session) User() models.User {
	return s.user
}

// Rooms lists the rooms the local user may see: public ones plus private ones
// they belong to.
func (s *Session) Rooms(ctx context.Context) ([]models.Room, error) {
	return s.store.VisibleRooms(ctx, s.user.ID)
}

// CreateRoom creates a room owned by the local user and joins them to it.
func (s *Session) CreateRoom(ctx context.Context, name string, private bool) (models.Room, error) {
	name = strings.TrimSpace(name)
	if err := content.ValidateRoomName(name); err != nil {
		return models.Room{}, err
	}
	room, err := s.store.CreateRoom(ctx, name, s.user.ID, private)
	if err != nil {
		return models.Room{}, err
	}
	if _, err := s.store.AddMember(ctx, room.ID, s.user.ID); err != nil {
		return room, err
	}
	return room, nil
}

// Select switches the session to a room. All state from the previous room is
// dropped first, so nothing from it can leak into the new one. If the room
// does not exist the session lands in StateNotFound and ErrNotFound is
// returned. A live-feed setup failure is not fatal: the room still loads and
// the session serves it read-only from history.
func (s *Session) Select(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.roomID = roomID
	s.state = StateLoading
	s.joined = false
	s.live = false
	s.log.Reset()
	s.members = make(map[string]models.Membership)
	s.mu.Unlock()

	if _, err := s.store.Room(ctx, roomID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.apply(epoch, func() { s.state = StateNotFound })
			return models.ErrNotFound
		}
		s.apply(epoch, func() { s.state = StateIdle })
		return err
	}

	handle, err := s.channels.Open(ctx, roomID)
	if err != nil {
		slog.Warn("live feed unavailable, continuing read-only", "room_id", roomID, "error", err)
	} else {
		s.apply(epoch, func() { s.live = true })
		s.wg.Add(1)
		go s.consume(handle, epoch)
	}

	history, err := s.store.Messages(ctx, roomID, s.historyLimit)
	if err != nil {
		return err
	}
	for i := range history {
		s.hydrateAuthor(ctx, &history[i])
	}

	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return err
	}
	for _, m := range members {
		s.userFor(ctx, m.UserID)
	}

	joined, err := s.store.IsMember(ctx, roomID, s.user.ID)
	if err != nil {
		return err
	}

	online, err := s.tracker.Snapshot(ctx)
	if err != nil {
		return err
	}

	s.apply(epoch, func() {
		for _, m := range history {
			s.log.Ingest(m)
		}
		for _, m := range members {
			s.members[m.UserID] = m
		}
		for _, rec := range online {
			s.lastSeen[rec.UserID] = rec.LastSeenAt
		}
		s.joined = joined
		s.state = StateReady
	})
	return nil
}

// Send posts a message to the current room. The message appears immediately
// as a provisional entry; the durable echo replaces it in place. Blank input
// is a silent no-op. Sending requires membership.
func (s *Session) Send(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	body = content.Sanitize(body)

	s.mu.Lock()
	if s.state == StateNotFound {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	if s.state != StateReady {
		s.mu.Unlock()
		return errors.New("no room selected")
	}
	if !s.joined {
		s.mu.Unlock()
		return models.ErrNotJoined
	}
	epoch := s.epoch
	roomID := s.roomID
	s.mu.Unlock()

	provisional := models.Message{
		ID:        models.ProvisionalPrefix + uuid.NewString(),
		RoomID:    roomID,
		AuthorID:  s.user.ID,
		Body:      body,
		CreatedAt: time.Now(),
		Author:    &s.user,
	}
	s.apply(epoch, func() { s.log.Ingest(provisional) })

	durable, err := s.store.AppendMessage(ctx, models.Message{
		RoomID:   roomID,
		AuthorID: s.user.ID,
		Body:     body,
	})
	if err != nil {
		s.apply(epoch, func() { s.log.MarkFailed(provisional.ID) })
		return err
	}

	// Ingest the echo directly instead of waiting for the feed; the feed's
	// copy is then an idempotent re-delivery.
	durable.Author = &s.user
	s.apply(epoch, func() { s.log.Ingest(durable) })
	return nil
}

// Join makes the local user a member of the current room. Membership is
// flipped optimistically; the feed's membership event is then redundant.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateNotFound {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	if s.state != StateReady {
		s.mu.Unlock()
		return errors.New("no room selected")
	}
	epoch := s.epoch
	roomID := s.roomID
	s.mu.Unlock()

	membership, err := s.store.AddMember(ctx, roomID, s.user.ID)
	if err != nil {
		return err
	}
	s.apply(epoch, func() {
		s.members[s.user.ID] = membership
		s.joined = true
	})
	return nil
}

// Leave removes the local user from the current room. The loaded messages
// stay visible; only the ability to post is lost.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateNotFound {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	if s.state != StateReady {
		s.mu.Unlock()
		return errors.New("no room selected")
	}
	epoch := s.epoch
	roomID := s.roomID
	s.mu.Unlock()

	if err := s.store.RemoveMember(ctx, roomID, s.user.ID); err != nil {
		return err
	}
	s.apply(epoch, func() {
		delete(s.members, s.user.ID)
		s.joined = false
	})
	return nil
}

// Snapshot returns the session's current view. Members are sorted by display
// name for a stable list.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		RoomID:   s.roomID,
		State:    s.state,
		Joined:   s.joined,
		Live:     s.live,
		Messages: s.log.Messages(),
	}
	for _, m := range s.members {
		u, ok := s.users[m.UserID]
		if !ok {
			u = models.User{ID: m.UserID, DisplayName: m.UserID}
		}
		online := false
		if last, ok := s.lastSeen[m.UserID]; ok {
			online = s.tracker.Online(models.PresenceRecord{UserID: m.UserID, LastSeenAt: last})
		}
		v.Members = append(v.Members, MemberView{Membership: m, User: u, Online: online})
	}
	sort.Slice(v.Members, func(i, j int) bool {
		return v.Members[i].User.DisplayName < v.Members[j].User.DisplayName
	})
	return v
}

// Close tears down the live subscriptions and waits for the consumers.
func (s *Session) Close() {
	s.channels.Close()
	s.wg.Wait()
}

// apply runs fn under the mutex only if the session is still in the epoch
// that issued the work. Results of calls started before a room switch are
// dropped here.
func (s *Session) apply(epoch uint64, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	fn()
}

func (s *Session) consume(h *Handle, epoch uint64) {
	defer s.wg.Done()
	for ev := range h.Events() {
		s.handleEvent(context.Background(), epoch, ev)
	}
}

func (s *Session) handleEvent(ctx context.Context, epoch uint64, ev store.ChangeEvent) {
	switch ev.Table {
	case store.TableMessages:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		s.hydrateAuthor(ctx, &msg)
		s.apply(epoch, func() { s.log.Ingest(msg) })

	case store.TableMembers:
		if ev.Membership == nil {
			return
		}
		m := *ev.Membership
		if ev.Type == store.EventDelete {
			s.apply(epoch, func() {
				delete(s.members, m.UserID)
				if m.UserID == s.user.ID {
					s.joined = false
				}
			})
			return
		}
		s.userFor(ctx, m.UserID)
		s.apply(epoch, func() {
			s.members[m.UserID] = m
			if m.UserID == s.user.ID {
				s.joined = true
			}
		})

	case store.TablePresence:
		if ev.Presence == nil {
			return
		}
		rec := *ev.Presence
		s.apply(epoch, func() { s.lastSeen[rec.UserID] = rec.LastSeenAt })

	case store.TableRooms:
		if ev.Type != store.EventDelete || ev.Room == nil {
			return
		}
		s.apply(epoch, func() {
			s.state = StateNotFound
			s.live = false
			s.joined = false
		})
		// The room is gone; its subscriptions are dead weight.
		s.channels.Close()
	}
}

func (s *Session) hydrateAuthor(ctx context.Context, m *models.Message) {
	if m.Author != nil || m.AuthorID == "" {
		return
	}
	if u, ok := s.userFor(ctx, m.AuthorID); ok {
		m.Author = &u
	}
}

// userFor resolves a user through the in-session cache, falling back to the
// store. A store miss is cached too so an unknown author is looked up once.
func (s *Session) userFor(ctx context.Context, id string) (models.User, bool) {
	s.mu.Lock()
	u, ok := s.users[id]
	s.mu.Unlock()
	if ok {
		return u, u.DisplayName != ""
	}

	u, err := s.store.User(ctx, id)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("user lookup failed", "user_id", id, "error", err)
			return models.User{}, false
		}
		u = models.User{ID: id}
	}

	s.mu.Lock()
	s.users[id] = u
	s.mu.Unlock()
	return u, u.DisplayName != ""
}
