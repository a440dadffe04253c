package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"palaver/internal/store"
)

// Notifier pushes new-message notifications to room members who are offline.
// Online members already see the message through their live feed; pushing to
// them too would just double-notify.
type Notifier struct {
	store     store.Store
	threshold time.Duration
	contact   string
	vapidPub  string
	vapidPriv string

	mu   sync.Mutex
	subs map[string][]webpush.Subscription
}

func NewNotifier(st store.Store, threshold time.Duration, contact, vapidPub, vapidPriv string) *Notifier {
	return &Notifier{
		store:     st,
		threshold: threshold,
		contact:   contact,
		vapidPub:  vapidPub,
		vapidPriv: vapidPriv,
		subs:      make(map[string][]webpush.Subscription),
	}
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool {
	return n.vapidPub != "" && n.vapidPriv != ""
}

// Register stores a browser push subscription for a user. Duplicate endpoints
// are collapsed.
func (n *Notifier) Register(userID string, sub webpush.Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.subs[userID] {
		if existing.Endpoint == sub.Endpoint {
			return
		}
	}
	n.subs[userID] = append(n.subs[userID], sub)
}

type pushPayload struct {
	RoomID   string `json:"roomId"`
	AuthorID string `json:"authorId"`
	Body     string `json:"body"`
}

// Run watches message inserts and notifies offline members until the context
// ends.
func (n *Notifier) Run(ctx context.Context) error {
	sub, err := n.store.Subscribe(
		[]store.Table{store.TableMessages},
		[]store.EventType{store.EventInsert},
		store.Filter{},
		256,
	)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev.Message == nil {
				continue
			}
			n.notify(ctx, ev)
		}
	}
}

func (n *Notifier) notify(ctx context.Context, ev store.ChangeEvent) {
	msg := *ev.Message

	members, err := n.store.Members(ctx, msg.RoomID)
	if err != nil {
		slog.Warn("push: member lookup failed", "room_id", msg.RoomID, "error", err)
		return
	}

	now := time.Now()
	records, err := n.store.PresenceSince(ctx, now.Add(-n.threshold))
	if err != nil {
		slog.Warn("push: presence lookup failed", "error", err)
		return
	}
	online := make(map[string]bool)
	for _, rec := range records {
		if now.Sub(rec.LastSeenAt) < n.threshold {
			online[rec.UserID] = true
		}
	}

	body := msg.Body
	if len(body) > 120 {
		body = body[:120]
	}
	payload, err := json.Marshal(pushPayload{RoomID: msg.RoomID, AuthorID: msg.AuthorID, Body: body})
	if err != nil {
		return
	}

	for _, m := range members {
		if m.UserID == msg.AuthorID || online[m.UserID] {
			continue
		}
		for _, sub := range n.subscriptions(m.UserID) {
			resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
				Subscriber:      n.contact,
				VAPIDPublicKey:  n.vapidPub,
				VAPIDPrivateKey: n.vapidPriv,
				TTL:             60,
			})
			if err != nil {
				slog.Warn("push delivery failed", "user_id", m.UserID, "error", err)
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode == 404 || resp.StatusCode == 410 {
				n.unregister(m.UserID, sub.Endpoint)
			}
		}
	}
}

func (n *Notifier) subscriptions(userID string) []webpush.Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]webpush.Subscription, len(n.subs[userID]))
	copy(out, n.subs[userID])
	return out
}

func (n *Notifier) unregister(userID, endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.subs[userID][:0]
	for _, sub := range n.subs[userID] {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(n.subs, userID)
		return
	}
	n.subs[userID] = kept
}
