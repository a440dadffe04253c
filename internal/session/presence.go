package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/models"
)

// PresenceStore is the slice of the store the tracker needs.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, rec models.PresenceRecord) error
	PresenceSince(ctx context.Context, cutoff time.Time) ([]models.PresenceRecord, error)
}

// Tracker announces the local user's liveness and derives who is online from
// the shared presence table. A user is online while their last announce is
// strictly younger than the threshold; exactly-at-threshold is offline.
//
// Presence stays poll-based because that is all the collaborator offers;
// anything push-based can replace this type without touching the session.
type Tracker struct {
	store     PresenceStore
	userID    string
	threshold time.Duration
	now       func() time.Time

	mu           sync.Mutex
	lastAnnounce time.Time
}

func NewTracker(store PresenceStore, userID string, threshold time.Duration) *Tracker {
	return &Tracker{
		store:     store,
		userID:    userID,
		threshold: threshold,
		now:       time.Now,
	}
}

func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Announce upserts the local user's lastSeenAt. Presence is best-effort:
// failures are logged and swallowed, the session keeps running.
func (t *Tracker) Announce(ctx context.Context) {
	now := t.now()
	if err := t.store.UpsertPresence(ctx, models.PresenceRecord{UserID: t.userID, LastSeenAt: now}); err != nil {
		slog.Warn("presence announce failed", "user_id", t.userID, "error", err)
		return
	}

	t.mu.Lock()
	t.lastAnnounce = now
	t.mu.Unlock()
}

// Snapshot returns everyone currently online. The local user is force-included
// right after an announce even if the store read lags behind the write, so the
// viewer never flickers offline in their own member list.
func (t *Tracker) Snapshot(ctx context.Context) ([]models.PresenceRecord, error) {
	now := t.now()
	records, err := t.store.PresenceSince(ctx, now.Add(-t.threshold))
	if err != nil {
		return nil, err
	}

	online := records[:0]
	seenSelf := false
	for _, rec := range records {
		if !t.Online(rec) {
			continue
		}
		if rec.UserID == t.userID {
			seenSelf = true
		}
		online = append(online, rec)
	}

	t.mu.Lock()
	last := t.lastAnnounce
	t.mu.Unlock()

	if !seenSelf && !last.IsZero() && now.Sub(last) < t.threshold {
		online = append(online, models.PresenceRecord{UserID: t.userID, LastSeenAt: last})
	}

	return online, nil
}

// Online reports whether a record counts as online right now. The boundary is
// exclusive: lastSeenAt exactly threshold ago is offline.
func (t *Tracker) Online(rec models.PresenceRecord) bool {
	return t.now().Sub(rec.LastSeenAt) < t.threshold
}
