package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"palaver/internal/models"
)

// fakePresenceStore lets tests control exactly what the shared table returns,
// independent of what was announced.
type fakePresenceStore struct {
	records   []models.PresenceRecord
	upsertErr error
	upserts   []models.PresenceRecord
}

func (f *fakePresenceStore) UpsertPresence(ctx context.Context, rec models.PresenceRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, rec)
	return nil
}

func (f *fakePresenceStore) PresenceSince(ctx context.Context, cutoff time.Time) ([]models.PresenceRecord, error) {
	var out []models.PresenceRecord
	for _, rec := range f.records {
		if !rec.LastSeenAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestTracker_Boundary(t *testing.T) {
	threshold := 3 * time.Minute
	now := time.Now()

	tr := NewTracker(&fakePresenceStore{}, "me", threshold)
	tr.now = func() time.Time { return now }

	tests := []struct {
		name     string
		lastSeen time.Time
		online   bool
	}{
		{"Just announced", now, true},
		{"One millisecond inside", now.Add(-threshold + time.Millisecond), true},
		{"Exactly at threshold", now.Add(-threshold), false},
		{"Well past threshold", now.Add(-threshold - time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := models.PresenceRecord{UserID: "u", LastSeenAt: tt.lastSeen}
			if got := tr.Online(rec); got != tt.online {
				t.Errorf("Online() = %v, want %v", got, tt.online)
			}
		})
	}
}

func TestTracker_AnnounceUpserts(t *testing.T) {
	ctx := context.Background()
	fake := &fakePresenceStore{}
	tr := NewTracker(fake, "me", 3*time.Minute)

	tr.Announce(ctx)

	if len(fake.upserts) != 1 || fake.upserts[0].UserID != "me" {
		t.Fatalf("expected one upsert for me, got %+v", fake.upserts)
	}
}

func TestTracker_AnnounceFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	fake := &fakePresenceStore{upsertErr: errors.New("store down")}
	tr := NewTracker(fake, "me", 3*time.Minute)

	// Must not panic or propagate, and must not count as a local announce.
	tr.Announce(ctx)

	online, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range online {
		if rec.UserID == "me" {
			t.Error("failed announce should not make the local user online")
		}
	}
}

func TestTracker_SnapshotNoSelfFlicker(t *testing.T) {
	ctx := context.Background()

	// Store read lags: it does not yet contain the local user's row.
	fake := &fakePresenceStore{
		records: []models.PresenceRecord{
			{UserID: "other", LastSeenAt: time.Now()},
		},
	}
	tr := NewTracker(fake, "me", 3*time.Minute)

	// The upsert succeeds but the read path never reflects it.
	tr.Announce(ctx)

	online, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	found := map[string]bool{}
	for _, rec := range online {
		found[rec.UserID] = true
	}
	if !found["me"] {
		t.Error("local user missing from snapshot right after announce")
	}
	if !found["other"] {
		t.Error("other online user missing from snapshot")
	}
}

func TestTracker_SnapshotFiltersStale(t *testing.T) {
	ctx := context.Background()
	threshold := 3 * time.Minute
	now := time.Now()

	fake := &fakePresenceStore{
		records: []models.PresenceRecord{
			{UserID: "fresh", LastSeenAt: now.Add(-time.Minute)},
			{UserID: "boundary", LastSeenAt: now.Add(-threshold)},
			{UserID: "stale", LastSeenAt: now.Add(-time.Hour)},
		},
	}
	tr := NewTracker(fake, "me", threshold)
	tr.now = func() time.Time { return now }

	online, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0].UserID != "fresh" {
		t.Errorf("expected only fresh to be online, got %+v", online)
	}
}
