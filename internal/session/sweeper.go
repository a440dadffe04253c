package session

import (
	"context"
	"log/slog"
	"time"

	"palaver/internal/models"
	"palaver/internal/store"
)

// Sweeper deletes rooms nobody is using anymore. A room is swept when none of
// its members are online. Two guards keep it from destroying data on bad
// signals: freshly created rooms get a grace period, and when the presence
// table shows nobody online at all the pass is skipped entirely, because an
// empty table is indistinguishable from a presence outage.
type Sweeper struct {
	store     store.Store
	interval  time.Duration
	threshold time.Duration
	grace     time.Duration
	now       func() time.Time
}

func NewSweeper(st store.Store, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{
		store:     st,
		interval:  interval,
		threshold: threshold,
		grace:     threshold,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("sweep pass failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("swept abandoned rooms", "count", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many rooms were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	records, err := s.store.PresenceSince(ctx, now.Add(-s.threshold))
	if err != nil {
		return 0, err
	}
	online := make(map[string]bool)
	for _, rec := range records {
		if now.Sub(rec.LastSeenAt) < s.threshold {
			online[rec.UserID] = true
		}
	}
	if len(online) == 0 {
		return 0, nil
	}

	rooms, err := s.store.Rooms(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, room := range rooms {
		if now.Sub(room.CreatedAt) < s.grace {
			continue
		}
		occupied, err := s.roomOccupied(ctx, room, online)
		if err != nil {
			return deleted, err
		}
		if occupied {
			continue
		}
		if err := s.store.DeleteRoom(ctx, room.ID); err != nil {
			return deleted, err
		}
		slog.Info("deleted abandoned room", "room_id", room.ID, "name", room.Name)
		deleted++
	}
	return deleted, nil
}

func (s *Sweeper) roomOccupied(ctx context.Context, room models.Room, online map[string]bool) (bool, error) {
	members, err := s.store.Members(ctx, room.ID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if online[m.UserID] {
			return true, nil
		}
	}
	return false, nil
}
