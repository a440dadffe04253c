package session

import (
	"sort"
	"sync"
	"time"

	"palaver/internal/models"
)

// Outcome tags the result of one ingestion.
type Outcome int

const (
	// OutcomeDiscarded: the candidate was already present, was a redundant
	// delivery, or was malformed.
	OutcomeDiscarded Outcome = iota
	// OutcomeInserted: the candidate entered the list as a new entry.
	OutcomeInserted
	// OutcomeReplaced: the candidate replaced a provisional entry in place.
	OutcomeReplaced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeDiscarded:
		return "discarded"
	}
	return "unknown"
}

// MessageLog holds the canonical, duplicate-free message list for one room.
// Candidates arrive from three sources that race freely: the bulk history
// load, the live change feed, and the session's own optimistic sends. Ingest
// is commutative and idempotent under any arrival order of the same logical
// message, which is what keeps the rendered list stable.
//
// The list is kept oldest-first, ordered by CreatedAt.
type MessageLog struct {
	mu        sync.Mutex
	window    time.Duration
	messages  []models.Message
	index     map[string]int // message ID -> position
	pending   map[string]bool
	malformed int
}

// NewMessageLog creates an empty log. window is the tolerance used to treat
// two durable messages with identical author and body as one redundant
// delivery; it defends against the history load racing the live feed.
func NewMessageLog(window time.Duration) *MessageLog {
	l := &MessageLog{window: window}
	l.reset()
	return l
}

func (l *MessageLog) reset() {
	l.messages = nil
	l.index = make(map[string]int)
	l.pending = make(map[string]bool)
}

// Reset drops all room-scoped state. Called on room switch.
func (l *MessageLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}

// Ingest reconciles one candidate into the list. It never fails: malformed
// candidates (missing ID) are counted and discarded.
func (l *MessageLog) Ingest(m models.Message) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.ID == "" {
		l.malformed++
		return OutcomeDiscarded
	}

	// Idempotent re-delivery.
	if _, ok := l.index[m.ID]; ok {
		return OutcomeDiscarded
	}

	if m.Provisional() {
		// The durable twin may already be in the list when a reload or a fast
		// feed beat the optimistic insert. The durable entry wins.
		if l.hasDurableTwin(m) {
			return OutcomeDiscarded
		}
		// At most one provisional entry per (author, body) may be pending.
		// A second one is a manual retry: it takes over the old entry's slot
		// and clears its failed flag.
		if i, ok := l.findProvisional(m.AuthorID, m.Body); ok {
			l.replaceAt(i, m)
			l.pending[m.ID] = true
			return OutcomeReplaced
		}
		l.insertOrdered(m)
		l.pending[m.ID] = true
		return OutcomeInserted
	}

	// Durable candidate. First preference: confirm a pending optimistic send
	// from the same author with identical body, keeping its list position.
	if i, ok := l.findProvisional(m.AuthorID, m.Body); ok {
		l.replaceAt(i, m)
		return OutcomeReplaced
	}

	// Second: a different durable message with matching author and body
	// within the tolerance window is a redundant delivery from the
	// overlapping load and feed paths.
	if l.hasDurableTwin(m) {
		return OutcomeDiscarded
	}

	l.insertOrdered(m)
	return OutcomeInserted
}

// hasDurableTwin reports whether a durable entry with the same author, body
// and room sits within the tolerance window of the candidate.
func (l *MessageLog) hasDurableTwin(m models.Message) bool {
	for _, existing := range l.messages {
		if existing.Provisional() || existing.AuthorID != m.AuthorID || existing.Body != m.Body {
			continue
		}
		if existing.RoomID == m.RoomID && absDuration(existing.CreatedAt.Sub(m.CreatedAt)) <= l.window {
			return true
		}
	}
	return false
}

// MarkFailed flags a provisional entry whose durable write failed. The entry
// stays visible (and pending) so the user can retry; a later echo still
// confirms it.
func (l *MessageLog) MarkFailed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[id]
	if !ok || !l.messages[i].Provisional() {
		return false
	}
	l.messages[i].Failed = true
	return true
}

// Messages returns a copy of the list, oldest-first.
func (l *MessageLog) Messages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// PendingCount returns the number of provisional entries awaiting their
// durable echo.
func (l *MessageLog) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Malformed returns how many candidates were dropped for missing fields.
func (l *MessageLog) Malformed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.malformed
}

func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// findProvisional scans in list order so replacement is deterministic when
// several provisionals are pending.
func (l *MessageLog) findProvisional(authorID, body string) (int, bool) {
	for i, m := range l.messages {
		if m.Provisional() && m.AuthorID == authorID && m.Body == body {
			return i, true
		}
	}
	return 0, false
}

// replaceAt swaps the entry at i for m, preserving its list position.
func (l *MessageLog) replaceAt(i int, m models.Message) {
	old := l.messages[i]
	delete(l.index, old.ID)
	delete(l.pending, old.ID)
	if m.Author == nil {
		m.Author = old.Author
	}
	l.messages[i] = m
	l.index[m.ID] = i
}

func (l *MessageLog) insertOrdered(m models.Message) {
	i := sort.Search(len(l.messages), func(i int) bool {
		return l.messages[i].CreatedAt.After(m.CreatedAt)
	})
	l.messages = append(l.messages, models.Message{})
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = m
	for j := i; j < len(l.messages); j++ {
		l.index[l.messages[j].ID] = j
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
