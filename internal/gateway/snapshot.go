package gateway

import (
	"fmt"
	"hash/fnv"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
)

// Snapshot is the small public view pushed to clients. Clients re-fetch full
// authoritative state themselves; the gateway only signals that something
// changed and how far the duel has advanced.
type Snapshot struct {
	DuelID            int64       `json:"duel_id"`
	Status            duel.Status `json:"status"`
	UpdatedAt         int64       `json:"updated_at"`
	LastRoundNumber   int         `json:"last_round_number"`
	LastRoundClosedAt int64       `json:"last_round_closed_at,omitempty"`
	EventVersion      int64       `json:"event_version"`
}

// ComputeSnapshot projects a duel onto its public view.
func ComputeSnapshot(d *duel.Duel) Snapshot {
	s := Snapshot{
		DuelID:       d.ID,
		Status:       d.Status,
		UpdatedAt:    d.UpdatedAt.UnixMilli(),
		EventVersion: d.UpdatedAt.UnixMilli(),
	}
	for i := range d.Rounds {
		r := &d.Rounds[i]
		if r.Number > s.LastRoundNumber {
			s.LastRoundNumber = r.Number
		}
		if r.ClosedAt != nil && r.ClosedAt.UnixMilli() > s.LastRoundClosedAt {
			s.LastRoundClosedAt = r.ClosedAt.UnixMilli()
		}
	}
	return s
}

// Hash collapses the snapshot into a comparison token so unchanged state is
// never re-pushed. EventVersion is excluded: a forced refresh bumps the
// version without implying new content.
func (s Snapshot) Hash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d|%d|%d", s.DuelID, s.Status, s.UpdatedAt, s.LastRoundNumber, s.LastRoundClosedAt)
	return h.Sum64()
}
