package duel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository archives final duel results in postgres. Live duel state never
// touches the database; redis owns it.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a finished duel's result row. Keyed on duel_id, so the
// at-most-one-result property holds in the archive too.
func (r *Repository) SaveResult(ctx context.Context, d *Duel) error {
	if r == nil || r.db == nil || d == nil || d.Result == nil {
		return nil
	}

	deltasRaw, _ := json.Marshal(d.Result.RatingDeltas)
	roundsRaw, _ := json.Marshal(d.Rounds)
	var startedAt any
	if d.StartedAt != nil {
		startedAt = *d.StartedAt
	}

	q := `INSERT INTO duel_results (
	    duel_id, join_code, initiator_id, initiator_name, opponent_id, opponent_name,
	    initiator_score, opponent_score, winner_id, rating_deltas, rounds,
	    started_at, finished_at
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	  ) ON CONFLICT (duel_id) DO UPDATE SET
	    initiator_score=EXCLUDED.initiator_score,
	    opponent_score=EXCLUDED.opponent_score,
	    winner_id=EXCLUDED.winner_id,
	    rating_deltas=EXCLUDED.rating_deltas,
	    rounds=EXCLUDED.rounds,
	    started_at=EXCLUDED.started_at,
	    finished_at=EXCLUDED.finished_at`

	_, err := r.db.ExecContext(ctx, q,
		d.ID, d.JoinCode,
		d.InitiatorID, d.InitiatorName,
		d.OpponentID, d.OpponentName,
		d.Result.InitiatorScore, d.Result.OpponentScore,
		d.Result.WinnerID, string(deltasRaw), string(roundsRaw),
		startedAt, d.Result.FinishedAt,
	)
	return err
}
