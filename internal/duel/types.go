package duel

import (
	"context"
	"time"
)

// Status represents the duel lifecycle state.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusMatched    Status = "matched"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusFinished || s == StatusCancelled }

// Side identifies a duel participant slot.
type Side string

const (
	SideInitiator Side = "initiator"
	SideOpponent  Side = "opponent"
)

// AnswerReason records how a participant payload was completed.
type AnswerReason string

const (
	ReasonAnswered AnswerReason = "answered"
	ReasonTimeout  AnswerReason = "timeout"
)

// Well-known settings keys.
const (
	SettingMatchmaking    = "matchmaking"
	SettingAwaitingTarget = "awaiting_target"
	SettingTargetUserID   = "target_user_id"
	SettingTargetUsername = "target_username"
	SettingRoundTimeLimit = "round_time_limit"
)

// Answer is one participant's payload for a round. Once the owning round is
// closed no field may change.
type Answer struct {
	Completed   bool         `json:"completed"`
	AnswerID    *int64       `json:"answer_id,omitempty"`
	IsCorrect   bool         `json:"is_correct"`
	TimeElapsed float64      `json:"time_elapsed"`
	Reason      AnswerReason `json:"reason,omitempty"`
	AnsweredAt  *time.Time   `json:"answered_at,omitempty"`
	Score       int          `json:"score"`

	HintUsed      bool    `json:"hint_used,omitempty"`
	HiddenAnswers []int64 `json:"hidden_answers,omitempty"`
}

// Round is one question instance within a duel.
type Round struct {
	Number       int   `json:"number"`
	QuestionID   int64 `json:"question_id"`
	CorrectID    int64 `json:"correct_id"`
	TimeLimitSec int   `json:"time_limit_sec,omitempty"`

	Initiator Answer `json:"initiator"`
	Opponent  Answer `json:"opponent"`

	QuestionSentAt *time.Time `json:"question_sent_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`

	InitiatorScore int `json:"initiator_score"`
	OpponentScore  int `json:"opponent_score"`
}

// AnswerFor returns the payload for a side.
func (r *Round) AnswerFor(side Side) *Answer {
	if side == SideOpponent {
		return &r.Opponent
	}
	return &r.Initiator
}

// Closed reports whether the round has been closed.
func (r *Round) Closed() bool { return r.ClosedAt != nil }

// Result is produced exactly once when a duel reaches finished.
type Result struct {
	InitiatorScore int            `json:"initiator_score"`
	OpponentScore  int            `json:"opponent_score"`
	WinnerID       string         `json:"winner_id,omitempty"` // empty = draw
	RatingDeltas   map[string]int `json:"rating_deltas,omitempty"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Duel is the persisted state of one 1v1 match. The whole record, rounds
// included, lives under a single store key so every transition is one
// conditional update.
type Duel struct {
	ID       int64  `json:"id"`
	JoinCode string `json:"join_code"`

	InitiatorID   string `json:"initiator_id"`
	InitiatorName string `json:"initiator_name,omitempty"`
	OpponentID    string `json:"opponent_id,omitempty"`
	OpponentName  string `json:"opponent_name,omitempty"`

	Status      Status            `json:"status"`
	RoundsToWin int               `json:"rounds_to_win"`
	Settings    map[string]string `json:"settings,omitempty"`

	Rounds []Round `json:"rounds,omitempty"`
	Result *Result `json:"result,omitempty"`

	Room string `json:"room,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// MaxRounds returns the round quota: best-of-N plays at most 2N-1 rounds.
func (d *Duel) MaxRounds() int { return d.RoundsToWin*2 - 1 }

// SideOf maps a user id to its participant slot, or "" for outsiders.
func (d *Duel) SideOf(userID string) Side {
	switch {
	case userID != "" && userID == d.InitiatorID:
		return SideInitiator
	case userID != "" && userID == d.OpponentID:
		return SideOpponent
	default:
		return ""
	}
}

// IsParticipant reports whether userID belongs to the duel.
func (d *Duel) IsParticipant(userID string) bool { return d.SideOf(userID) != "" }

// IsMatchmaking reports whether the duel is a random-matchmaking entry
// rather than a friend invite.
func (d *Duel) IsMatchmaking() bool {
	return d.Settings != nil && d.Settings[SettingMatchmaking] == "1"
}

// CurrentRound returns the lowest-numbered open round, or nil when every
// round is closed (completion is due).
func (d *Duel) CurrentRound() *Round {
	for i := range d.Rounds {
		if d.Rounds[i].ClosedAt == nil {
			return &d.Rounds[i]
		}
	}
	return nil
}

// RoundByNumber returns the round with the given 1-based number.
func (d *Duel) RoundByNumber(n int) *Round {
	for i := range d.Rounds {
		if d.Rounds[i].Number == n {
			return &d.Rounds[i]
		}
	}
	return nil
}

// RoundWins counts decided rounds per side. Tied rounds count for neither.
func (d *Duel) RoundWins() (initiator, opponent int) {
	for i := range d.Rounds {
		r := &d.Rounds[i]
		if r.ClosedAt == nil {
			continue
		}
		switch {
		case r.InitiatorScore > r.OpponentScore:
			initiator++
		case r.OpponentScore > r.InitiatorScore:
			opponent++
		}
	}
	return initiator, opponent
}

// TotalScores sums closed-round scores per side.
func (d *Duel) TotalScores() (initiator, opponent int) {
	for i := range d.Rounds {
		r := &d.Rounds[i]
		if r.ClosedAt == nil {
			continue
		}
		initiator += r.InitiatorScore
		opponent += r.OpponentScore
	}
	return initiator, opponent
}

// Question is the duel-facing view of a question bank entry. The bank itself
// is an external collaborator; rounds only keep the reference and the correct
// answer id needed for scoring.
type Question struct {
	ID           int64
	Text         string
	OptionIDs    []int64
	CorrectID    int64
	TimeLimitSec int
}

// QuestionBank supplies questions for new rounds.
type QuestionBank interface {
	Next(ctx context.Context, duelID int64, roundNumber int) (*Question, error)
}
