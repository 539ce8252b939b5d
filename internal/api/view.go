package api

import (
	"time"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
)

// duelView is the client-facing duel shape. Open rounds never expose the
// correct answer id; it appears per round only after the round closes.
type duelView struct {
	ID            int64             `json:"id"`
	JoinCode      string            `json:"join_code,omitempty"`
	Status        duel.Status       `json:"status"`
	InitiatorID   string            `json:"initiator_id"`
	InitiatorName string            `json:"initiator_name,omitempty"`
	OpponentID    string            `json:"opponent_id,omitempty"`
	OpponentName  string            `json:"opponent_name,omitempty"`
	RoundsToWin   int               `json:"rounds_to_win"`
	Rounds        []roundView       `json:"rounds,omitempty"`
	Result        *duel.Result      `json:"result,omitempty"`
	Settings      map[string]string `json:"settings,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type roundView struct {
	Number         int        `json:"number"`
	QuestionID     int64      `json:"question_id"`
	CorrectID      *int64     `json:"correct_id,omitempty"` // closed rounds only
	TimeLimitSec   int        `json:"time_limit_sec,omitempty"`
	QuestionSentAt *time.Time `json:"question_sent_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	Initiator      answerView `json:"initiator"`
	Opponent       answerView `json:"opponent"`
	InitiatorScore int        `json:"initiator_score"`
	OpponentScore  int        `json:"opponent_score"`
}

// answerView hides the payload detail of the opposing side while the round is
// open, so a client cannot learn whether the rival answered correctly early.
type answerView struct {
	Completed   bool              `json:"completed"`
	AnswerID    *int64            `json:"answer_id,omitempty"`
	IsCorrect   *bool             `json:"is_correct,omitempty"`
	TimeElapsed *float64          `json:"time_elapsed,omitempty"`
	Reason      duel.AnswerReason `json:"reason,omitempty"`
	Score       *int              `json:"score,omitempty"`
	HintUsed    bool              `json:"hint_used,omitempty"`
}

func viewOf(d *duel.Duel, viewerID string) duelView {
	v := duelView{
		ID:            d.ID,
		JoinCode:      d.JoinCode,
		Status:        d.Status,
		InitiatorID:   d.InitiatorID,
		InitiatorName: d.InitiatorName,
		OpponentID:    d.OpponentID,
		OpponentName:  d.OpponentName,
		RoundsToWin:   d.RoundsToWin,
		Result:        d.Result,
		Settings:      d.Settings,
		CreatedAt:     d.CreatedAt,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.Status.Terminal() {
		v.JoinCode = ""
	}
	viewerSide := d.SideOf(viewerID)
	for i := range d.Rounds {
		v.Rounds = append(v.Rounds, newRoundView(&d.Rounds[i], viewerSide))
	}
	return v
}

func roundViewOf(r *duel.Round) roundView {
	return newRoundView(r, "")
}

func newRoundView(r *duel.Round, viewerSide duel.Side) roundView {
	v := roundView{
		Number:         r.Number,
		QuestionID:     r.QuestionID,
		TimeLimitSec:   r.TimeLimitSec,
		QuestionSentAt: r.QuestionSentAt,
		ClosedAt:       r.ClosedAt,
		InitiatorScore: r.InitiatorScore,
		OpponentScore:  r.OpponentScore,
	}
	closed := r.Closed()
	if closed {
		correct := r.CorrectID
		v.CorrectID = &correct
	}
	v.Initiator = newAnswerView(&r.Initiator, closed || viewerSide == duel.SideInitiator)
	v.Opponent = newAnswerView(&r.Opponent, closed || viewerSide == duel.SideOpponent)
	return v
}

func newAnswerView(a *duel.Answer, full bool) answerView {
	v := answerView{Completed: a.Completed}
	if !full {
		return v
	}
	v.AnswerID = a.AnswerID
	if a.Completed {
		correct := a.IsCorrect
		elapsed := a.TimeElapsed
		score := a.Score
		v.IsCorrect = &correct
		v.TimeElapsed = &elapsed
		v.Score = &score
		v.Reason = a.Reason
	}
	v.HintUsed = a.HintUsed
	return v
}
