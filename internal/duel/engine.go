package duel

import (
	"context"
	"strconv"
	"time"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"go.uber.org/zap"
)

// Engine drives duels through their round sequence. All transitions go
// through Store.Update, so an answering handler and a timeout watcher racing
// on the same round resolve to exactly one winner per conditional write.
type Engine struct {
	store *Store
	bank  QuestionBank
	score ScoreFunc
	repo  *Repository

	defaultTimeLimit time.Duration
}

func NewEngine(store *Store, bank QuestionBank, defaultTimeLimit time.Duration) *Engine {
	if defaultTimeLimit <= 0 {
		defaultTimeLimit = 30 * time.Second
	}
	return &Engine{
		store:            store,
		bank:             bank,
		score:            DefaultScore,
		defaultTimeLimit: defaultTimeLimit,
	}
}

// SetScoreFunc replaces the scoring policy.
func (e *Engine) SetScoreFunc(fn ScoreFunc) {
	if fn != nil {
		e.score = fn
	}
}

// AttachRepository wires a database repository for archiving final results.
func (e *Engine) AttachRepository(r *Repository) {
	if e != nil {
		e.repo = r
	}
}

func (e *Engine) Store() *Store { return e.store }

// EffectiveTimeLimit resolves the round timeout: round value, then the duel
// setting, then the configured default.
func (e *Engine) EffectiveTimeLimit(d *Duel, r *Round) time.Duration {
	if r != nil && r.TimeLimitSec > 0 {
		return time.Duration(r.TimeLimitSec) * time.Second
	}
	if d != nil && d.Settings != nil {
		if v, ok := d.Settings[SettingRoundTimeLimit]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return e.defaultTimeLimit
}

// Start moves a matched duel into progress and creates round 1. Idempotent:
// a duel already in progress just reports its current round.
func (e *Engine) Start(ctx context.Context, duelID int64) (*Duel, error) {
	started := false
	d, err := e.store.Update(ctx, duelID, func(cur *Duel) error {
		switch cur.Status {
		case StatusMatched:
		case StatusInProgress:
			return errNoSave
		default:
			return ErrDuelClosed
		}
		q, qerr := e.bank.Next(ctx, cur.ID, 1)
		if qerr != nil {
			return qerr
		}
		now := e.store.clock.Now().UTC()
		cur.Status = StatusInProgress
		cur.StartedAt = &now
		cur.Rounds = append(cur.Rounds, newRound(1, q))
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		obslog.L().Info("duel_start",
			zap.Int64("duel_id", d.ID),
			zap.String("initiator", d.InitiatorID),
			zap.String("opponent", d.OpponentID),
		)
	}
	return d, nil
}

// ExpireWaiting cancels a duel only while it is still waiting for an
// opponent. An accept that lands between a watcher's deadline check and this
// call wins: the closure sees the matched state and rejects the expiry.
func (e *Engine) ExpireWaiting(ctx context.Context, duelID int64) (*Duel, error) {
	d, err := e.store.Update(ctx, duelID, func(cur *Duel) error {
		if cur.Status != StatusWaiting {
			return ErrDuelUnavailable
		}
		now := e.store.clock.Now().UTC()
		cur.Status = StatusCancelled
		cur.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("duel_expire", zap.Int64("duel_id", duelID))
	return d, nil
}

// MarkDispatched stamps question_sent_at on the round if unset. Repeated
// calls from reconnecting clients never reset the clock origin.
func (e *Engine) MarkDispatched(ctx context.Context, duelID int64, roundNumber int) (*Duel, error) {
	return e.store.Update(ctx, duelID, func(cur *Duel) error {
		r := cur.RoundByNumber(roundNumber)
		if r == nil {
			return ErrNoOpenRound
		}
		if r.Closed() {
			return ErrRoundClosed
		}
		if r.QuestionSentAt != nil {
			return errNoSave
		}
		now := e.store.clock.Now().UTC()
		r.QuestionSentAt = &now
		return nil
	})
}

// SubmitOutcome reports what a submission changed.
type SubmitOutcome struct {
	Duel        *Duel
	Round       *Round
	RoundClosed bool
}

// Submit applies a participant's answer to the current round. A nil answerID
// is an explicit no-answer. Rejected with typed errors when the round is
// closed or the participant already completed it.
func (e *Engine) Submit(ctx context.Context, duelID int64, userID string, answerID *int64, hintUsed bool) (*SubmitOutcome, error) {
	var out SubmitOutcome
	d, err := e.store.Update(ctx, duelID, func(cur *Duel) error {
		if cur.Status != StatusInProgress {
			return ErrDuelClosed
		}
		side := cur.SideOf(userID)
		if side == "" {
			return ErrNotParticipant
		}
		r := cur.CurrentRound()
		if r == nil {
			return ErrNoOpenRound
		}
		if r.QuestionSentAt == nil {
			return ErrNotDispatched
		}
		a := r.AnswerFor(side)
		if a.Completed {
			return ErrAlreadyAnswered
		}

		now := e.store.clock.Now().UTC()
		elapsed := now.Sub(*r.QuestionSentAt)
		limit := e.EffectiveTimeLimit(cur, r)

		a.Completed = true
		a.AnswerID = answerID
		a.AnsweredAt = &now
		a.TimeElapsed = elapsed.Seconds()
		a.Reason = ReasonAnswered
		a.HintUsed = a.HintUsed || hintUsed
		a.IsCorrect = answerID != nil && *answerID == r.CorrectID
		a.Score = e.score(ScoreInput{
			Correct:  a.IsCorrect,
			Elapsed:  elapsed,
			Limit:    limit,
			HintUsed: a.HintUsed,
		})

		out.RoundClosed = closeIfComplete(r, now)
		out.Round = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Duel = d
	out.Round = d.RoundByNumber(out.Round.Number)
	obslog.L().Info("duel_answer",
		zap.Int64("duel_id", d.ID),
		zap.String("user_id", userID),
		zap.Int("round", out.Round.Number),
		zap.Bool("round_closed", out.RoundClosed),
	)
	return &out, nil
}

// UseHint marks the 50/50 assist on the participant's open payload and
// returns the two option ids to hide (the correct one always survives).
func (e *Engine) UseHint(ctx context.Context, duelID int64, userID string, hide []int64) (*Duel, error) {
	return e.store.Update(ctx, duelID, func(cur *Duel) error {
		if cur.Status != StatusInProgress {
			return ErrDuelClosed
		}
		side := cur.SideOf(userID)
		if side == "" {
			return ErrNotParticipant
		}
		r := cur.CurrentRound()
		if r == nil {
			return ErrNoOpenRound
		}
		a := r.AnswerFor(side)
		if a.Completed {
			return ErrAlreadyAnswered
		}
		if a.HintUsed {
			return errNoSave
		}
		a.HintUsed = true
		a.HiddenAnswers = hide
		return nil
	})
}

// TimeoutDue reports whether a side's payload is past its deadline.
func (e *Engine) TimeoutDue(d *Duel, r *Round, side Side, now time.Time) bool {
	if d == nil || r == nil || r.Closed() || r.QuestionSentAt == nil {
		return false
	}
	if r.AnswerFor(side).Completed {
		return false
	}
	return now.Sub(*r.QuestionSentAt) >= e.EffectiveTimeLimit(d, r)
}

// ApplyTimeoutIfNeeded writes a zero-score timeout payload for a side whose
// deadline has passed. Safe to call redundantly: the not-yet-completed guard
// makes every call after the first a no-op.
func (e *Engine) ApplyTimeoutIfNeeded(ctx context.Context, duelID int64, roundNumber int, side Side) (applied bool, closed bool, err error) {
	_, uerr := e.store.Update(ctx, duelID, func(cur *Duel) error {
		applied, closed = false, false
		if cur.Status != StatusInProgress {
			return errNoSave
		}
		r := cur.RoundByNumber(roundNumber)
		if r == nil || r.Closed() || r.QuestionSentAt == nil {
			return errNoSave
		}
		now := e.store.clock.Now().UTC()
		if now.Sub(*r.QuestionSentAt) < e.EffectiveTimeLimit(cur, r) {
			return errNoSave
		}
		a := r.AnswerFor(side)
		if a.Completed {
			return errNoSave
		}
		a.Completed = true
		a.AnswerID = nil
		a.IsCorrect = false
		a.TimeElapsed = now.Sub(*r.QuestionSentAt).Seconds()
		a.Reason = ReasonTimeout
		a.AnsweredAt = &now
		a.Score = 0
		applied = true
		closed = closeIfComplete(r, now)
		return nil
	})
	if uerr != nil {
		return false, false, uerr
	}
	if applied {
		obslog.L().Info("round_timeout",
			zap.Int64("duel_id", duelID),
			zap.Int("round", roundNumber),
			zap.String("side", string(side)),
			zap.Bool("round_closed", closed),
		)
	}
	return applied, closed, nil
}

// MaybeCompleteRound closes the round when both payloads are complete,
// independent of which actor calls it.
func (e *Engine) MaybeCompleteRound(ctx context.Context, duelID int64, roundNumber int) (closed bool, err error) {
	_, uerr := e.store.Update(ctx, duelID, func(cur *Duel) error {
		closed = false
		r := cur.RoundByNumber(roundNumber)
		if r == nil || r.Closed() {
			return errNoSave
		}
		closed = closeIfComplete(r, e.store.clock.Now().UTC())
		if !closed {
			return errNoSave
		}
		return nil
	})
	if uerr != nil {
		return false, uerr
	}
	return closed, nil
}

// Advance describes what MaybeCompleteDuel did.
type Advance struct {
	Duel      *Duel
	Finished  bool
	NextRound *Round // non-nil when a fresh round was appended
}

// MaybeCompleteDuel finalizes the duel or appends the next round once no
// open round remains. Concurrent invocations from the answering handler and
// the timeout watcher converge: the closure re-reads state, so the second
// caller observes the first caller's outcome and changes nothing.
func (e *Engine) MaybeCompleteDuel(ctx context.Context, duelID int64) (*Advance, error) {
	var adv Advance
	d, err := e.store.Update(ctx, duelID, func(cur *Duel) error {
		adv = Advance{}
		if cur.Status != StatusInProgress {
			return errNoSave
		}
		if r := cur.CurrentRound(); r != nil {
			return errNoSave
		}
		iWins, oWins := cur.RoundWins()
		if iWins >= cur.RoundsToWin || oWins >= cur.RoundsToWin || len(cur.Rounds) >= cur.MaxRounds() {
			e.finalize(cur)
			adv.Finished = true
			return nil
		}
		next := len(cur.Rounds) + 1
		q, qerr := e.bank.Next(ctx, cur.ID, next)
		if qerr != nil {
			return qerr
		}
		cur.Rounds = append(cur.Rounds, newRound(next, q))
		adv.NextRound = &cur.Rounds[len(cur.Rounds)-1]
		return nil
	})
	if err != nil {
		return nil, err
	}
	adv.Duel = d
	if adv.NextRound != nil {
		adv.NextRound = d.RoundByNumber(adv.NextRound.Number)
	}
	if adv.Finished {
		obslog.L().Info("duel_finish",
			zap.Int64("duel_id", d.ID),
			zap.String("winner", d.Result.WinnerID),
			zap.Int("initiator_score", d.Result.InitiatorScore),
			zap.Int("opponent_score", d.Result.OpponentScore),
		)
		// archive after the state is committed; failures never unwind the
		// transition
		if e.repo != nil {
			if aerr := e.repo.SaveResult(ctx, d); aerr != nil {
				obslog.L().Error("duel_result_persist_error", zap.Int64("duel_id", d.ID), zap.Error(aerr))
			}
		}
	}
	return &adv, nil
}

// Cancel withdraws a duel that has not started. Terminal states are left
// untouched; in-progress duels cannot be cancelled by participants.
func (e *Engine) Cancel(ctx context.Context, duelID int64) (*Duel, error) {
	d, err := e.store.Update(ctx, duelID, func(cur *Duel) error {
		switch cur.Status {
		case StatusWaiting, StatusMatched:
			now := e.store.clock.Now().UTC()
			cur.Status = StatusCancelled
			cur.FinishedAt = &now
			return nil
		case StatusCancelled:
			return errNoSave
		default:
			return ErrDuelClosed
		}
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("duel_cancel", zap.Int64("duel_id", duelID))
	return d, nil
}

// finalize flips to finished and writes the one and only Result. Only
// reachable from inside an in_progress CAS closure.
func (e *Engine) finalize(cur *Duel) {
	now := e.store.clock.Now().UTC()
	iScore, oScore := cur.TotalScores()
	res := &Result{
		InitiatorScore: iScore,
		OpponentScore:  oScore,
		FinishedAt:     now,
		RatingDeltas:   map[string]int{},
	}
	switch {
	case iScore > oScore:
		res.WinnerID = cur.InitiatorID
		res.RatingDeltas[cur.InitiatorID] = ratingWin
		res.RatingDeltas[cur.OpponentID] = ratingLoss
	case oScore > iScore:
		res.WinnerID = cur.OpponentID
		res.RatingDeltas[cur.OpponentID] = ratingWin
		res.RatingDeltas[cur.InitiatorID] = ratingLoss
	default:
		res.RatingDeltas[cur.InitiatorID] = ratingDraw
		res.RatingDeltas[cur.OpponentID] = ratingDraw
	}
	cur.Status = StatusFinished
	cur.FinishedAt = &now
	cur.Result = res
}

const (
	ratingWin  = 25
	ratingLoss = -15
	ratingDraw = 5
)

func newRound(number int, q *Question) Round {
	r := Round{Number: number, QuestionID: q.ID, CorrectID: q.CorrectID}
	if q.TimeLimitSec > 0 {
		r.TimeLimitSec = q.TimeLimitSec
	}
	return r
}

// closeIfComplete stamps closed_at once both payloads are complete and
// freezes the per-round totals. Returns true only for the stamping call.
func closeIfComplete(r *Round, now time.Time) bool {
	if r.Closed() || !r.Initiator.Completed || !r.Opponent.Completed {
		return false
	}
	r.ClosedAt = &now
	r.InitiatorScore = r.Initiator.Score
	r.OpponentScore = r.Opponent.Score
	return true
}
