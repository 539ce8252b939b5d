package duel

import "time"

// ScoreInput carries everything a scoring policy may look at.
type ScoreInput struct {
	Correct  bool
	Elapsed  time.Duration
	Limit    time.Duration
	HintUsed bool
}

// ScoreFunc awards points for one answered payload. The exact formula is a
// policy, not an invariant; engines accept any implementation.
type ScoreFunc func(in ScoreInput) int

const (
	scoreBase     = 100
	scoreSpeedMax = 50
)

// DefaultScore: wrong answers earn nothing; correct answers earn a flat base
// plus a speed bonus that decays linearly over the time limit. The 50/50
// assist halves the award.
func DefaultScore(in ScoreInput) int {
	if !in.Correct {
		return 0
	}
	s := scoreBase
	if in.Limit > 0 && in.Elapsed >= 0 && in.Elapsed < in.Limit {
		remaining := float64(in.Limit-in.Elapsed) / float64(in.Limit)
		s += int(remaining * scoreSpeedMax)
	}
	if in.HintUsed {
		s /= 2
	}
	return s
}
