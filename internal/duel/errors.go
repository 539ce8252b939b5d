package duel

// Typed rejections. Contention-shaped errors mean "someone else already
// acted" and callers recover by re-reading current state.
var (
	ErrNotFound        = errf("duel not found")
	ErrDuelUnavailable = errf("duel no longer available")
	ErrNotParticipant  = errf("user is not a duel participant")
	ErrDuelClosed      = errf("duel already finished or cancelled")
	ErrRoundClosed     = errf("round already closed")
	ErrAlreadyAnswered = errf("participant already completed this round")
	ErrNotDispatched   = errf("round question not dispatched yet")
	ErrNoOpenRound     = errf("no open round")
	ErrInvalidArgs     = errf("invalid arguments")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

func errf(s string) error { return staticErr(s) }
