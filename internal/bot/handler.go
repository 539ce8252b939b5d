// Package bot routes chat commands into duel operations and delivers the
// resulting room messages.
package bot

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"strings"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/config"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/kakaofast"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/matchmake"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/quizbank"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/rtticket"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/signalbus"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/watcher"
	"go.uber.org/zap"
)

// Bot owns the chat-facing duel flow. It parses commands, drives the engine
// and matchmaker, spawns the per-duel watchers, and presents outcomes.
type Bot struct {
	cfg       *config.AppConfig
	engine    *duel.Engine
	matcher   *matchmake.Manager
	bank      *quizbank.Bank
	issuer    *rtticket.Issuer
	bus       *signalbus.Bus
	lease     *duel.DeliveryLease
	presenter *Presenter

	rootCtx context.Context
}

func New(ctx context.Context, cfg *config.AppConfig, engine *duel.Engine, matcher *matchmake.Manager, bank *quizbank.Bank, issuer *rtticket.Issuer, bus *signalbus.Bus, lease *duel.DeliveryLease, presenter *Presenter) *Bot {
	return &Bot{
		cfg:       cfg,
		engine:    engine,
		matcher:   matcher,
		bank:      bank,
		issuer:    issuer,
		bus:       bus,
		lease:     lease,
		presenter: presenter,
		rootCtx:   ctx,
	}
}

// HandleMessage is the websocket callback. It filters rooms and the command
// prefix, then dispatches off the WS goroutine.
func (b *Bot) HandleMessage(msg *kakaofast.Message) {
	if msg == nil || strings.TrimSpace(msg.Msg) == "" {
		return
	}
	if len(b.cfg.AllowedRooms) > 0 && !roomAllowed(b.cfg.AllowedRooms, msg.Room) {
		return
	}
	raw := strings.TrimSpace(msg.Msg)
	if !strings.HasPrefix(raw, b.cfg.BotPrefix) {
		return
	}
	go b.handleCommand(b.rootCtx, msg, strings.TrimSpace(strings.TrimPrefix(raw, b.cfg.BotPrefix)))
}

func (b *Bot) handleCommand(ctx context.Context, msg *kakaofast.Message, raw string) {
	if raw == "" {
		b.presenter.Help(ctx, msg.Room)
		return
	}
	parts := strings.Fields(raw)
	cmd := parts[0]
	args := parts[1:]
	userID := msg.UserID()
	userName := msg.SenderName()
	if userID == "" {
		b.presenter.Text(ctx, msg.Room, "error.generic", nil)
		return
	}

	switch cmd {
	case "대결", "duel":
		b.cmdDuel(ctx, msg, userID, userName, args)
	case "수락", "accept":
		b.cmdAccept(ctx, msg, userID, userName, args)
	case "정답", "answer":
		b.cmdAnswer(ctx, msg, userID, userName, args)
	case "힌트", "hint":
		b.cmdHint(ctx, msg, userID)
	case "현황", "status":
		b.cmdStatus(ctx, msg, userID)
	case "포기", "cancel":
		b.cmdCancel(ctx, msg, userID)
	case "관전", "watch":
		b.cmdWatch(ctx, msg, userID)
	case "도움말", "help":
		b.presenter.Help(ctx, msg.Room)
	default:
		b.presenter.Text(ctx, msg.Room, "error.invalid_args", nil)
	}
}

// cmdDuel queues the user for a random match, or creates a targeted invite
// when the first argument names an opponent.
func (b *Bot) cmdDuel(ctx context.Context, msg *kakaofast.Message, userID, userName string, args []string) {
	if len(args) > 0 && strings.HasPrefix(args[0], "@") {
		target := strings.TrimPrefix(args[0], "@")
		d, err := b.matcher.CreateInvite(ctx, userID, userName, msg.Room, b.cfg.RoundsToWin, target, target)
		if err != nil {
			b.presentMatchErr(ctx, msg.Room, err)
			return
		}
		b.spawnMatchWatcher(d)
		b.notify(ctx, d.ID)
		b.presenter.Invited(ctx, d)
		return
	}

	// try to join an open ticket before queueing a new one
	if ticket, err := b.matcher.FindAvailableTicket(ctx, userID); err == nil && ticket != nil {
		d, aerr := b.matcher.Accept(ctx, ticket.ID, userID, userName)
		if aerr == nil {
			b.startDuel(ctx, d)
			return
		}
		if !errors.Is(aerr, duel.ErrDuelUnavailable) {
			b.presentMatchErr(ctx, msg.Room, aerr)
			return
		}
		// lost the accept race; fall through and queue
	}

	d, err := b.matcher.CreateTicket(ctx, userID, userName, msg.Room, b.cfg.RoundsToWin)
	if err != nil {
		b.presentMatchErr(ctx, msg.Room, err)
		return
	}
	b.spawnMatchWatcher(d)
	b.notify(ctx, d.ID)
	b.presenter.Queued(ctx, d)
}

func (b *Bot) cmdAccept(ctx context.Context, msg *kakaofast.Message, userID, userName string, args []string) {
	if len(args) < 1 {
		b.presenter.Text(ctx, msg.Room, "error.invalid_args", nil)
		return
	}
	d, err := b.matcher.AcceptByCode(ctx, args[0], userID, userName)
	if err != nil {
		b.presentMatchErr(ctx, msg.Room, err)
		return
	}
	b.startDuel(ctx, d)
}

// startDuel announces the match, starts round 1, and dispatches its question.
func (b *Bot) startDuel(ctx context.Context, d *duel.Duel) {
	b.notify(ctx, d.ID)
	b.presenter.Matched(ctx, d)
	started, err := b.engine.Start(ctx, d.ID)
	if err != nil {
		obslog.L().Error("duel_start_error", zap.Int64("duel_id", d.ID), zap.Error(err))
		b.presenter.Text(ctx, d.Room, "error.generic", nil)
		return
	}
	b.dispatchRound(ctx, started, 1)
}

// dispatchRound stamps question_sent_at, posts the question, and spawns the
// round's timeout watcher.
func (b *Bot) dispatchRound(ctx context.Context, d *duel.Duel, roundNumber int) {
	dispatched, err := b.engine.MarkDispatched(ctx, d.ID, roundNumber)
	if err != nil {
		obslog.L().Error("round_dispatch_error", zap.Int64("duel_id", d.ID), zap.Int("round", roundNumber), zap.Error(err))
		return
	}
	r := dispatched.RoundByNumber(roundNumber)
	if r == nil {
		return
	}
	entry, ok := b.bank.Get(r.QuestionID)
	if !ok {
		obslog.L().Error("question_missing", zap.Int64("question_id", r.QuestionID))
		return
	}
	limit := int(b.engine.EffectiveTimeLimit(dispatched, r).Seconds())
	b.presenter.Question(ctx, dispatched, r, entry, limit)
	b.notify(ctx, dispatched.ID)
	b.spawnRoundWatcher(d.ID, roundNumber)
}

func (b *Bot) cmdAnswer(ctx context.Context, msg *kakaofast.Message, userID, userName string, args []string) {
	var answerID *int64
	if len(args) > 0 {
		if n, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			answerID = &n
		}
	}
	d, err := b.activeDuel(ctx, userID)
	if err != nil || d == nil {
		b.presenter.Text(ctx, msg.Room, "duel.not_found", nil)
		return
	}
	out, err := b.engine.Submit(ctx, d.ID, userID, answerID, false)
	if err != nil {
		b.presentDuelErr(ctx, msg.Room, err)
		return
	}
	b.notify(ctx, d.ID)
	side := out.Duel.SideOf(userID)
	b.presenter.AnswerAccepted(ctx, out.Duel, userName, out.Round.AnswerFor(side).TimeElapsed)

	if !out.RoundClosed {
		return
	}
	adv, err := b.engine.MaybeCompleteDuel(ctx, d.ID)
	if err != nil {
		obslog.L().Error("duel_advance_error", zap.Int64("duel_id", d.ID), zap.Error(err))
		return
	}
	b.notify(ctx, d.ID)
	token, ok, err := b.lease.Acquire(ctx, d.ID, out.Round.Number)
	if err != nil || !ok {
		return
	}
	defer func() { _ = b.lease.Release(ctx, d.ID, out.Round.Number, token) }()
	b.deliverClose(ctx, adv.Duel, out.Round.Number, adv)
}

// deliverClose is the single-flight delivery after a round closes: the round
// result, then either the next question or the final score card. Shared by
// the answering path and the timeout watcher.
func (b *Bot) deliverClose(ctx context.Context, d *duel.Duel, closedRound int, adv *duel.Advance) {
	if d == nil || d.Room == "" {
		// duels created over the HTTP API have no chat room; their clients
		// pick up round results by polling or over the gateway
		return
	}
	if r := d.RoundByNumber(closedRound); r != nil {
		for _, side := range []duel.Side{duel.SideInitiator, duel.SideOpponent} {
			if r.AnswerFor(side).Reason == duel.ReasonTimeout {
				name := d.InitiatorName
				if side == duel.SideOpponent {
					name = d.OpponentName
				}
				b.presenter.Timeout(ctx, d, name)
			}
		}
		b.presenter.RoundResult(ctx, d, r)
	}
	switch {
	case adv == nil:
	case adv.Finished:
		b.presenter.Finished(ctx, d)
	case adv.NextRound != nil:
		b.dispatchRound(ctx, d, adv.NextRound.Number)
	}
}

// cmdHint burns the 50/50: every wrong option except one is hidden.
func (b *Bot) cmdHint(ctx context.Context, msg *kakaofast.Message, userID string) {
	d, err := b.activeDuel(ctx, userID)
	if err != nil || d == nil {
		b.presenter.Text(ctx, msg.Room, "duel.not_found", nil)
		return
	}
	r := d.CurrentRound()
	if r == nil {
		b.presentDuelErr(ctx, msg.Room, duel.ErrNoOpenRound)
		return
	}
	entry, ok := b.bank.Get(r.QuestionID)
	if !ok {
		b.presenter.Text(ctx, msg.Room, "error.generic", nil)
		return
	}
	var wrong []int64
	for _, opt := range entry.Options {
		if opt.ID != entry.CorrectID {
			wrong = append(wrong, opt.ID)
		}
	}
	if len(wrong) > 1 {
		keep := rand.Intn(len(wrong))
		wrong = append(wrong[:keep], wrong[keep+1:]...)
	}
	updated, err := b.engine.UseHint(ctx, d.ID, userID, wrong)
	if err != nil {
		b.presentDuelErr(ctx, msg.Room, err)
		return
	}
	b.notify(ctx, d.ID)
	b.presenter.Hint(ctx, updated, entry, wrong)
}

func (b *Bot) cmdStatus(ctx context.Context, msg *kakaofast.Message, userID string) {
	d, err := b.activeDuel(ctx, userID)
	if err != nil || d == nil {
		b.presenter.Text(ctx, msg.Room, "duel.not_found", nil)
		return
	}
	switch d.Status {
	case duel.StatusWaiting:
		b.presenter.Queued(ctx, d)
	case duel.StatusMatched:
		b.presenter.Matched(ctx, d)
	case duel.StatusInProgress:
		if r := d.CurrentRound(); r != nil {
			if entry, ok := b.bank.Get(r.QuestionID); ok {
				limit := int(b.engine.EffectiveTimeLimit(d, r).Seconds())
				b.presenter.Question(ctx, d, r, entry, limit)
				return
			}
		}
		b.presenter.Matched(ctx, d)
	}
}

func (b *Bot) cmdCancel(ctx context.Context, msg *kakaofast.Message, userID string) {
	d, err := b.activeDuel(ctx, userID)
	if err != nil || d == nil {
		b.presenter.Text(ctx, msg.Room, "duel.not_found", nil)
		return
	}
	cancelled, err := b.engine.Cancel(ctx, d.ID)
	if err != nil {
		b.presentDuelErr(ctx, msg.Room, err)
		return
	}
	b.notify(ctx, d.ID)
	b.presenter.Cancelled(ctx, cancelled)
}

func (b *Bot) cmdWatch(ctx context.Context, msg *kakaofast.Message, userID string) {
	d, err := b.activeDuel(ctx, userID)
	if err != nil || d == nil {
		b.presenter.Text(ctx, msg.Room, "duel.not_found", nil)
		return
	}
	ticket, err := b.issuer.Issue(d.ID, userID)
	if err != nil {
		b.presenter.Text(ctx, msg.Room, "error.generic", nil)
		return
	}
	b.presenter.Text(ctx, msg.Room, "duel.rt_ticket", map[string]any{
		"TTL":    int(b.issuer.TTL().Seconds()),
		"Ticket": ticket,
	})
}

// Resume respawns watchers for duels that were live before a restart:
// match watchers for waiting tickets and invites, round watchers for every
// open round of an in-progress duel. Watchers converge on stored state, so
// resuming alongside a still-running sibling process is harmless.
func (b *Bot) Resume(ctx context.Context) error {
	ids, err := b.engine.Store().ActiveIDs(ctx)
	if err != nil {
		return err
	}
	resumed := 0
	for _, id := range ids {
		d, gerr := b.engine.Store().Get(ctx, id)
		if gerr != nil || d == nil {
			continue
		}
		switch d.Status {
		case duel.StatusWaiting:
			b.spawnMatchWatcher(d)
			resumed++
		case duel.StatusInProgress:
			if r := d.CurrentRound(); r != nil {
				b.spawnRoundWatcher(d.ID, r.Number)
				resumed++
			}
		}
	}
	if resumed > 0 {
		obslog.L().Info("watchers_resumed", zap.Int("count", resumed))
	}
	return nil
}

// SpawnRoundWatcher arms timeout enforcement for a dispatched round. Exposed
// for the HTTP API's dispatch hook.
func (b *Bot) SpawnRoundWatcher(duelID int64, roundNumber int) {
	b.spawnRoundWatcher(duelID, roundNumber)
}

func (b *Bot) spawnRoundWatcher(duelID int64, roundNumber int) {
	rw := watcher.NewRoundWatcher(b.engine, b.lease, b.bus, b.deliverClose)
	go rw.Watch(b.rootCtx, duelID, roundNumber)
}

func (b *Bot) spawnMatchWatcher(d *duel.Duel) {
	mw := watcher.NewMatchWatcher(b.engine, b.bus, b.matcher.TTL(), func(ctx context.Context, expired *duel.Duel) {
		b.presenter.QueueExpired(ctx, expired)
	})
	go mw.Watch(b.rootCtx, d.ID)
}

// activeDuel returns the user's most relevant non-terminal duel.
func (b *Bot) activeDuel(ctx context.Context, userID string) (*duel.Duel, error) {
	duels, err := b.engine.Store().DuelsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var best *duel.Duel
	for _, d := range duels {
		if d.Status.Terminal() {
			continue
		}
		if d.Status == duel.StatusInProgress {
			return d, nil
		}
		if best == nil || d.CreatedAt.After(best.CreatedAt) {
			best = d
		}
	}
	return best, nil
}

func (b *Bot) notify(ctx context.Context, duelID int64) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Notify(ctx, duelID); err != nil {
		obslog.L().Warn("bus_notify_error", zap.Int64("duel_id", duelID), zap.Error(err))
	}
}

func (b *Bot) presentMatchErr(ctx context.Context, room string, err error) {
	switch {
	case errors.Is(err, matchmake.ErrAlreadyQueued):
		b.presenter.Text(ctx, room, "duel.already_queued", nil)
	case errors.Is(err, matchmake.ErrSelfMatch):
		b.presenter.Text(ctx, room, "duel.self_match", nil)
	case errors.Is(err, matchmake.ErrNotInvited):
		b.presenter.Text(ctx, room, "duel.not_invited", nil)
	case errors.Is(err, duel.ErrDuelUnavailable):
		b.presenter.Text(ctx, room, "duel.unavailable", nil)
	case errors.Is(err, duel.ErrNotFound):
		b.presenter.Text(ctx, room, "duel.not_found", nil)
	case errors.Is(err, matchmake.ErrInvalidArgs):
		b.presenter.Text(ctx, room, "error.invalid_args", nil)
	default:
		obslog.L().Error("match_command_error", zap.Error(err))
		b.presenter.Text(ctx, room, "error.generic", nil)
	}
}

func (b *Bot) presentDuelErr(ctx context.Context, room string, err error) {
	switch {
	case errors.Is(err, duel.ErrAlreadyAnswered):
		b.presenter.Text(ctx, room, "duel.already_answered", nil)
	case errors.Is(err, duel.ErrDuelClosed), errors.Is(err, duel.ErrRoundClosed):
		b.presenter.Text(ctx, room, "duel.closed", nil)
	case errors.Is(err, duel.ErrNotFound), errors.Is(err, duel.ErrNoOpenRound), errors.Is(err, duel.ErrNotDispatched):
		b.presenter.Text(ctx, room, "duel.not_found", nil)
	case errors.Is(err, duel.ErrNotParticipant):
		b.presenter.Text(ctx, room, "duel.not_found", nil)
	default:
		obslog.L().Error("duel_command_error", zap.Error(err))
		b.presenter.Text(ctx, room, "error.generic", nil)
	}
}

func roomAllowed(allowed []string, room string) bool {
	for _, r := range allowed {
		if r == room {
			return true
		}
	}
	return false
}
