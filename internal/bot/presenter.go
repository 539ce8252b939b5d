package bot

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/kakaofast"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/msgcat"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/quizbank"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/scorecard"
	"go.uber.org/zap"
)

// Presenter turns duel state into room messages. All sends are best-effort:
// the state transition already committed, so delivery failures only log.
type Presenter struct {
	egress kakaofast.Egress
	cat    *msgcat.Catalog
	cards  scorecard.Renderer
	prefix string
}

func NewPresenter(egress kakaofast.Egress, cat *msgcat.Catalog, cards scorecard.Renderer, prefix string) *Presenter {
	return &Presenter{egress: egress, cat: cat, cards: cards, prefix: prefix}
}

func (p *Presenter) send(ctx context.Context, room, text string) {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(room) == "" {
		return
	}
	if err := p.egress.SendText(ctx, room, text); err != nil {
		obslog.L().Warn("send_text_error", zap.String("room", room), zap.Error(err))
	}
}

func (p *Presenter) Text(ctx context.Context, room, key string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["Prefix"] = p.prefix
	p.send(ctx, room, p.cat.Text(key, data))
}

func (p *Presenter) Queued(ctx context.Context, d *duel.Duel) {
	p.Text(ctx, d.Room, "duel.queued", map[string]any{
		"Username": d.InitiatorName,
		"JoinCode": d.JoinCode,
	})
}

func (p *Presenter) Invited(ctx context.Context, d *duel.Duel) {
	p.Text(ctx, d.Room, "duel.invited", map[string]any{
		"Username":   d.InitiatorName,
		"TargetName": d.Settings[duel.SettingTargetUsername],
		"JoinCode":   d.JoinCode,
	})
}

func (p *Presenter) Matched(ctx context.Context, d *duel.Duel) {
	p.Text(ctx, d.Room, "duel.matched", map[string]any{
		"InitiatorName": d.InitiatorName,
		"OpponentName":  d.OpponentName,
	})
}

// Question posts a round's question with its numbered options.
func (p *Presenter) Question(ctx context.Context, d *duel.Duel, r *duel.Round, entry *quizbank.Entry, limitSec int) {
	var sb strings.Builder
	sb.WriteString(p.cat.Text("duel.question", map[string]any{
		"Prefix":       p.prefix,
		"RoundNumber":  r.Number,
		"QuestionText": entry.Text,
		"TimeLimit":    limitSec,
	}))
	for _, opt := range entry.Options {
		fmt.Fprintf(&sb, "\n%d. %s", opt.ID, opt.Text)
	}
	p.send(ctx, d.Room, sb.String())
}

func (p *Presenter) Hint(ctx context.Context, d *duel.Duel, entry *quizbank.Entry, hidden []int64) {
	hiddenSet := map[int64]bool{}
	for _, id := range hidden {
		hiddenSet[id] = true
	}
	var texts []string
	for _, opt := range entry.Options {
		if hiddenSet[opt.ID] {
			texts = append(texts, opt.Text)
		}
	}
	p.Text(ctx, d.Room, "duel.hint", map[string]any{"Hidden": strings.Join(texts, ", ")})
}

func (p *Presenter) AnswerAccepted(ctx context.Context, d *duel.Duel, name string, elapsed float64) {
	p.Text(ctx, d.Room, "duel.answer_accepted", map[string]any{
		"Username": name,
		"Elapsed":  fmt.Sprintf("%.1f", elapsed),
	})
}

func (p *Presenter) Timeout(ctx context.Context, d *duel.Duel, name string) {
	p.Text(ctx, d.Room, "duel.timeout", map[string]any{"Username": name})
}

func (p *Presenter) RoundResult(ctx context.Context, d *duel.Duel, r *duel.Round) {
	p.Text(ctx, d.Room, "duel.round_result", map[string]any{
		"RoundNumber":    r.Number,
		"InitiatorName":  d.InitiatorName,
		"OpponentName":   d.OpponentName,
		"InitiatorScore": r.InitiatorScore,
		"OpponentScore":  r.OpponentScore,
	})
}

// Finished posts the final outcome text and the rendered score card image.
func (p *Presenter) Finished(ctx context.Context, d *duel.Duel) {
	res := d.Result
	if res == nil {
		return
	}
	data := map[string]any{
		"InitiatorScore": res.InitiatorScore,
		"OpponentScore":  res.OpponentScore,
	}
	key := "duel.finished_draw"
	winnerName := ""
	if res.WinnerID != "" {
		key = "duel.finished_win"
		winnerName = d.InitiatorName
		if res.WinnerID == d.OpponentID {
			winnerName = d.OpponentName
		}
		data["WinnerName"] = winnerName
	}
	p.Text(ctx, d.Room, key, data)

	iWins, oWins := d.RoundWins()
	png, err := p.cards.RenderPNG(ctx, scorecard.Card{
		Title:          fmt.Sprintf("%s vs %s", d.InitiatorName, d.OpponentName),
		InitiatorName:  d.InitiatorName,
		OpponentName:   d.OpponentName,
		InitiatorScore: res.InitiatorScore,
		OpponentScore:  res.OpponentScore,
		InitiatorWins:  iWins,
		OpponentWins:   oWins,
		WinnerName:     winnerName,
		Rounds:         len(d.Rounds),
	})
	if err != nil {
		obslog.L().Warn("scorecard_render_error", zap.Int64("duel_id", d.ID), zap.Error(err))
		return
	}
	if err := p.egress.SendImage(ctx, d.Room, base64.StdEncoding.EncodeToString(png)); err != nil {
		obslog.L().Warn("send_image_error", zap.String("room", d.Room), zap.Error(err))
	}
}

func (p *Presenter) Cancelled(ctx context.Context, d *duel.Duel) {
	p.Text(ctx, d.Room, "duel.cancelled", nil)
}

func (p *Presenter) QueueExpired(ctx context.Context, d *duel.Duel) {
	p.Text(ctx, d.Room, "duel.queue_expired", nil)
}

// Help posts the command list folded behind a "see more" preview.
func (p *Presenter) Help(ctx context.Context, room string) {
	body := p.cat.Text("help.body", map[string]any{"Prefix": p.prefix})
	p.send(ctx, room, kakaofast.ApplySeeMorePadding(body, "🧠 퀴즈 대결 도움말"))
}
