// Package api exposes the duel operations over HTTP for non-chat clients:
// queueing, joining, answering, and realtime ticket issuance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/matchmake"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/rtticket"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/signalbus"
	"go.uber.org/zap"
)

// Hooks let the owning process react to transitions the API performs.
// OnDispatched fires once per round, when its answer clock starts; the owner
// uses it to spawn the round's timeout watcher.
type Hooks struct {
	OnMatched    func(d *duel.Duel)
	OnStarted    func(d *duel.Duel)
	OnDispatched func(d *duel.Duel, roundNumber int)
}

type Server struct {
	engine  *duel.Engine
	matcher *matchmake.Manager
	issuer  *rtticket.Issuer
	bus     *signalbus.Bus
	hooks   Hooks
}

func NewServer(engine *duel.Engine, matcher *matchmake.Manager, issuer *rtticket.Issuer, bus *signalbus.Bus, hooks Hooks) *Server {
	return &Server{engine: engine, matcher: matcher, issuer: issuer, bus: bus, hooks: hooks}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /duels", s.handleCreate)
	mux.HandleFunc("POST /duels/join", s.handleJoin)
	mux.HandleFunc("GET /duels/{id}", s.handleGet)
	mux.HandleFunc("GET /duels/{id}/round", s.handleRound)
	mux.HandleFunc("POST /duels/{id}/answer", s.handleAnswer)
	mux.HandleFunc("POST /duels/{id}/hint", s.handleHint)
	mux.HandleFunc("POST /duels/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /duels/{id}/rt-ticket", s.handleRTTicket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type createRequest struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Room        string `json:"room"`
	RoundsToWin int    `json:"rounds_to_win"`
	TargetID    string `json:"target_user_id"`
	TargetName  string `json:"target_user_name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RoundsToWin <= 0 {
		req.RoundsToWin = 3
	}

	var (
		d   *duel.Duel
		err error
	)
	if strings.TrimSpace(req.TargetID) != "" {
		d, err = s.matcher.CreateInvite(r.Context(), req.UserID, req.UserName, req.Room, req.RoundsToWin, req.TargetID, req.TargetName)
	} else {
		d, err = s.matcher.CreateTicket(r.Context(), req.UserID, req.UserName, req.Room, req.RoundsToWin)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	s.notify(r.Context(), d.ID)
	writeJSON(w, http.StatusCreated, viewOf(d, ""))
}

type joinRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Code     string `json:"code"`
}

// handleJoin claims a ticket: by join code when given, otherwise the oldest
// available matchmaking ticket. A successful claim starts the duel.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		d   *duel.Duel
		err error
	)
	if strings.TrimSpace(req.Code) != "" {
		d, err = s.matcher.AcceptByCode(r.Context(), req.Code, req.UserID, req.UserName)
	} else {
		ticket, ferr := s.matcher.FindAvailableTicket(r.Context(), req.UserID)
		if ferr != nil {
			writeErr(w, ferr)
			return
		}
		if ticket == nil {
			writeErr(w, duel.ErrNotFound)
			return
		}
		d, err = s.matcher.Accept(r.Context(), ticket.ID, req.UserID, req.UserName)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.hooks.OnMatched != nil {
		s.hooks.OnMatched(d)
	}

	started, err := s.engine.Start(r.Context(), d.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.hooks.OnStarted != nil {
		s.hooks.OnStarted(started)
	}
	s.notify(r.Context(), started.ID)
	writeJSON(w, http.StatusOK, viewOf(started, req.UserID))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.engine.Store().Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if d == nil {
		writeErr(w, duel.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d, r.URL.Query().Get("user_id")))
}

// handleRound serves the open round and stamps its dispatch time on the first
// fetch, which is what starts the answer clock.
func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.engine.Store().Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if d == nil {
		writeErr(w, duel.ErrNotFound)
		return
	}
	cur := d.CurrentRound()
	if cur == nil {
		writeErr(w, duel.ErrNoOpenRound)
		return
	}
	firstDispatch := cur.QuestionSentAt == nil
	d, err = s.engine.MarkDispatched(r.Context(), id, cur.Number)
	if err != nil {
		writeErr(w, err)
		return
	}
	if firstDispatch {
		// the clock just started; hand the round to its timeout watcher
		if s.hooks.OnDispatched != nil {
			s.hooks.OnDispatched(d, cur.Number)
		}
		s.notify(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, roundViewOf(d.RoundByNumber(cur.Number)))
}

type answerRequest struct {
	UserID   string `json:"user_id"`
	AnswerID *int64 `json:"answer_id"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := s.engine.Submit(r.Context(), id, req.UserID, req.AnswerID, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	if out.RoundClosed {
		if adv, aerr := s.engine.MaybeCompleteDuel(r.Context(), id); aerr != nil {
			obslog.L().Warn("api_advance_error", zap.Int64("duel_id", id), zap.Error(aerr))
		} else {
			out.Duel = adv.Duel
			if s.hooks.OnStarted != nil && adv.NextRound != nil {
				s.hooks.OnStarted(adv.Duel)
			}
		}
	}
	s.notify(r.Context(), id)
	writeJSON(w, http.StatusOK, viewOf(out.Duel, req.UserID))
}

type hintRequest struct {
	UserID string  `json:"user_id"`
	Hide   []int64 `json:"hide"`
}

func (s *Server) handleHint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req hintRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.engine.UseHint(r.Context(), id, req.UserID, req.Hide)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.notify(r.Context(), id)
	writeJSON(w, http.StatusOK, viewOf(d, req.UserID))
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.engine.Store().Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if d == nil {
		writeErr(w, duel.ErrNotFound)
		return
	}
	if !d.IsParticipant(req.UserID) {
		writeErr(w, duel.ErrNotParticipant)
		return
	}
	cancelled, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.notify(r.Context(), id)
	writeJSON(w, http.StatusOK, viewOf(cancelled, req.UserID))
}

type rtTicketRequest struct {
	UserID string `json:"user_id"`
}

type rtTicketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int64  `json:"expires_in"`
}

func (s *Server) handleRTTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rtTicketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.engine.Store().Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if d == nil {
		writeErr(w, duel.ErrNotFound)
		return
	}
	if !d.IsParticipant(req.UserID) {
		writeErr(w, duel.ErrNotParticipant)
		return
	}
	if d.Status.Terminal() {
		writeErr(w, duel.ErrDuelClosed)
		return
	}
	ticket, err := s.issuer.Issue(id, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rtTicketResponse{Ticket: ticket, ExpiresIn: int64(s.issuer.TTL().Seconds())})
}

func (s *Server) notify(ctx context.Context, duelID int64) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Notify(ctx, duelID); err != nil {
		obslog.L().Warn("api_notify_error", zap.Int64("duel_id", duelID), zap.Error(err))
	}
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, duel.ErrInvalidArgs)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, duel.ErrInvalidArgs)
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeErr maps domain sentinels to HTTP statuses with a stable error code.
func writeErr(w http.ResponseWriter, err error) {
	code, status := "internal_error", http.StatusInternalServerError
	switch {
	case errors.Is(err, duel.ErrNotFound):
		code, status = "not_found", http.StatusNotFound
	case errors.Is(err, duel.ErrInvalidArgs), errors.Is(err, matchmake.ErrInvalidArgs):
		code, status = "invalid_args", http.StatusBadRequest
	case errors.Is(err, duel.ErrDuelUnavailable):
		code, status = "duel_unavailable", http.StatusConflict
	case errors.Is(err, duel.ErrNotParticipant):
		code, status = "not_participant", http.StatusForbidden
	case errors.Is(err, duel.ErrDuelClosed):
		code, status = "duel_closed", http.StatusConflict
	case errors.Is(err, duel.ErrRoundClosed):
		code, status = "round_closed", http.StatusConflict
	case errors.Is(err, duel.ErrAlreadyAnswered):
		code, status = "already_answered", http.StatusConflict
	case errors.Is(err, duel.ErrNotDispatched):
		code, status = "round_not_dispatched", http.StatusConflict
	case errors.Is(err, duel.ErrNoOpenRound):
		code, status = "no_open_round", http.StatusConflict
	case errors.Is(err, matchmake.ErrSelfMatch):
		code, status = "self_match", http.StatusConflict
	case errors.Is(err, matchmake.ErrAlreadyQueued):
		code, status = "already_queued", http.StatusConflict
	case errors.Is(err, matchmake.ErrNotInvited):
		code, status = "not_invited", http.StatusForbidden
	default:
		obslog.L().Error("api_internal_error", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
