package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/matchmake"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/rtticket"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/signalbus"
	"github.com/redis/go-redis/v9"
)

type stubBank struct{}

func (stubBank) Next(_ context.Context, _ int64, roundNumber int) (*duel.Question, error) {
	return &duel.Question{
		ID:        int64(100 + roundNumber),
		Text:      "q",
		OptionIDs: []int64{1, 2, 3, 4},
		CorrectID: 2,
	}, nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	return newTestHandlerHooks(t, Hooks{})
}

func newTestHandlerHooks(t *testing.T, hooks Hooks) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fc := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := duel.NewStoreWithClock(rdb, fc)
	engine := duel.NewEngine(store, stubBank{}, 30*time.Second)
	matcher := matchmake.NewManager(store, 2*time.Minute)
	issuer := rtticket.NewIssuerWithClock("test-secret", 2*time.Minute, rdb, fc)
	bus := signalbus.New(rdb)
	return NewServer(engine, matcher, issuer, bus, hooks).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestDuelLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/duels", map[string]any{
		"user_id": "u1", "user_name": "one", "room": "room", "rounds_to_win": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode(t, rec)
	if created["status"] != "waiting" || created["join_code"] == "" {
		t.Fatalf("bad create view: %v", created)
	}
	idStr := "/duels/" + jsonID(t, created)

	rec = do(t, h, http.MethodPost, "/duels/join", map[string]any{
		"user_id": "u2", "user_name": "two",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("join = %d: %s", rec.Code, rec.Body.String())
	}
	joined := decode(t, rec)
	if joined["status"] != "in_progress" {
		t.Fatalf("join did not start the duel: %v", joined["status"])
	}

	// fetching the round stamps dispatch and starts the answer clock
	rec = do(t, h, http.MethodGet, idStr+"/round", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("round = %d: %s", rec.Code, rec.Body.String())
	}
	round := decode(t, rec)
	if round["question_sent_at"] == nil {
		t.Fatalf("dispatch not stamped: %v", round)
	}
	if _, leaked := round["correct_id"]; leaked {
		t.Fatalf("open round leaked correct_id")
	}

	rec = do(t, h, http.MethodPost, idStr+"/answer", map[string]any{
		"user_id": "u1", "answer_id": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first answer = %d: %s", rec.Code, rec.Body.String())
	}
	mid := decode(t, rec)
	rounds := mid["rounds"].([]any)
	r0 := rounds[0].(map[string]any)
	me := r0["initiator"].(map[string]any)
	rival := r0["opponent"].(map[string]any)
	if me["completed"] != true || me["is_correct"] != true {
		t.Fatalf("own answer hidden from answerer: %v", me)
	}
	if rival["completed"] != false || rival["is_correct"] != nil {
		t.Fatalf("rival payload leaked mid-round: %v", rival)
	}

	// a participant can still request a spectator ticket while live
	rec = do(t, h, http.MethodPost, idStr+"/rt-ticket", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rt-ticket = %d: %s", rec.Code, rec.Body.String())
	}
	if tk := decode(t, rec); tk["ticket"] == "" || tk["expires_in"].(float64) <= 0 {
		t.Fatalf("bad ticket response: %v", tk)
	}

	rec = do(t, h, http.MethodPost, idStr+"/answer", map[string]any{
		"user_id": "u2", "answer_id": 3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("second answer = %d: %s", rec.Code, rec.Body.String())
	}
	final := decode(t, rec)
	if final["status"] != "finished" {
		t.Fatalf("best-of-1 not finished: %v", final["status"])
	}
	result := final["result"].(map[string]any)
	if result["winner_id"] != "u1" {
		t.Fatalf("wrong winner: %v", result)
	}
	r0 = final["rounds"].([]any)[0].(map[string]any)
	if r0["correct_id"].(float64) != 2 {
		t.Fatalf("closed round hides correct_id: %v", r0)
	}
	if _, exposed := final["join_code"]; exposed {
		t.Fatalf("terminal duel still exposes join_code")
	}

	// terminal duels issue no more tickets
	rec = do(t, h, http.MethodPost, idStr+"/rt-ticket", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("rt-ticket after finish = %d", rec.Code)
	}
}

// The dispatch hook arms timeout enforcement for a round, so it must fire on
// the fetch that starts the answer clock and never again for the same round.
func TestRoundFetchFiresDispatchHookOnce(t *testing.T) {
	var calls []int
	h := newTestHandlerHooks(t, Hooks{
		OnDispatched: func(_ *duel.Duel, roundNumber int) {
			calls = append(calls, roundNumber)
		},
	})

	rec := do(t, h, http.MethodPost, "/duels", map[string]any{
		"user_id": "u1", "user_name": "one", "rounds_to_win": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	idStr := "/duels/" + jsonID(t, decode(t, rec))

	if rec = do(t, h, http.MethodPost, "/duels/join", map[string]any{"user_id": "u2", "user_name": "two"}); rec.Code != http.StatusOK {
		t.Fatalf("join = %d: %s", rec.Code, rec.Body.String())
	}
	if len(calls) != 0 {
		t.Fatalf("hook fired before any round fetch: %v", calls)
	}

	for i := 0; i < 3; i++ {
		if rec = do(t, h, http.MethodGet, idStr+"/round", nil); rec.Code != http.StatusOK {
			t.Fatalf("round fetch %d = %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	if len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("dispatch hook calls = %v, want exactly one for round 1", calls)
	}
}

func TestOutsiderForbidden(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/duels", map[string]any{
		"user_id": "u1", "user_name": "one", "rounds_to_win": 1,
	})
	id := jsonID(t, decode(t, rec))

	rec = do(t, h, http.MethodPost, "/duels/"+id+"/cancel", map[string]any{"user_id": "stranger"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider cancel = %d", rec.Code)
	}
	if decode(t, rec)["error"] != "not_participant" {
		t.Fatalf("wrong error code: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/duels/"+id+"/rt-ticket", map[string]any{"user_id": "stranger"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider rt-ticket = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/duels/999", nil)
	if rec.Code != http.StatusNotFound || decode(t, rec)["error"] != "not_found" {
		t.Fatalf("missing duel = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/duels/abc/answer", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad path id = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/duels/join", map[string]any{"user_id": "u2"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("join with empty queue = %d", rec.Code)
	}

	// duplicate queue entry
	if rec = do(t, h, http.MethodPost, "/duels", map[string]any{"user_id": "u1", "rounds_to_win": 1}); rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/duels", map[string]any{"user_id": "u1", "rounds_to_win": 1})
	if rec.Code != http.StatusConflict || decode(t, rec)["error"] != "already_queued" {
		t.Fatalf("duplicate ticket = %d: %s", rec.Code, rec.Body.String())
	}
}

func jsonID(t *testing.T, v map[string]any) string {
	t.Helper()
	id, ok := v["id"].(float64)
	if !ok || id <= 0 {
		t.Fatalf("missing id in %v", v)
	}
	return strconv.FormatInt(int64(id), 10)
}
