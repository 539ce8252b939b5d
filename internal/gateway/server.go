package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/rtticket"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/signalbus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Typed error frame messages.
const (
	errInvalidTicket     = "invalid_ticket"
	errTicketAlreadyUsed = "ticket_already_used"
	errDuelAccessDenied  = "duel_access_denied"
	errDuelClosed        = "duel_closed"
	errMessageTooLarge   = "message_too_large"
	errConnectionTimeout = "connection_timeout"
)

type pingFrame struct {
	Type string `json:"type"`
}

type pongFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type connectedFrame struct {
	Type     string `json:"type"`
	DuelID   int64  `json:"duel_id"`
	ServerTS int64  `json:"server_ts"`
}

type updateFrame struct {
	Type    string   `json:"type"`
	Payload Snapshot `json:"payload"`
}

type closedFrame struct {
	Type   string `json:"type"`
	DuelID int64  `json:"duel_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Options tune the gateway's polling and connection policy.
type Options struct {
	SlowPoll        time.Duration
	FastPoll        time.Duration
	IdleTimeout     time.Duration
	MinPushInterval time.Duration
	MaxMsgBytes     int64
}

func (o *Options) fillDefaults() {
	if o.SlowPoll <= 0 {
		o.SlowPoll = 3 * time.Second
	}
	if o.FastPoll <= 0 {
		o.FastPoll = 300 * time.Millisecond
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 90 * time.Second
	}
	if o.MinPushInterval <= 0 {
		o.MinPushInterval = 200 * time.Millisecond
	}
	if o.MaxMsgBytes <= 0 {
		o.MaxMsgBytes = 4096
	}
}

type pushState struct {
	hash     uint64
	lastPush time.Time
}

// Gateway is the long-lived realtime process: it authenticates sockets with
// single-use tickets, polls the duel store on a slow cadence for every duel
// with a connected socket, and drains the signal bus on a fast cadence for
// low-latency forced pushes.
type Gateway struct {
	store  *duel.Store
	issuer *rtticket.Issuer
	bus    *signalbus.Bus
	reg    *Registry
	opts   Options
	clock  clockwork.Clock

	push map[int64]*pushState
}

func New(store *duel.Store, issuer *rtticket.Issuer, bus *signalbus.Bus, opts Options) *Gateway {
	opts.fillDefaults()
	return &Gateway{
		store:  store,
		issuer: issuer,
		bus:    bus,
		reg:    NewRegistry(),
		opts:   opts,
		clock:  store.Clock(),
		push:   make(map[int64]*pushState),
	}
}

func (g *Gateway) Registry() *Registry { return g.reg }

// Handler exposes the websocket endpoint.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	return mux
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		return
	}
	sock.SetReadLimit(g.opts.MaxMsgBytes)

	ctx := r.Context()
	ticket := strings.TrimSpace(r.URL.Query().Get("ticket"))
	p, err := g.issuer.Consume(ctx, ticket)
	if err != nil {
		g.rejectConn(ctx, sock, mapTicketErr(err))
		return
	}

	d, err := g.store.Get(ctx, p.DuelID)
	if err != nil || d == nil || !d.IsParticipant(p.UserID) {
		g.rejectConn(ctx, sock, errDuelAccessDenied)
		return
	}
	if d.Status.Terminal() {
		g.rejectConn(ctx, sock, errDuelClosed)
		return
	}

	now := g.clock.Now()
	c, displaced := g.reg.Add(p.DuelID, p.UserID, sock, now)
	for _, old := range displaced {
		_ = old.sock.Close(websocket.StatusNormalClosure, "superseded")
	}

	_ = g.writeFrame(c, &connectedFrame{Type: "connected", DuelID: p.DuelID, ServerTS: now.UnixMilli()})
	obslog.L().Info("gateway_connect",
		zap.Int64("duel_id", p.DuelID),
		zap.String("user_id", p.UserID),
		zap.Uint64("conn_id", c.ID),
	)

	go g.readLoop(c)
}

func mapTicketErr(err error) string {
	switch {
	case errors.Is(err, rtticket.ErrAlreadyUsed):
		return errTicketAlreadyUsed
	default:
		return errInvalidTicket
	}
}

func (g *Gateway) rejectConn(ctx context.Context, sock *websocket.Conn, message string) {
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	_ = wsjson.Write(wctx, sock, &errorFrame{Type: "error", Message: message})
	cancel()
	_ = sock.Close(websocket.StatusPolicyViolation, message)
	obslog.L().Warn("gateway_reject", zap.String("reason", message))
}

// readLoop services inbound frames for one connection. Any read failure
// (oversized frame included) is connection-fatal.
func (g *Gateway) readLoop(c *Conn) {
	ctx := context.Background()
	for {
		var in pingFrame
		if err := wsjson.Read(ctx, c.sock, &in); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
				_ = g.writeFrame(c, &errorFrame{Type: "error", Message: errMessageTooLarge})
			}
			g.dropConn(c, websocket.StatusNormalClosure, "bye")
			return
		}
		c.Touch(g.clock.Now())
		if in.Type == "ping" {
			_ = g.writeFrame(c, &pongFrame{Type: "pong", TS: g.clock.Now().UnixMilli()})
		}
	}
}

func (g *Gateway) dropConn(c *Conn, code websocket.StatusCode, reason string) {
	g.reg.Remove(c.ID)
	_ = c.sock.Close(code, reason)
}

// Run drives the two poll loops until ctx is done. The fast loop drains the
// signal bus for out-of-cadence pushes; the slow loop re-checks every
// subscribed duel as the correctness backstop and sweeps idle connections.
func (g *Gateway) Run(ctx context.Context) {
	slow := time.NewTicker(g.opts.SlowPoll)
	fast := time.NewTicker(g.opts.FastPoll)
	defer slow.Stop()
	defer fast.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			g.fastTick(ctx)
		case <-slow.C:
			g.slowTick(ctx)
		}
	}
}

func (g *Gateway) fastTick(ctx context.Context) {
	markers, err := g.bus.Drain(ctx)
	if err != nil {
		obslog.L().Warn("gateway_drain_error", zap.Error(err))
		return
	}
	for id, version := range markers {
		g.pushDuel(ctx, id, version, true)
	}
}

func (g *Gateway) slowTick(ctx context.Context) {
	for _, id := range g.reg.DuelIDs() {
		g.pushDuel(ctx, id, 0, false)
	}
	cutoff := g.clock.Now().Add(-g.opts.IdleTimeout)
	for _, c := range g.reg.IdleSince(cutoff) {
		_ = g.writeFrame(c, &errorFrame{Type: "error", Message: errConnectionTimeout})
		g.dropConn(c, websocket.StatusPolicyViolation, errConnectionTimeout)
		obslog.L().Info("gateway_idle_drop", zap.Uint64("conn_id", c.ID), zap.Int64("duel_id", c.DuelID))
	}
}

// pushDuel recomputes the public snapshot and pushes it to the duel's
// sockets when shouldPush allows it. Terminal status sends a closing event
// and disconnects.
func (g *Gateway) pushDuel(ctx context.Context, duelID int64, version int64, force bool) {
	conns := g.reg.ByDuel(duelID)
	if len(conns) == 0 {
		delete(g.push, duelID)
		return
	}

	d, err := g.store.Get(ctx, duelID)
	if err != nil {
		obslog.L().Warn("gateway_load_error", zap.Int64("duel_id", duelID), zap.Error(err))
		return
	}
	if d == nil {
		g.closeDuelConns(duelID, conns)
		return
	}

	snap := ComputeSnapshot(d)
	if version > 0 {
		snap.EventVersion = version
	}
	h := snap.Hash()
	now := g.clock.Now()

	st := g.push[duelID]
	if st == nil {
		st = &pushState{}
		g.push[duelID] = st
	}
	if !g.shouldPush(st, h, force, now) {
		return
	}

	for _, c := range conns {
		if err := g.writeFrame(c, &updateFrame{Type: "duel_update", Payload: snap}); err != nil {
			g.dropConn(c, websocket.StatusGoingAway, "write failure")
		}
	}
	st.hash = h
	st.lastPush = now
	obslog.L().Debug("gateway_push",
		zap.Int64("duel_id", duelID),
		zap.String("status", string(snap.Status)),
		zap.Bool("forced", force),
	)

	if d.Status.Terminal() {
		g.closeDuelConns(duelID, g.reg.ByDuel(duelID))
	}
}

// shouldPush decides whether a recomputed snapshot goes out. Unchanged
// content is pushed only on a forced refresh, and every push respects the
// per-duel minimum interval; a changed snapshot suppressed here is picked up
// by the next slow poll because st.hash only advances on an actual push.
func (g *Gateway) shouldPush(st *pushState, h uint64, force bool, now time.Time) bool {
	if st.hash == h && !force {
		return false
	}
	return now.Sub(st.lastPush) >= g.opts.MinPushInterval
}

func (g *Gateway) closeDuelConns(duelID int64, conns []*Conn) {
	for _, c := range conns {
		_ = g.writeFrame(c, &closedFrame{Type: "duel_closed", DuelID: duelID})
		g.dropConn(c, websocket.StatusNormalClosure, "duel closed")
	}
	delete(g.push, duelID)
}

func (g *Gateway) writeFrame(c *Conn, v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.sock, v)
}
